package store

import (
	"context"
	"fmt"
	"time"

	"photoflow/internal/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxPayload is the largest task payload the client hands to Redis.
const DefaultMaxPayload = 1 << 20

// AsynqJobClient is a concrete JobClient backed by asynq.
type AsynqJobClient struct {
	client     Enqueuer
	maxPayload int
}

// Enqueuer is the part of *asynq.Client the job client uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

func NewAsynqJobClient(opt asynq.RedisClientOpt, maxPayload int) (*AsynqJobClient, error) {
	if opt.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty for AsynqJobClient")
	}
	return NewJobClientWith(asynq.NewClient(opt), maxPayload), nil
}

// NewJobClientWith wraps an existing enqueuer.
func NewJobClientWith(e Enqueuer, maxPayload int) *AsynqJobClient {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &AsynqJobClient{client: e, maxPayload: maxPayload}
}

func (jc *AsynqJobClient) Close() error {
	if jc.client == nil {
		return nil
	}
	return jc.client.Close()
}

// Enqueue enqueues a task, refusing payloads above the size limit.
func (jc *AsynqJobClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if jc.client == nil {
		return nil, fmt.Errorf("AsynqJobClient internal client is not initialized")
	}
	if n := len(task.Payload()); n > jc.maxPayload {
		return nil, fmt.Errorf("task %s payload is %d bytes (limit %d): %w", task.Type(), n, jc.maxPayload, ErrPayloadTooLarge)
	}
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		log.Errorf("Failed to enqueue task type '%s': %v", task.Type(), err)
		return nil, err
	}
	log.Debugf("Enqueued task type '%s' id=%s queue=%s", task.Type(), info.ID, info.Queue)
	return info, nil
}

// ResultTaskID is the asynq task id of the result of one inference attempt.
// A task held under retention still claims its id, so each retry gets its
// own.
func ResultTaskID(taskID uuid.UUID, attempt int) string {
	return fmt.Sprintf("result:%s:%d", taskID, attempt)
}

// EnqueueInferenceResult queues an encoded inference result for the
// callback receiver. A result is queued at most once per attempt.
func (jc *AsynqJobClient) EnqueueInferenceResult(ctx context.Context, taskID uuid.UUID, attempt int, payload []byte) error {
	task := asynq.NewTask(tasks.TypeInferenceResult, payload)
	_, err := jc.Enqueue(ctx, task,
		asynq.Queue(tasks.QueueCallbacks),
		asynq.TaskID(ResultTaskID(taskID, attempt)),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue inference result for task %s: %w", taskID, err)
	}
	return nil
}

// EnqueueRunCycle asks a worker to run one driver cycle.
func (jc *AsynqJobClient) EnqueueRunCycle(ctx context.Context) error {
	task := asynq.NewTask(tasks.TypeRunCycle, nil)
	if _, err := jc.Enqueue(ctx, task, asynq.Queue(tasks.QueueScheduler), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue run cycle: %w", err)
	}
	return nil
}

// EnqueueCleanup asks a worker to run the retention sweep.
func (jc *AsynqJobClient) EnqueueCleanup(ctx context.Context) error {
	task := asynq.NewTask(tasks.TypeCleanup, nil)
	if _, err := jc.Enqueue(ctx, task, asynq.Queue(tasks.QueueScheduler), asynq.MaxRetry(1)); err != nil {
		return fmt.Errorf("enqueue cleanup: %w", err)
	}
	return nil
}

var _ JobClient = (*AsynqJobClient)(nil)
