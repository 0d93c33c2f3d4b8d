package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"photoflow/internal/models"
	"photoflow/internal/store"
	"photoflow/internal/tasks"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// completion resolves exactly once, either with the provider's outcome or
// with a synthetic timeout, whichever comes first.
type completion struct {
	once    sync.Once
	done    chan struct{}
	outcome models.InferenceOutcome
	cancel  context.CancelFunc
}

func newCompletion(cancel context.CancelFunc) *completion {
	return &completion{done: make(chan struct{}), cancel: cancel}
}

func (c *completion) resolve(o models.InferenceOutcome) bool {
	resolved := false
	c.once.Do(func() {
		c.outcome = o
		resolved = true
		close(c.done)
	})
	return resolved
}

func (e *Engine) timeoutOutcome(id uuid.UUID) models.InferenceOutcome {
	return models.InferenceOutcome{
		Timeout: true,
		Error:   (&models.TimeoutError{TaskID: id, Op: "inference", After: e.opts.InferenceTimeout}).Error(),
	}
}

// dispatch starts the inference call for task in the background. The task
// snapshot must already be in inference-calling.
func (e *Engine) dispatch(task *models.Task, req store.InferenceRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.InferenceTimeout)
	c := newCompletion(cancel)

	e.inflightMu.Lock()
	e.inflight[task.ID] = c
	e.inflightMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, task.ID)
			e.inflightMu.Unlock()
		}()
		defer cancel()

		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.resolve(models.InferenceOutcome{Error: fmt.Sprintf("inference panicked: %v", r)})
				}
			}()
			out, err := e.inference.Generate(ctx, req)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.resolve(e.timeoutOutcome(task.ID))
				return
			}
			if err != nil {
				out = models.InferenceOutcome{Error: err.Error()}
			}
			c.resolve(out)
		}()

		select {
		case <-c.done:
		case <-ctx.Done():
			// Resolve without waiting on the provider, which may ignore ctx.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.resolve(e.timeoutOutcome(task.ID))
			} else {
				c.resolve(models.InferenceOutcome{Error: "inference cancelled"})
			}
		}

		outcome := c.outcome
		if outcome.Pending {
			e.markProcessing(task)
			return
		}
		e.DeliverResult(context.Background(), task, tasks.InferenceResultPayload{
			TaskID:  task.ID,
			JobType: task.Type,
			Outcome: outcome,
			Prompt:  task.Prompt,
		})
	}()
}

// markProcessing records that the provider accepted the job and will call
// back later.
func (e *Engine) markProcessing(task *models.Task) {
	upd := store.TaskUpdate{}.Transition(models.StateInferenceProcessing).Expect(models.StateInferenceCalling)
	applied, err := e.tasks.UpdateTask(context.Background(), task.ID, upd)
	if err != nil {
		log.WithField("task_id", task.ID).Errorf("Failed to mark task as processing: %v", err)
		return
	}
	if applied {
		log.WithField("task_id", task.ID).Infof("Inference accepted by %s, awaiting callback", e.inference.Name())
	}
}

// abortDispatch cancels an in-flight inference call. The cancelled call
// still reconciles, and the receiver discards it if the task is terminal.
func (e *Engine) abortDispatch(id uuid.UUID) {
	e.inflightMu.Lock()
	c, ok := e.inflight[id]
	e.inflightMu.Unlock()
	if ok && c.cancel != nil {
		c.cancel()
	}
}

// DeliverResult routes an inference outcome to the callback receiver.
// Payloads over the queue size limit, or any payload when no queue is
// configured, are reconciled in-process. If delivery fails the task is
// patched to failed directly and refunded.
func (e *Engine) DeliverResult(ctx context.Context, task *models.Task, p tasks.InferenceResultPayload) {
	logger := log.WithField("task_id", p.TaskID)
	if e.results == nil {
		if err := e.OnInferenceResult(ctx, p.TaskID, p.JobType, p.Outcome, p.Prompt); err != nil {
			e.failDelivery(ctx, task, err)
		}
		return
	}

	body, err := p.Encode()
	if err != nil {
		e.failDelivery(ctx, task, err)
		return
	}
	if len(body) > e.opts.MaxCallbackPayload {
		logger.Infof("Inference result is %d bytes (limit %d), reconciling in-process", len(body), e.opts.MaxCallbackPayload)
		if err := e.OnInferenceResult(ctx, p.TaskID, p.JobType, p.Outcome, p.Prompt); err != nil {
			e.failDelivery(ctx, task, err)
		}
		return
	}
	if err := e.results.EnqueueInferenceResult(ctx, p.TaskID, task.RetryCount, body); err != nil {
		if errors.Is(err, store.ErrPayloadTooLarge) {
			if err := e.OnInferenceResult(ctx, p.TaskID, p.JobType, p.Outcome, p.Prompt); err != nil {
				e.failDelivery(ctx, task, err)
			}
			return
		}
		e.failDelivery(ctx, task, fmt.Errorf("enqueue inference result: %w", err))
		return
	}
	logger.Debug("Inference result enqueued")
}

// failDelivery is the last-resort path when an outcome cannot be reconciled:
// it marks the task failed without a state guard and refunds its credits.
func (e *Engine) failDelivery(ctx context.Context, task *models.Task, cause error) {
	logger := log.WithField("task_id", task.ID)
	logger.Errorf("Inference result could not be reconciled: %v", cause)
	msg := fmt.Sprintf("callback failed: %v", cause)
	now := e.now()
	upd := store.TaskUpdate{Error: &msg, LastError: &msg, CompletedAt: &now, ClearRetry: true}.Transition(models.StateFailed)
	applied, err := e.tasks.UpdateTask(ctx, task.ID, upd)
	if err != nil {
		logger.Errorf("Failed to mark task failed after callback error: %v", err)
		return
	}
	if applied {
		e.RefundIfNeeded(ctx, task, models.RefundReasonCallbackFailed)
	}
}

// ReconcileQueued handles an inference result taken off the result queue.
// A receiver failure is turned into the same direct failure patch used for
// in-process delivery so the queue never retries a half-applied result.
func (e *Engine) ReconcileQueued(ctx context.Context, p tasks.InferenceResultPayload) error {
	err := e.OnInferenceResult(ctx, p.TaskID, p.JobType, p.Outcome, p.Prompt)
	if err == nil {
		return nil
	}
	task, getErr := e.tasks.GetTask(ctx, p.TaskID)
	if getErr != nil {
		return fmt.Errorf("reconcile task %s: %w (lookup: %v)", p.TaskID, err, getErr)
	}
	e.failDelivery(ctx, task, err)
	return nil
}
