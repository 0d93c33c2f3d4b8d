package store

import (
	"context"
	"encoding/json"
	"time"

	"photoflow/internal/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// --- Provider Status ---

// ProviderStatus reports whether an inference provider can take requests.
type ProviderStatus int

const (
	ProviderStatusUnknown  ProviderStatus = iota // Default zero value
	ProviderStatusActive                         // Provider is operational
	ProviderStatusInactive                       // Provider is temporarily unavailable (e.g., network, rate limit)
	ProviderStatusDisabled                       // Provider is not configured or explicitly disabled
)

// --- Task Store ---

// TaskOrder selects the ordering of FindTasks results.
type TaskOrder int

const (
	// OrderOldestFirst orders by created_at, then retry_count, ascending.
	OrderOldestFirst TaskOrder = iota
	// OrderNewestFirst orders by created_at descending.
	OrderNewestFirst
)

// TaskFilter narrows FindTasks. Empty slices match everything.
type TaskFilter struct {
	States        []models.TaskState
	Statuses      []models.TaskStatus
	OwnerID       string
	UpdatedBefore *time.Time
	EligibleBy    *time.Time // excludes tasks whose retry_after is later
	Limit         int
	Offset        int
	Order         TaskOrder
}

// TaskUpdate is a partial update applied with compare-and-set semantics.
// Nil fields are left untouched.
type TaskUpdate struct {
	// ExpectStates, when non-empty, requires the stored state to be one of them.
	ExpectStates []models.TaskState

	State       *models.TaskState
	Status      *models.TaskStatus
	RetryCount  *int
	RetryAfter  *time.Time
	ClearRetry  bool // sets retry_after to NULL
	Result      json.RawMessage
	Error       *string
	LastError   *string
	Prompt      *string
	CompletedAt *time.Time
}

// Transition is a convenience for setting state and its derived status together.
func (u TaskUpdate) Transition(to models.TaskState) TaskUpdate {
	status := models.StatusForState(to)
	u.State = &to
	u.Status = &status
	return u
}

// Expect adds states the stored row must currently be in.
func (u TaskUpdate) Expect(states ...models.TaskState) TaskUpdate {
	u.ExpectStates = append(append([]models.TaskState{}, u.ExpectStates...), states...)
	return u
}

// TaskStore persists Task entities. UpdateTask is the only mutation path for
// existing tasks: it applies the update only when the stored task is not
// terminal and, if ExpectStates is set, its state still matches. The boolean
// reports whether the update was applied.
type TaskStore interface {
	InsertTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	FindTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, update TaskUpdate) (bool, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
	CountTasks(ctx context.Context) (models.Stats, error)

	Ping(ctx context.Context) error
}

// --- Credit Ledger ---

// CreditLedger debits and refunds owner balances. Refund is idempotent per
// task id: a second refund for the same task returns false without crediting.
type CreditLedger interface {
	Debit(ctx context.Context, ownerID string, amount int, reason string, taskID *uuid.UUID) (bool, error)
	Refund(ctx context.Context, ownerID string, amount int, reason string, taskID uuid.UUID) (bool, error)
	Grant(ctx context.Context, ownerID string, amount int, reason string) error
	HasRefund(ctx context.Context, taskID uuid.UUID) (bool, error)
	Balance(ctx context.Context, ownerID string) (int, error)
	ListEntries(ctx context.Context, ownerID string, limit, offset int) ([]*models.CreditEntry, error)
}

// --- Artifact Storage ---

// ArtifactStore persists image bytes under caller-chosen keys. Saving an
// existing key overwrites it.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) (models.Artifact, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Publish(ctx context.Context, key string) (string, error)
}

// Fetcher downloads remote images.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// --- Inference Service ---

// InferenceRequest is one generation call.
type InferenceRequest struct {
	TaskID  uuid.UUID
	JobType models.JobType
	Prompt  string
	Images  [][]byte
	Size    string
}

// InferenceService is the opaque external AI inference call.
type InferenceService interface {
	Generate(ctx context.Context, req InferenceRequest) (models.InferenceOutcome, error)
	Name() string
	Status() ProviderStatus
}

// --- Job Client ---

// ResultQueue carries inference results from the dispatching goroutine to the
// callback receiver.
type ResultQueue interface {
	EnqueueInferenceResult(ctx context.Context, taskID uuid.UUID, attempt int, payload []byte) error
}

// JobClient enqueues result, cycle and cleanup jobs for the worker.
type JobClient interface {
	ResultQueue
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	EnqueueRunCycle(ctx context.Context) error
	EnqueueCleanup(ctx context.Context) error
	Close() error
}
