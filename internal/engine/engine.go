// Package engine drives generation tasks through the processing state
// machine. A poll cycle advances eligible tasks one step each; inference is
// dispatched asynchronously and its outcome reconciled by the callback
// receiver.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"photoflow/internal/models"
	"photoflow/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries         = 3
	DefaultBaseDelay          = 5 * time.Second
	DefaultBatchSize          = 10
	DefaultInferenceTimeout   = 5 * time.Minute
	DefaultStaleGrace         = time.Minute
	DefaultMaxCallbackPayload = 1 << 20
	DefaultRetention          = 24 * time.Hour
)

// Options tunes the retry policy and dispatch limits.
type Options struct {
	MaxRetries       int
	BaseDelay        time.Duration
	BatchSize        int
	InferenceTimeout time.Duration
	// StaleGrace is added to InferenceTimeout before a task that is waiting
	// on a callback with no local dispatch is treated as lost.
	StaleGrace         time.Duration
	MaxCallbackPayload int
	// CompleteOnCallback finishes the task from the callback receiver. When
	// false the task stops at inference-completed and the driver runs
	// post-processing and upload.
	CompleteOnCallback bool
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         DefaultMaxRetries,
		BaseDelay:          DefaultBaseDelay,
		BatchSize:          DefaultBatchSize,
		InferenceTimeout:   DefaultInferenceTimeout,
		StaleGrace:         DefaultStaleGrace,
		MaxCallbackPayload: DefaultMaxCallbackPayload,
		CompleteOnCallback: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.InferenceTimeout <= 0 {
		o.InferenceTimeout = d.InferenceTimeout
	}
	if o.StaleGrace < 0 {
		o.StaleGrace = 0
	}
	if o.MaxCallbackPayload <= 0 {
		o.MaxCallbackPayload = d.MaxCallbackPayload
	}
	return o
}

// PromptBuilder renders the inference prompt for a task.
type PromptBuilder interface {
	Build(task *models.Task) (string, error)
}

// Deps are the collaborators the engine needs. Results may be nil, in which
// case inference outcomes are reconciled in-process.
type Deps struct {
	Tasks     store.TaskStore
	Ledger    store.CreditLedger
	Artifacts store.ArtifactStore
	Fetcher   store.Fetcher
	Inference store.InferenceService
	Results   store.ResultQueue
	Prompts   PromptBuilder
	Clock     func() time.Time
}

// Handler advances one task from the state it is registered for. Returning
// ErrNotEligible leaves the task untouched; any other error goes through the
// failure pipeline.
type Handler interface {
	Handle(ctx context.Context, task *models.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *models.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *models.Task) error { return f(ctx, task) }

// ErrNotEligible is returned by handlers that skip a task this cycle.
var ErrNotEligible = errors.New("task not eligible this cycle")

// Engine is safe for concurrent use.
type Engine struct {
	tasks     store.TaskStore
	ledger    store.CreditLedger
	artifacts store.ArtifactStore
	fetcher   store.Fetcher
	inference store.InferenceService
	results   store.ResultQueue
	prompts   PromptBuilder
	now       func() time.Time
	opts      Options

	mu       sync.RWMutex
	handlers map[models.TaskState]Handler

	inflightMu sync.Mutex
	inflight   map[uuid.UUID]*completion
	wg         sync.WaitGroup
}

// New builds an engine with a handler registered for every processing state.
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("engine: task store is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: credit ledger is required")
	case deps.Artifacts == nil:
		return nil, errors.New("engine: artifact store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("engine: fetcher is required")
	case deps.Inference == nil:
		return nil, errors.New("engine: inference service is required")
	case deps.Prompts == nil:
		return nil, errors.New("engine: prompt builder is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		tasks:     deps.Tasks,
		ledger:    deps.Ledger,
		artifacts: deps.Artifacts,
		fetcher:   deps.Fetcher,
		inference: deps.Inference,
		results:   deps.Results,
		prompts:   deps.Prompts,
		now:       clock,
		opts:      opts.withDefaults(),
		inflight:  make(map[uuid.UUID]*completion),
	}
	e.handlers = e.defaultHandlers()
	if err := validateRegistry(e.handlers); err != nil {
		return nil, err
	}
	return e, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Register replaces the handler for a processing state.
func (e *Engine) Register(state models.TaskState, h Handler) error {
	if h == nil {
		return fmt.Errorf("engine: nil handler for state %s", state)
	}
	if state.Rank() < 0 || state.Rank() >= len(models.ProcessingStates) {
		return fmt.Errorf("engine: %q is not a processing state", state)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[state] = h
	return nil
}

func (e *Engine) handlerFor(state models.TaskState) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[state]
	return h, ok
}

func validateRegistry(handlers map[models.TaskState]Handler) error {
	for _, s := range models.ProcessingStates {
		if handlers[s] == nil {
			return fmt.Errorf("engine: no handler registered for state %s", s)
		}
	}
	return nil
}

// Wait blocks until every in-flight inference dispatch has been reconciled.
func (e *Engine) Wait() { e.wg.Wait() }

// InFlight reports the number of inference calls awaiting an outcome.
func (e *Engine) InFlight() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return len(e.inflight)
}

func (e *Engine) isInFlight(id uuid.UUID) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}
