package worker

import (
	"context"
	"fmt"
	"time"

	"photoflow/internal/engine"
	"photoflow/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// Orchestrator is the part of the engine the worker drives.
type Orchestrator interface {
	RunCycle(ctx context.Context) engine.CycleSummary
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
	ReconcileQueued(ctx context.Context, p tasks.InferenceResultPayload) error
}

// Deps holds what the asynq handlers need.
type Deps struct {
	Engine    Orchestrator
	Retention time.Duration
}

// RegisterHandlers wires every task type served by the worker onto mux.
func RegisterHandlers(mux *asynq.ServeMux, deps Deps) {
	log.Infof("Registering %s handler", tasks.TypeInferenceResult)
	mux.HandleFunc(tasks.TypeInferenceResult, HandleInferenceResult(deps))
	log.Infof("Registering %s handler", tasks.TypeRunCycle)
	mux.HandleFunc(tasks.TypeRunCycle, HandleRunCycle(deps))
	log.Infof("Registering %s handler", tasks.TypeCleanup)
	mux.HandleFunc(tasks.TypeCleanup, HandleCleanup(deps))
}

// HandleInferenceResult reconciles a queued inference outcome. Malformed
// payloads are skipped since retrying them cannot succeed.
func HandleInferenceResult(deps Deps) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := tasks.DecodeInferenceResult(t.Payload())
		if err != nil {
			log.Errorf("Dropping inference result: %v", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return deps.Engine.ReconcileQueued(ctx, p)
	}
}

// HandleRunCycle runs one driver cycle.
func HandleRunCycle(deps Deps) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		summary := deps.Engine.RunCycle(ctx)
		if summary.Processed > 0 {
			log.WithFields(log.Fields{
				"processed": summary.Processed,
				"failed":    summary.Failed(),
				"duration":  summary.Duration,
			}).Info("Driver cycle finished")
		}
		return nil
	}
}

// HandleCleanup deletes terminal tasks older than the retention window.
func HandleCleanup(deps Deps) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		n, err := deps.Engine.Cleanup(ctx, deps.Retention)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		if n > 0 {
			log.Infof("Cleanup removed %d terminal tasks", n)
		}
		return nil
	}
}
