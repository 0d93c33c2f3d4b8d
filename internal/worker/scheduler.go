package worker

import (
	"context"
	"fmt"
	"time"

	"photoflow/internal/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

const CleanupSpec = "@every 1h"

// Registrar is satisfied by *asynq.Scheduler.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterSchedule adds the periodic driver cycle and cleanup entries.
func RegisterSchedule(s Registrar, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}
	cycleSpec := fmt.Sprintf("@every %s", pollInterval)
	if _, err := s.Register(cycleSpec, asynq.NewTask(tasks.TypeRunCycle, nil),
		asynq.Queue(tasks.QueueScheduler), asynq.MaxRetry(0), asynq.Unique(pollInterval)); err != nil {
		return fmt.Errorf("register %s: %w", tasks.TypeRunCycle, err)
	}
	if _, err := s.Register(CleanupSpec, asynq.NewTask(tasks.TypeCleanup, nil),
		asynq.Queue(tasks.QueueScheduler), asynq.MaxRetry(1)); err != nil {
		return fmt.Errorf("register %s: %w", tasks.TypeCleanup, err)
	}
	log.Infof("Scheduled %s (%s) and %s (%s)", tasks.TypeRunCycle, cycleSpec, tasks.TypeCleanup, CleanupSpec)
	return nil
}

// RunLocal drives the engine on tickers until ctx is done. It is the
// Redis-free alternative to the asynq server and scheduler.
func RunLocal(ctx context.Context, deps Deps, pollInterval, cleanupEvery time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if cleanupEvery <= 0 {
		cleanupEvery = time.Hour
	}
	cycle := HandleRunCycle(deps)
	cleanup := HandleCleanup(deps)

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(cleanupEvery)
	defer sweep.Stop()

	log.Infof("Running local driver loop (poll every %s)", pollInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("Local driver loop stopped")
			return
		case <-poll.C:
			_ = cycle(ctx, nil)
		case <-sweep.C:
			if err := cleanup(ctx, nil); err != nil {
				log.Errorf("Local cleanup failed: %v", err)
			}
		}
	}
}
