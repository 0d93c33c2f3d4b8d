package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"photoflow/internal/app"
	"photoflow/internal/worker"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var workerLocal bool

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background driver and callback worker",
	Long: `Starts the asynq worker that consumes queued inference results, plus the
scheduler that enqueues a driver cycle every engine.poll_interval and an
hourly cleanup. With --local no Redis is needed: the driver runs on a ticker
and inference results are reconciled in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps := worker.Deps{Engine: appInstance.Engine, Retention: appInstance.Config.Engine.Retention}
		if workerLocal || !appInstance.Config.RedisEnabled() {
			if !workerLocal {
				log.Warn("redis.address is not set, falling back to local mode")
			}
			worker.RunLocal(ctx, deps, appInstance.Config.Engine.PollInterval, time.Hour)
			return nil
		}

		if err := runWorker(ctx, appInstance, deps); err != nil {
			log.Errorf("Worker exited with error: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerLocal, "local", false, "Run the driver on a local ticker without Redis")
}

// runWorker runs the asynq server and scheduler until ctx is done.
func runWorker(ctx context.Context, appInstance *app.App, deps worker.Deps) error {
	cfg := appInstance.Config
	redisOpts := app.RedisOpt(cfg)

	srv := asynq.NewServer(
		redisOpts,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      cfg.Worker.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Errorf("Asynq task failed: type=%s err=%v", task.Type(), err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, deps)

	scheduler := asynq.NewScheduler(redisOpts, &asynq.SchedulerOpts{})
	if err := worker.RegisterSchedule(scheduler, cfg.Engine.PollInterval); err != nil {
		return err
	}

	log.Infof("Starting Asynq worker server (Concurrency: %d, Queues: %v)...", cfg.Worker.Concurrency, cfg.Worker.Queues)
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("failed to start Asynq scheduler: %w", err)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received. Initiating graceful shutdown...")
	scheduler.Shutdown()
	srv.Stop()
	srv.Shutdown()
	log.Println("Worker shutdown complete.")
	return nil
}
