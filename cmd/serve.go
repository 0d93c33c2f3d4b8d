package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"photoflow/internal/apihandlers"
	"photoflow/internal/worker"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr   string // Listen address, overrides server.address
	serveDriver bool
	serveDebug  bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts an HTTP server for submitting, listing and cancelling tasks,
reading credit balances and receiving asynchronous inference callbacks.
With --driver the server also runs the state machine driver in-process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		cfg := appInstance.Config

		if !serveDebug {
			gin.SetMode(gin.ReleaseMode)
		}
		handler := apihandlers.NewAPIHandler(appInstance.TaskService, appInstance.CreditService, appInstance.Engine)
		handler.CallbackToken = cfg.Server.CallbackToken
		handler.Health = appInstance.Health

		listenAddr := cfg.Server.Address
		if serveAddr != "" {
			listenAddr = serveAddr
		}
		srv := &http.Server{
			Addr:              listenAddr,
			Handler:           apihandlers.NewRouter(handler),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveDriver {
			go worker.RunLocal(ctx, worker.Deps{Engine: appInstance.Engine, Retention: cfg.Engine.Retention}, cfg.Engine.PollInterval, time.Hour)
		}

		errCh := make(chan error, 1)
		go func() {
			log.Infof("Starting Photoflow API server on http://%s", listenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("failed to run API server: %w", err)
			}
		case <-ctx.Done():
			log.Info("Shutdown signal received, stopping API server...")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown API server: %w", err)
		}
		log.Info("Photoflow API server stopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on, host:port (default server.address)")
	serveCmd.Flags().BoolVar(&serveDriver, "driver", false, "Also run the driver loop in this process")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Run gin in debug mode")
}
