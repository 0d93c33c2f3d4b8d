package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupRetention time.Duration
	cleanupQueue     bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal tasks older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if cleanupQueue {
			if cleanupRetention > 0 {
				return fmt.Errorf("--retention cannot be combined with --queue; the worker uses engine.retention")
			}
			jc, err := jobClient(appInstance)
			if err != nil {
				return err
			}
			if err := jc.EnqueueCleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Cleanup queued for the worker.")
			return nil
		}
		retention := appInstance.Config.Engine.Retention
		if cleanupRetention > 0 {
			retention = cleanupRetention
		}
		n, err := appInstance.Engine.Cleanup(cmd.Context(), retention)
		if err != nil {
			return fmt.Errorf("cleanup failed after %d deletions: %w", n, err)
		}
		fmt.Printf("Deleted %d terminal tasks older than %s.\n", n, retention)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := appInstance.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Println("Schema is up to date.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd, migrateCmd)
	cleanupCmd.Flags().DurationVar(&cleanupRetention, "retention", 0, "Override engine.retention (e.g. 72h)")
	cleanupCmd.Flags().BoolVar(&cleanupQueue, "queue", false, "Hand the sweep to a worker through Redis instead of running it here")
}
