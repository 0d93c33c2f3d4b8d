package cmd

import (
	"errors"
	"fmt"
	"os"

	"photoflow/internal/app"
	"photoflow/internal/store"

	"github.com/spf13/cobra"
)

var (
	cycleWait  bool
	cycleQueue bool
)

var errNoQueue = errors.New("--queue needs redis.address to be configured")

// jobClient returns the configured job client for --queue runs.
func jobClient(a *app.App) (store.JobClient, error) {
	if a.JobClient == nil {
		return nil, errNoQueue
	}
	return a.JobClient, nil
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one driver cycle and print what it did",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if cycleQueue {
			jc, err := jobClient(appInstance)
			if err != nil {
				return err
			}
			if err := jc.EnqueueRunCycle(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Driver cycle queued for the worker.")
			return nil
		}
		summary := appInstance.Engine.RunCycle(cmd.Context())
		if cycleWait {
			appInstance.Engine.Wait()
		}
		if len(summary.Results) == 0 {
			fmt.Println("No tasks were eligible this cycle.")
			return nil
		}
		renderCycle(os.Stdout, summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cycleCmd)
	cycleCmd.Flags().BoolVar(&cycleWait, "wait", true, "Wait for dispatched inference calls to finish before exiting")
	cycleCmd.Flags().BoolVar(&cycleQueue, "queue", false, "Hand the cycle to a worker through Redis instead of running it here")
}
