package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"photoflow/internal/clix"
	"photoflow/internal/models"
	"photoflow/internal/services"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	taskOwner  string
	taskStatus string
	taskReason string
)

// taskCmd represents the base command for task operations.
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}
		status, err := clix.ParseStatus(cmd.Flags())
		if err != nil {
			return err
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		list, err := appInstance.TaskService.List(cmd.Context(), services.ListParams{
			OwnerID: taskOwner,
			Status:  status,
			Limit:   pagination.Limit,
			Offset:  pagination.Offset,
		})
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		renderTasks(os.Stdout, list)
		fmt.Printf("\nDisplayed %d tasks.\n", len(list))
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task, including retry details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid task ID %q: %w", args[0], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		task, err := appInstance.TaskService.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and refund its credits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid task ID %q: %w", args[0], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		task, err := appInstance.TaskService.Cancel(cmd.Context(), id, taskReason)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s is now %s.\n", task.ID, colorStatus(task.Status))
		return nil
	},
}

func printTask(t *models.Task) {
	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Type:        %s\n", t.Type)
	fmt.Printf("Owner:       %s\n", t.OwnerID)
	fmt.Printf("Status:      %s (state %s)\n", colorStatus(t.Status), t.State)
	fmt.Printf("Retries:     %d\n", t.RetryCount)
	fmt.Printf("Retry after: %s\n", formatTime(t.RetryAfter))
	fmt.Printf("Credits:     %d\n", t.CreditsConsumed)
	fmt.Printf("Created:     %s\n", formatTime(&t.CreatedAt))
	fmt.Printf("Completed:   %s\n", formatTime(t.CompletedAt))
	if t.Prompt != "" {
		fmt.Printf("Prompt:      %s\n", t.Prompt)
	}
	if t.LastError != nil {
		fmt.Printf("Last error:  %s\n", *t.LastError)
	}
	if t.Error != nil {
		fmt.Printf("Error:       %s\n", *t.Error)
	}
	if len(t.Result) > 0 {
		var pretty any
		if err := json.Unmarshal(t.Result, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("Result:\n%s\n", out)
		}
	}
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskCancelCmd)

	taskListCmd.Flags().IntP("limit", "l", 20, "Number of tasks to display")
	taskListCmd.Flags().IntP("offset", "o", 0, "Number of tasks to skip")
	taskListCmd.Flags().StringVar(&taskOwner, "owner", "", "Only show tasks of this owner")
	taskListCmd.Flags().StringVarP(&taskStatus, "status", "s", "", "Only show tasks with this status")
	taskCancelCmd.Flags().StringVar(&taskReason, "reason", "", "Reason recorded on the task")
}
