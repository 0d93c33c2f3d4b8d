package cmd

import (
	"fmt"
	"os"
	"strconv"

	"photoflow/internal/clix"

	"github.com/spf13/cobra"
)

var grantReason string

// creditsCmd represents the base command for credit operations.
var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "View and grant owner credits",
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <owner>",
	Short: "Show an owner's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		balance, err := appInstance.CreditService.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d credits\n", args[0], balance)
		return nil
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <owner>",
	Short: "List an owner's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return fmt.Errorf("invalid pagination flags: %w", err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		entries, err := appInstance.CreditService.ListEntries(cmd.Context(), args[0], pagination.Limit, pagination.Offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No ledger entries found.")
			return nil
		}
		renderEntries(os.Stdout, entries)
		return nil
	},
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <owner> <amount>",
	Short: "Add credits to an owner's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := appInstance.CreditService.Grant(cmd.Context(), args[0], amount, grantReason); err != nil {
			return err
		}
		balance, _ := appInstance.CreditService.Balance(cmd.Context(), args[0])
		fmt.Printf("Granted %d credits to %s (balance %d).\n", amount, args[0], balance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(creditsCmd)
	creditsCmd.AddCommand(creditsBalanceCmd, creditsHistoryCmd, creditsGrantCmd)

	creditsHistoryCmd.Flags().IntP("limit", "l", 50, "Number of entries to display")
	creditsHistoryCmd.Flags().IntP("offset", "o", 0, "Number of entries to skip")
	creditsGrantCmd.Flags().StringVar(&grantReason, "reason", "manual", "Reason recorded on the ledger")
}
