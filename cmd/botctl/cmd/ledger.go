package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborbot/internal/ledger"
	"github.com/austindbirch/harborbot/internal/task"
)

// ledgerCmd represents the ledger command
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and release idempotency ledger records",
}

func ledgerKey(args []string) (ledger.Key, error) {
	t := task.Type(args[1])
	if !t.Valid() {
		return ledger.Key{}, fmt.Errorf("unknown task type %q", args[1])
	}
	return ledger.Key{DeliveryID: args[0], TaskType: t}, nil
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get [delivery-id] [task-type]",
	Short: "Show the ledger record of one task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := ledgerKey(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		rec, err := store.Get(ctx, key)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("no ledger record for %s", key)
		}
		if err != nil {
			return fmt.Errorf("failed to get ledger record: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, rec)
		}
		fmt.Fprintf(out, "Task:       %s\n", key)
		fmt.Fprintf(out, "Status:     %s\n", rec.Status)
		fmt.Fprintf(out, "Claims:     %d\n", rec.Claims)
		if rec.Owner != "" {
			fmt.Fprintf(out, "Owner:      %s\n", rec.Owner)
		}
		if rec.LeaseUntil != nil {
			fmt.Fprintf(out, "Lease:      %s\n", rec.LeaseUntil.UTC().Format(time.RFC3339))
		}
		if rec.CompletedAt != nil {
			fmt.Fprintf(out, "Completed:  %s\n", rec.CompletedAt.UTC().Format(time.RFC3339))
		}
		if rec.LastError != "" {
			fmt.Fprintf(out, "Last error: %s\n", rec.LastError)
		}
		fmt.Fprintf(out, "Updated:    %s\n", rec.UpdatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "Expires:    %s\n", rec.ExpiresAt.UTC().Format(time.RFC3339))
		return nil
	},
}

var ledgerReleaseCmd = &cobra.Command{
	Use:   "release [delivery-id] [task-type]",
	Short: "Return a failed or stuck task to unclaimed pending",
	Long: `Release resets a failed or pending ledger record so the next redelivery of
the task may claim it. Completed records are never released. Releasing does
not republish the task; replay it from the dead-letter topic afterwards.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := ledgerKey(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		switch err := store.Reset(ctx, key); {
		case errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("no ledger record for %s", key)
		case errors.Is(err, ledger.ErrCompleted):
			return fmt.Errorf("%s is completed and cannot be released", key)
		case err != nil:
			return fmt.Errorf("failed to release ledger record: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerGetCmd)
	ledgerCmd.AddCommand(ledgerReleaseCmd)
}
