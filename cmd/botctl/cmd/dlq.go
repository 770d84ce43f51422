package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dlqLimit int

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered tasks",
}

// dlqListCmd lists failed-permanent ledger records, newest first
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	Long: `List tasks whose ledger record is failed-permanent, newest first. Each one
was published to the dead-letter topic exactly once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		records, err := store.ListFailed(ctx, dlqLimit)
		if err != nil {
			return fmt.Errorf("failed to list dead-lettered tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, records)
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No dead-lettered tasks")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DELIVERY\tTASK\tCLAIMS\tFAILED AT\tERROR")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				r.Key.DeliveryID, r.Key.TaskType, r.Claims, r.UpdatedAt.UTC().Format(time.RFC3339), r.LastError)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum number of tasks to list")
}
