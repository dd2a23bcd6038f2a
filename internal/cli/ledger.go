package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewPendingCmd создаёт группу команд для pending ledger.
func NewPendingCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the pending ledger",
	}

	var opts ListPendingOpts
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := clientFn().ListPending(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "KIND", "TRANSFORM_ID", "UNIT", "STATUS", "RETRIES", "NEXT_RETRY", "LAST_ERROR"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{
					e.ID, e.BatchType, e.TransformID, e.UnitKey, e.Status,
					strconv.Itoa(e.RetryCount) + "/" + strconv.Itoa(e.MaxRetries),
					e.NextRetryAt, e.LastError,
				}
			}

			outputFn().Print(headers, rows, entries)
			return nil
		},
	}
	list.Flags().StringVar(&opts.TransformID, "transform-id", "", "Filter by transform ID")
	list.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, published, failed, expired)")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	cmd.AddCommand(list)
	return cmd
}

// NewRunsCmd создаёт группу команд для журнала reconciliation.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect reconciliation runs",
	}

	var transformID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListReconciliationRuns(transformID, limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "TYPE", "STATUS", "STARTED", "DURATION_MS", "ORPHANED", "RECOVERED", "EXPIRED", "CLEANED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID, r.RunType, r.Status, r.StartedAt,
					strconv.FormatInt(r.DurationMs, 10),
					strconv.Itoa(r.OrphanedFound),
					strconv.Itoa(r.Recovered),
					strconv.Itoa(r.Expired),
					strconv.Itoa(r.CleanedUp),
				}
			}

			outputFn().Print(headers, rows, runs)
			return nil
		},
	}
	list.Flags().StringVar(&transformID, "transform-id", "", "Filter by transform ID")
	list.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	cmd.AddCommand(list)
	return cmd
}
