package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/reward-ledger/ledger"
	"github.com/warp/reward-ledger/retry"
)

// =============================================================================
// retry / expire: one batch, then exit (for cron or manual runs)
// =============================================================================

func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "retry [--id ID]...",
		Short: "Replay due pending operations once",
		Long: `Replay one batch of due pending operations, or the operations named
with --id immediately regardless of their next retry time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return err
			}
			defer app.Close()

			var res retry.BatchResult
			if len(ids) > 0 {
				res, err = app.Processor.RetryNow(cmd.Context(), ids)
			} else {
				res, err = app.Processor.ProcessBatch(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), rootOpts.Format, res,
				fmt.Sprintf("due=%d completed=%d rescheduled=%d failed=%d skipped=%d released=%d\n",
					res.Due, res.Completed, res.Rescheduled, res.Failed, res.Skipped, res.Released))
		},
	}
	cmd.Flags().StringSliceVar(&ids, "id", nil, "operation id to retry now (repeatable)")
	return cmd
}

func NewExpireCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Reclaim expired points once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return err
			}
			defer app.Close()

			if limit <= 0 {
				limit = rootOpts.Config.Expiration.BatchSize
			}
			sum, err := app.Ledger.ExpireBatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), rootOpts.Format, sum,
				fmt.Sprintf("users=%d entries=%d points=%d failed=%d\n", sum.Users, sum.Entries, sum.Points, sum.Failed))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries to expire (default expiration.batch_size)")
	return cmd
}

// =============================================================================
// pending: inspect the retry queue
// =============================================================================

func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect the pending operation queue",
	}
	cmd.AddCommand(newPendingListCommand(rootOpts))
	cmd.AddCommand(newPendingCountsCommand(rootOpts))
	return cmd
}

func newPendingListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		user   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ops, err := app.Queue.List(cmd.Context(), retry.Filter{
				Status: retry.Status(status),
				UserID: ledger.UserID(user),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), ops)
			}
			return writeOperationTable(cmd.OutOrStdout(), ops)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, processing, completed or failed")
	cmd.Flags().StringVar(&user, "user", "", "only this user's operations")
	cmd.Flags().IntVar(&limit, "limit", 50, "max operations to list (0 = all)")
	return cmd
}

func newPendingCountsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Count operations by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(rootOpts.Config, rootOpts.Logger)
			if err != nil {
				return err
			}
			defer app.Close()

			counts, err := app.Queue.Counts(cmd.Context())
			if err != nil {
				return err
			}
			var b strings.Builder
			for _, s := range []retry.Status{retry.StatusPending, retry.StatusProcessing, retry.StatusCompleted, retry.StatusFailed} {
				fmt.Fprintf(&b, "%s=%d ", s, counts[s])
			}
			return printResult(cmd.OutOrStdout(), rootOpts.Format, counts, strings.TrimSpace(b.String())+"\n")
		},
	}
}

func writeOperationTable(w io.Writer, ops []retry.Operation) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSER\tACTION\tTARGET\tSTATUS\tRETRIES\tNEXT RETRY\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			op.ID, op.UserID, op.ActionKey, op.TargetID, op.Status,
			op.RetryCount, op.MaxRetries, op.NextRetryAt.Format(time.RFC3339), op.LastErrorCode)
	}
	return tw.Flush()
}
