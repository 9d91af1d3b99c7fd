package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/orchestrator"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine runtime counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				report := o.Status(ctx)
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				fmt.Fprintf(out, "queue:     depth=%d capacity=%d submitted=%d rejected=%d\n",
					report.Queue.Depth, report.Queue.Capacity, report.Queue.Submitted, report.Queue.Rejected)
				fmt.Fprintf(out, "workers:   threads=%d active=%d total=%d recycled=%d\n",
					report.Workers.Threads, report.Workers.Active, report.Workers.Total, report.Workers.Recycled)
				fmt.Fprintf(out, "receipts:  pending=%d written=%d\n",
					report.Receipts.Pending, report.Receipts.Written)
				fmt.Fprintf(out, "snapshots: stored=%d keys=%d\n",
					report.Snapshots.Stored, report.Snapshots.Keys)
				return nil
			})
		},
	}
}

func newFlushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush pending receipt writes to Git notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if err := o.FlushAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "receipts flushed")
				return nil
			})
		},
	}
}
