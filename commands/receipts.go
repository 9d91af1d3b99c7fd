package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/orchestrator"
)

func newReceiptsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "receipts <commit>",
		Short: "Show the receipts recorded on a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				receipts, err := o.ListReceipts(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(receipts)
				}
				if len(receipts) == 0 {
					fmt.Fprintln(out, "no receipts recorded")
					return nil
				}
				for _, r := range receipts {
					label := r.HookID
					if r.PipelineID != "" {
						label += " / " + r.PipelineID
					}
					fmt.Fprintf(out, "%-7s %s  run=%s  signal=%s  %dms\n",
						r.Status, label, r.RunID, r.Signal, r.DurationMs)
					if r.Error != "" {
						fmt.Fprintf(out, "        %s: %s\n", r.ErrorKind, r.Error)
					}
				}
				return nil
			})
		},
	}
}
