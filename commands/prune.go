package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/orchestrator"
)

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale snapshots and expired locks",
		Long: `Prune drops snapshot entries older than --max-age, always keeping the
newest entry per key and anything a persisted receipt still references,
then sweeps lock refs whose holders have expired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				pruned, err := o.PruneSnapshots(ctx, maxAge)
				if err != nil {
					return err
				}
				swept, err := o.SweepLocks(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshots, swept %d expired locks\n", pruned, swept)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "Drop snapshots older than this")
	return cmd
}
