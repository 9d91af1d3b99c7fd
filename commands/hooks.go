package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/orchestrator"
)

func newHooksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "List loaded hook definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				summaries, err := o.ListHooks(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(summaries)
				}

				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tPREDICATE\tSIGNALS\tFILTER\tPIPELINES")
				for _, s := range summaries {
					signals := "*"
					if len(s.Signals) > 0 {
						signals = strings.Join(s.Signals, ",")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
						s.ID, s.Title, s.PredicateKind, signals, s.FileFilter, s.Pipelines)
				}
				return w.Flush()
			})
		},
	}
	return cmd
}
