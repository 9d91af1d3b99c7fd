package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/orchestrator"
	"github.com/c360studio/semhooks/signal"
)

// withEngine builds, starts, and tears down an orchestrator around fn.
func withEngine(opts *rootOptions, fn func(ctx context.Context, o *orchestrator.Orchestrator) error) error {
	logger := opts.newLogger()
	cfg, err := opts.loadConfig(logger)
	if err != nil {
		return err
	}
	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		cancel()
		return err
	}
	err = fn(ctx, o)
	cancel()
	o.Stop()
	return err
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		prevHead string
		tag      string
	)

	cmd := &cobra.Command{
		Use:   "evaluate <signal>",
		Short: "Evaluate hooks for a Git signal",
		Long: `Evaluate derives the change context for the given signal (one of
pre-commit, post-commit, pre-push, post-merge, post-checkout,
tag-create, schedule-tick), evaluates every applicable hook predicate,
runs triggered pipelines, and writes receipts onto the head commit.

Intended to be called from the matching Git hook script.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := signal.ParseKind(args[0])
			if err != nil {
				return err
			}
			return withEngine(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
				sig, err := o.ExtractSignal(ctx, kind, signal.Options{
					PrevHead: prevHead,
					Tag:      tag,
				})
				if err != nil {
					return err
				}
				report, err := o.Evaluate(ctx, sig)
				if err != nil {
					return err
				}
				return printReport(cmd, opts, report)
			})
		},
	}

	cmd.Flags().StringVar(&prevHead, "prev-head", "", "Previous HEAD commit (post-checkout)")
	cmd.Flags().StringVar(&tag, "tag", "", "Tag name (tag-create)")
	return cmd
}

func printReport(cmd *cobra.Command, opts *rootOptions, report model.EvaluationReport) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(out, "evaluated %d hooks, %d triggered, %d workflows run in %dms (graph revision %d)\n",
		report.HooksEvaluated, report.HooksTriggered, report.WorkflowsExecuted,
		report.DurationMs, report.GraphRevision)
	for _, r := range report.Runs {
		label := r.HookID
		if r.PipelineID != "" {
			label += " / " + r.PipelineID
		}
		fmt.Fprintf(out, "  %-7s %s\n", r.Status, label)
		if r.Error != "" {
			fmt.Fprintf(out, "          %s: %s\n", r.ErrorKind, r.Error)
		}
	}
	return nil
}
