package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/orchestrator"
	"github.com/c360studio/semhooks/signal"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var (
		schedule    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the engine as a long-lived process",
		Long: `Daemon keeps the engine resident: the graph watcher picks up .ttl
edits, a cron schedule emits schedule-tick signals, and Prometheus
metrics are served over HTTP when --metrics-addr is set.

Stops cleanly on SIGINT or SIGTERM, draining in-flight pipelines.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.newLogger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}
			if schedule == "" {
				schedule = cfg.Daemon.Schedule
			}

			o, err := orchestrator.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := o.Start(ctx); err != nil {
				return err
			}
			defer o.Stop()

			if metricsAddr != "" {
				server := &http.Server{Addr: metricsAddr, Handler: o.Metrics().Handler()}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", slog.String("error", err.Error()))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				logger.Info("Serving metrics", slog.String("addr", metricsAddr))
			}

			if schedule != "" {
				c := cron.New()
				_, err := c.AddFunc(schedule, func() {
					sig, err := o.ExtractSignal(ctx, signal.ScheduleTick, signal.Options{})
					if err != nil {
						logger.Warn("Schedule tick extraction failed", slog.String("error", err.Error()))
						return
					}
					report, err := o.Evaluate(ctx, sig)
					if err != nil {
						logger.Warn("Schedule tick evaluation failed", slog.String("error", err.Error()))
						return
					}
					logger.Info("Schedule tick evaluated",
						slog.Int("evaluated", report.HooksEvaluated),
						slog.Int("triggered", report.HooksTriggered))
				})
				if err != nil {
					return fmt.Errorf("parse schedule %q: %w", schedule, err)
				}
				c.Start()
				defer c.Stop()
				logger.Info("Scheduler running", slog.String("schedule", schedule))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "semhooks daemon running (ctrl-c to stop)")
			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression for schedule-tick signals (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics (e.g. :9464)")
	return cmd
}
