// Package commands implements the semhooks CLI: signal evaluation, hook
// listing, status, receipt flushing, snapshot pruning, and the daemon.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/semhooks/config"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	repoPath   string
	logLevel   string
	jsonOutput bool
}

// NewRootCmd builds the semhooks command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "semhooks",
		Short: "Change-triggered knowledge hooks over a Git repository",
		Long: `Semhooks evaluates declarative knowledge hooks against an RDF graph
whenever the repository changes. Triggered hooks run typed workflow
pipelines, and every run leaves a tamper-evident receipt attached to
the commit it ran against.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	flags.StringVar(&opts.repoPath, "repo", "", "Repository path (auto-detected when empty)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Emit machine-readable JSON output")

	cmd.AddCommand(
		newEvaluateCmd(opts),
		newHooksCmd(opts),
		newStatusCmd(opts),
		newFlushCmd(opts),
		newReceiptsCmd(opts),
		newPruneCmd(opts),
		newDaemonCmd(opts),
		newInitCmd(opts),
		newVersionCmd(version),
	)
	return cmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "semhooks version %s\n", version)
		},
	}
}

// newLogger builds the CLI logger at the requested level.
func (o *rootOptions) newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves configuration for one invocation: an explicit config
// file wins, otherwise the layered loader applies, and the --repo flag
// overrides the detected repository path either way.
func (o *rootOptions) loadConfig(logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	if o.configPath != "" {
		loaded, err := config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
		}
		cfg = config.DefaultConfig()
		cfg.Merge(loaded)
	} else {
		loaded, err := config.NewLoader(logger).Load()
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
	}

	if o.repoPath != "" {
		abs, err := filepath.Abs(o.repoPath)
		if err != nil {
			return nil, fmt.Errorf("resolve repo path: %w", err)
		}
		cfg.Repo.Path = abs
	}
	if cfg.Repo.Path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.Repo.Path = cwd
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
