package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// File and environment sources consulted by the loader.
const (
	// ProjectConfigFile is looked up from the working directory towards the
	// repository root.
	ProjectConfigFile = "semhooks.yaml"
	// userConfigFile lives under the platform config directory,
	// e.g. ~/.config/semhooks/config.yaml.
	userConfigFile = "config.yaml"

	// EnvConfig points at an explicit config file and suppresses the user
	// and project layers.
	EnvConfig = "SEMHOOKS_CONFIG"
	// EnvRepo overrides the repository path.
	EnvRepo = "SEMHOOKS_REPO"
	// EnvGraphDir overrides the graph directory.
	EnvGraphDir = "SEMHOOKS_GRAPH_DIR"
	// EnvDeadline overrides the evaluation deadline.
	EnvDeadline = "SEMHOOKS_DEADLINE"
)

// Loader resolves the effective configuration for one invocation. Sources
// layer in increasing precedence: defaults, the user file, the project file,
// then SEMHOOKS_* environment variables, so a git hook or CI job can redirect
// a single run without editing any file.
type Loader struct {
	logger *slog.Logger
	getenv func(string) string
}

// NewLoader creates a loader reading the process environment.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, getenv: os.Getenv}
}

// Load resolves and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if explicit := l.getenv(EnvConfig); explicit != "" {
		layer, err := LoadFromFile(explicit)
		if err != nil {
			return nil, fmt.Errorf("load %s=%s: %w", EnvConfig, explicit, err)
		}
		cfg.Merge(layer)
	} else {
		for _, path := range []string{l.userConfigPath(), l.projectConfigPath()} {
			if path == "" {
				continue
			}
			layer, err := LoadFromFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				l.logger.Warn("Skipping unreadable config file",
					slog.String("path", path),
					slog.String("error", err.Error()))
				continue
			}
			l.logger.Debug("Loaded config layer", slog.String("path", path))
			cfg.Merge(layer)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Repo.Path == "" {
		if root := l.detectRepoRoot(); root != "" {
			cfg.Repo.Path = root
		} else if cwd, err := os.Getwd(); err == nil {
			cfg.Repo.Path = cwd
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv folds SEMHOOKS_* overrides into cfg.
func (l *Loader) applyEnv(cfg *Config) error {
	if repo := l.getenv(EnvRepo); repo != "" {
		abs, err := filepath.Abs(repo)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", EnvRepo, err)
		}
		cfg.Repo.Path = abs
	}
	if dir := l.getenv(EnvGraphDir); dir != "" {
		cfg.Graph.Dir = dir
	}
	if raw := l.getenv(EnvDeadline); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvDeadline, err)
		}
		cfg.Evaluation.Deadline = d
	}
	return nil
}

// userConfigPath returns the platform config file location, honouring
// XDG_CONFIG_HOME through os.UserConfigDir.
func (l *Loader) userConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "semhooks", userConfigFile)
}

// projectConfigPath walks from the working directory towards the repository
// root looking for semhooks.yaml. The search never escapes the repository;
// outside a repository only the working directory is consulted.
func (l *Loader) projectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	top := l.detectRepoRoot()

	dir := cwd
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		if top == "" || dir == top {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// detectRepoRoot asks git for the toplevel of the repository containing the
// working directory.
func (l *Loader) detectRepoRoot() string {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
