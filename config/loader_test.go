package config

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLoader(env map[string]string) *Loader {
	return &Loader{
		logger: slog.Default(),
		getenv: func(key string) string { return env[key] },
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	l := envLoader(map[string]string{
		EnvRepo:     "some/repo",
		EnvGraphDir: "knowledge",
		EnvDeadline: "90s",
	})
	cfg := DefaultConfig()
	require.NoError(t, l.applyEnv(cfg))

	assert.True(t, filepath.IsAbs(cfg.Repo.Path))
	assert.Equal(t, "knowledge", cfg.Graph.Dir)
	assert.Equal(t, 90*time.Second, cfg.Evaluation.Deadline)
}

func TestApplyEnvRejectsBadDeadline(t *testing.T) {
	l := envLoader(map[string]string{EnvDeadline: "soonish"})
	assert.Error(t, l.applyEnv(DefaultConfig()))
}

func TestLoadExplicitEnvConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	file := DefaultConfig()
	file.Graph.Dir = "knowledge"
	file.Queue.Concurrency = 2
	require.NoError(t, file.SaveToFile(path))

	l := envLoader(map[string]string{EnvConfig: path})
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "knowledge", cfg.Graph.Dir)
	assert.Equal(t, 2, cfg.Queue.Concurrency)
}

func TestLoadMissingEnvConfigFails(t *testing.T) {
	l := envLoader(map[string]string{EnvConfig: filepath.Join(t.TempDir(), "nope.yaml")})
	_, err := l.Load()
	assert.Error(t, err)
}

func TestProjectConfigSearchStopsAtRepoRoot(t *testing.T) {
	outer := t.TempDir()

	// A config above the repository must not be picked up.
	decoy := DefaultConfig()
	decoy.Graph.Dir = "decoy"
	require.NoError(t, decoy.SaveToFile(filepath.Join(outer, ProjectConfigFile)))

	repo := filepath.Join(outer, "repo")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "sub", "dir"), 0755))
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	l := envLoader(nil)

	t.Chdir(filepath.Join(repo, "sub", "dir"))
	assert.Empty(t, l.projectConfigPath())

	// A config at the repository root is found from a nested directory.
	inRepo := DefaultConfig()
	inRepo.Graph.Dir = "graphs"
	require.NoError(t, inRepo.SaveToFile(filepath.Join(repo, ProjectConfigFile)))
	found := l.projectConfigPath()
	require.NotEmpty(t, found)
	assert.Equal(t, ProjectConfigFile, filepath.Base(found))

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "graphs", cfg.Graph.Dir)
}
