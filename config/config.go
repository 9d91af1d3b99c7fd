// Package config provides configuration loading and management for semhooks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete semhooks configuration.
type Config struct {
	Repo       RepoConfig       `yaml:"repo"`
	Graph      GraphConfig      `yaml:"graph"`
	Queue      QueueConfig      `yaml:"queue"`
	Workers    WorkersConfig    `yaml:"workers"`
	Locks      LocksConfig      `yaml:"locks"`
	Receipts   ReceiptsConfig   `yaml:"receipts"`
	Snapshots  SnapshotsConfig  `yaml:"snapshots"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Daemon     DaemonConfig     `yaml:"daemon"`
}

// RepoConfig configures the repository settings.
type RepoConfig struct {
	// Path is the repository root path (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// GraphConfig configures the graph store.
type GraphConfig struct {
	// Dir is the directory scanned for .ttl hook and data files,
	// relative to the repository root unless absolute.
	Dir string `yaml:"dir"`
}

// QueueConfig configures the pipeline queue.
type QueueConfig struct {
	// Concurrency is the maximum number of concurrently running pipelines.
	Concurrency int `yaml:"concurrency"`
	// Interval is the rate-limit window.
	Interval time.Duration `yaml:"interval"`
	// IntervalCap is the maximum task starts per window.
	IntervalCap int `yaml:"interval_cap"`
	// SubmitTimeout bounds how long a submission blocks under backpressure.
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// Capacity is the queue bound; submissions past it block.
	Capacity int `yaml:"capacity"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	// Threads is the worker pool size.
	Threads int `yaml:"threads"`
	// MaxJobs is the number of jobs a worker executes before recycling.
	MaxJobs int `yaml:"max_jobs"`
	// Timeout is the default per-step timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// LocksConfig configures the ref-backed lock manager.
type LocksConfig struct {
	// DefaultTTL is the lock expiry applied when acquirers do not override it.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// AcquireTimeout bounds lock acquisition waits.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// ReceiptsConfig configures receipt batching.
type ReceiptsConfig struct {
	// BatchSize flushes the buffer when this many receipts are pending.
	BatchSize int `yaml:"batch_size"`
	// FlushInterval flushes the buffer on a timer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SnapshotsConfig configures the snapshot store.
type SnapshotsConfig struct {
	// MaxInlineBytes is the threshold above which HTTP response bodies are
	// stored as snapshots instead of inline on the step result.
	MaxInlineBytes int `yaml:"max_inline_bytes"`
	// CompressOver gzip-compresses snapshot values larger than this.
	CompressOver int `yaml:"compress_over"`
}

// EvaluationConfig configures orchestrator evaluation.
type EvaluationConfig struct {
	// Deadline bounds one whole Evaluate call.
	Deadline time.Duration `yaml:"deadline"`
	// PredicateTimeout timeboxes a single predicate evaluation.
	PredicateTimeout time.Duration `yaml:"predicate_timeout"`
}

// DaemonConfig configures the long-running daemon command.
type DaemonConfig struct {
	// Schedule is a cron expression emitting schedule-tick signals;
	// empty disables the scheduler.
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Repo:  RepoConfig{Path: ""}, // Auto-detect
		Graph: GraphConfig{Dir: "hooks"},
		Queue: QueueConfig{
			Concurrency:   4,
			Interval:      time.Second,
			IntervalCap:   16,
			SubmitTimeout: 5 * time.Second,
			Capacity:      64,
		},
		Workers: WorkersConfig{
			Threads: 4,
			MaxJobs: 100,
			Timeout: 30 * time.Second,
		},
		Locks: LocksConfig{
			DefaultTTL:     5 * time.Minute,
			AcquireTimeout: 10 * time.Second,
		},
		Receipts: ReceiptsConfig{
			BatchSize:     16,
			FlushInterval: 2 * time.Second,
		},
		Snapshots: SnapshotsConfig{
			MaxInlineBytes: 64 * 1024,
			CompressOver:   32 * 1024,
		},
		Evaluation: EvaluationConfig{
			Deadline:         5 * time.Minute,
			PredicateTimeout: 10 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Graph.Dir == "" {
		return fmt.Errorf("graph.dir is required")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	if c.Queue.Capacity < c.Queue.Concurrency {
		return fmt.Errorf("queue.capacity must be at least queue.concurrency")
	}
	if c.Queue.IntervalCap < 1 {
		return fmt.Errorf("queue.interval_cap must be at least 1")
	}
	if c.Workers.Threads < 1 {
		return fmt.Errorf("workers.threads must be at least 1")
	}
	if c.Workers.MaxJobs < 1 {
		return fmt.Errorf("workers.max_jobs must be at least 1")
	}
	if c.Receipts.BatchSize < 1 {
		return fmt.Errorf("receipts.batch_size must be at least 1")
	}
	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("locks.default_ttl must be positive")
	}
	return nil
}

// GraphDir resolves the graph directory against the repository root.
func (c *Config) GraphDir() string {
	if filepath.IsAbs(c.Graph.Dir) {
		return c.Graph.Dir
	}
	return filepath.Join(c.Repo.Path, c.Graph.Dir)
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}
	if other.Graph.Dir != "" {
		c.Graph.Dir = other.Graph.Dir
	}

	if other.Queue.Concurrency != 0 {
		c.Queue.Concurrency = other.Queue.Concurrency
	}
	if other.Queue.Interval != 0 {
		c.Queue.Interval = other.Queue.Interval
	}
	if other.Queue.IntervalCap != 0 {
		c.Queue.IntervalCap = other.Queue.IntervalCap
	}
	if other.Queue.SubmitTimeout != 0 {
		c.Queue.SubmitTimeout = other.Queue.SubmitTimeout
	}
	if other.Queue.Capacity != 0 {
		c.Queue.Capacity = other.Queue.Capacity
	}

	if other.Workers.Threads != 0 {
		c.Workers.Threads = other.Workers.Threads
	}
	if other.Workers.MaxJobs != 0 {
		c.Workers.MaxJobs = other.Workers.MaxJobs
	}
	if other.Workers.Timeout != 0 {
		c.Workers.Timeout = other.Workers.Timeout
	}

	if other.Locks.DefaultTTL != 0 {
		c.Locks.DefaultTTL = other.Locks.DefaultTTL
	}
	if other.Locks.AcquireTimeout != 0 {
		c.Locks.AcquireTimeout = other.Locks.AcquireTimeout
	}

	if other.Receipts.BatchSize != 0 {
		c.Receipts.BatchSize = other.Receipts.BatchSize
	}
	if other.Receipts.FlushInterval != 0 {
		c.Receipts.FlushInterval = other.Receipts.FlushInterval
	}

	if other.Snapshots.MaxInlineBytes != 0 {
		c.Snapshots.MaxInlineBytes = other.Snapshots.MaxInlineBytes
	}
	if other.Snapshots.CompressOver != 0 {
		c.Snapshots.CompressOver = other.Snapshots.CompressOver
	}

	if other.Evaluation.Deadline != 0 {
		c.Evaluation.Deadline = other.Evaluation.Deadline
	}
	if other.Evaluation.PredicateTimeout != 0 {
		c.Evaluation.PredicateTimeout = other.Evaluation.PredicateTimeout
	}

	if other.Daemon.Schedule != "" {
		c.Daemon.Schedule = other.Daemon.Schedule
	}
}
