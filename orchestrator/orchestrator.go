// Package orchestrator ties the engine together: it reloads the graph,
// selects hooks for a signal, evaluates predicates, runs triggered pipelines
// through the queue, and persists receipts for the head commit.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/c360studio/semhooks/config"
	"github.com/c360studio/semhooks/gitio"
	"github.com/c360studio/semhooks/graph"
	"github.com/c360studio/semhooks/hooks"
	"github.com/c360studio/semhooks/metrics"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/signal"
	"github.com/c360studio/semhooks/workflow"
)

// Orchestrator is one engine instance bound to one repository. It is safe
// for concurrent use; cross-process coordination happens through Git refs.
type Orchestrator struct {
	cfg       *config.Config
	io        *gitio.IO
	store     *graph.Store
	watcher   *graph.Watcher
	extractor *signal.Extractor
	evaluator *hooks.Evaluator
	executor  *workflow.Executor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds an orchestrator from configuration. Start must be called before
// Evaluate.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, model.E(model.KindLoad, "validate configuration", err)
	}

	io := gitio.New(cfg, logger)
	store := graph.NewStore(cfg.GraphDir(), logger)
	watcher, err := graph.NewWatcher(store, logger)
	if err != nil {
		return nil, model.E(model.KindIO, "watch graph directory", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		io:        io,
		store:     store,
		watcher:   watcher,
		extractor: signal.NewExtractor(io.Runner(), logger),
		evaluator: hooks.NewEvaluator(io.Snapshots(), cfg.Evaluation.PredicateTimeout, logger),
		executor: workflow.NewExecutor(workflow.Options{
			RepoRoot:       cfg.Repo.Path,
			Locks:          io.Locks(),
			Snapshots:      io.Snapshots(),
			DefaultTimeout: cfg.Workers.Timeout,
			MaxInlineBytes: cfg.Snapshots.MaxInlineBytes,
			Logger:         logger,
		}),
		logger: logger,
	}
	o.metrics = metrics.New(func() float64 { return float64(io.QueueDepth()) })
	return o, nil
}

// Start loads the graph and launches the worker pool, the receipt flusher,
// and the graph watcher. Everything stops when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.store.Load(ctx); err != nil {
		return err
	}
	o.io.Start(ctx)
	go o.watcher.Run(ctx)
	return nil
}

// Stop waits for in-flight pipelines to drain after the start context is
// cancelled.
func (o *Orchestrator) Stop() { o.io.Stop() }

// ExtractSignal derives the evaluation context for a signal kind from the
// repository state.
func (o *Orchestrator) ExtractSignal(ctx context.Context, kind signal.Kind, opts signal.Options) (signal.Context, error) {
	return o.extractor.Extract(ctx, kind, opts)
}

// ListHooks loads the current hook definitions and returns their summaries.
func (o *Orchestrator) ListHooks(ctx context.Context) ([]model.HookSummary, error) {
	if err := o.store.ReloadIfDirty(ctx); err != nil {
		return nil, err
	}
	view, err := o.store.Snapshot()
	if err != nil {
		return nil, err
	}
	loaded, err := hooks.LoadHooks(view.Dataset())
	if err != nil {
		return nil, err
	}

	out := make([]model.HookSummary, 0, len(loaded))
	for _, h := range loaded {
		signals := make([]string, 0, len(h.Signals))
		for _, s := range h.Signals {
			signals = append(signals, string(s))
		}
		out = append(out, model.HookSummary{
			ID:            h.ID,
			Title:         h.Title,
			Signals:       signals,
			FileFilter:    h.FileFilter,
			PredicateKind: string(h.Predicate.Kind),
			Pipelines:     len(h.Pipelines),
		})
	}
	return out, nil
}

// ListReceipts reads the receipts recorded on a commit's note.
func (o *Orchestrator) ListReceipts(ctx context.Context, commit string) ([]model.Receipt, error) {
	return o.io.Receipts().ListForCommit(ctx, commit)
}

// Status reports runtime counters across the persistence layer.
func (o *Orchestrator) Status(ctx context.Context) model.StatusReport {
	return o.io.Status(ctx)
}

// FlushAll drains pending receipt writes synchronously.
func (o *Orchestrator) FlushAll(ctx context.Context) error {
	return o.io.FlushAll(ctx)
}

// Metrics exposes the engine's Prometheus registry.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// GraphRevision reports the store's current reload generation.
func (o *Orchestrator) GraphRevision() uint64 { return o.store.Revision() }
