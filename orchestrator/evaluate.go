package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/c360studio/semhooks/graph"
	"github.com/c360studio/semhooks/hooks"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/queue"
	"github.com/c360studio/semhooks/signal"
	"github.com/c360studio/semhooks/workflow"
)

// hookRun is one enqueued hook invocation awaiting completion.
type hookRun struct {
	hook     hooks.Hook
	handle   *queue.Handle
	receipts *[]model.Receipt
}

// Evaluate runs one signal through the engine: reload the graph if dirty,
// select hooks for the signal, evaluate predicates over a stable snapshot,
// run triggered pipelines through the queue, and persist receipts on the
// head commit. Per-hook failures become ERROR receipts; only graph load
// failures abort the call.
func (o *Orchestrator) Evaluate(ctx context.Context, sig signal.Context) (model.EvaluationReport, error) {
	started := time.Now()

	evalCtx := ctx
	if o.cfg.Evaluation.Deadline > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, o.cfg.Evaluation.Deadline)
		defer cancel()
	}

	if err := o.store.ReloadIfDirty(evalCtx); err != nil {
		return model.EvaluationReport{}, err
	}
	view, err := o.store.Snapshot()
	if err != nil {
		return model.EvaluationReport{}, err
	}
	loaded, err := hooks.LoadHooks(view.Dataset())
	if err != nil {
		return model.EvaluationReport{}, err
	}

	selected := selectHooks(loaded, sig)
	o.logger.Info("Evaluating signal",
		slog.String("signal", string(sig.Signal)),
		slog.String("head", sig.HeadSHA),
		slog.Int("changedFiles", len(sig.ChangedFiles)),
		slog.Uint64("graphRevision", view.Revision()),
		slog.Int("hooks", len(selected)))

	report := model.EvaluationReport{
		HooksEvaluated: len(selected),
		GraphRevision:  view.Revision(),
	}
	o.metrics.Evaluations.Inc()

	var receipts []model.Receipt
	var runs []hookRun

	for _, hook := range selected {
		o.metrics.HooksEvaluated.Inc()

		decision, err := o.evaluator.Evaluate(evalCtx, &hook, view)
		if err != nil {
			kind := model.KindOf(err, model.KindPredicate)
			o.metrics.PredicateErrors.WithLabelValues(string(kind)).Inc()
			o.logger.Warn("Predicate evaluation failed",
				slog.String("hook", hook.ID),
				slog.String("error", err.Error()))
			receipts = append(receipts, errorReceipt(hook.ID, sig, err, kind))
			continue
		}
		key := model.IdempotencyKey(hook.ID, string(sig.Signal), sig.HeadSHA, view.Revision(), decision.Digest)
		if !decision.Triggered {
			// An evaluated-but-untriggered hook still leaves a SKIP receipt
			// so the decision is auditable from the commit's note.
			o.metrics.HooksSkipped.Inc()
			receipts = append(receipts, skipReceipt(hook.ID, sig, key))
			continue
		}
		report.HooksTriggered++
		o.metrics.HooksTriggered.Inc()

		seen, err := o.io.Receipts().HasIdempotencyKey(evalCtx, sig.HeadSHA, key)
		if err != nil {
			receipts = append(receipts, errorReceipt(hook.ID, sig, err, model.KindIO))
			continue
		}
		if seen {
			o.metrics.HooksSkipped.Inc()
			o.logger.Info("Hook already ran for this state",
				slog.String("hook", hook.ID),
				slog.String("idempotencyKey", key))
			receipts = append(receipts, skipReceipt(hook.ID, sig, key))
			continue
		}

		run, err := o.enqueueHook(ctx, evalCtx, hook, sig, view, key)
		if err != nil {
			receipts = append(receipts, errorReceipt(hook.ID, sig, err, model.KindOf(err, model.KindQueueFull)))
			continue
		}
		runs = append(runs, run)
	}

	// Receipts must land even when the deadline lapsed mid-run, so the
	// drain and persistence phases use an uncancelled context.
	drainCtx := context.WithoutCancel(ctx)
	for _, run := range runs {
		if err := run.handle.Wait(drainCtx); err != nil {
			o.logger.Warn("Hook run failed",
				slog.String("hook", run.hook.ID),
				slog.String("error", err.Error()))
		}
		receipts = append(receipts, *run.receipts...)
		report.WorkflowsExecuted += len(*run.receipts)
	}

	for i := range receipts {
		if err := o.io.WriteReceipt(drainCtx, sig.HeadSHA, receipts[i]); err != nil {
			o.logger.Error("Receipt write failed",
				slog.String("hook", receipts[i].HookID),
				slog.String("error", err.Error()))
			continue
		}
		o.metrics.ReceiptsWritten.Inc()
	}
	if err := o.io.FlushAll(drainCtx); err != nil {
		return report, model.E(model.KindIO, "flush receipts", err)
	}

	report.Runs = receipts
	report.DurationMs = time.Since(started).Milliseconds()
	o.logger.Info("Evaluation complete",
		slog.Int("evaluated", report.HooksEvaluated),
		slog.Int("triggered", report.HooksTriggered),
		slog.Int("workflows", report.WorkflowsExecuted),
		slog.Int64("durationMs", report.DurationMs))
	return report, nil
}

// enqueueHook submits one triggered hook to the queue. The hook's pipelines
// run sequentially inside a single task; the returned run collects their
// receipts once the handle resolves.
func (o *Orchestrator) enqueueHook(ctx, evalCtx context.Context, hook hooks.Hook, sig signal.Context, view *graph.Snapshot, key string) (hookRun, error) {
	runID := uuid.New().String()
	collected := &[]model.Receipt{}

	task := queue.Task{
		Name:    hook.ID,
		Timeout: o.cfg.Evaluation.Deadline,
		Run: func(taskCtx context.Context) error {
			// Honour the evaluation deadline alongside the pool's own
			// lifecycle context.
			runCtx, cancel := context.WithCancel(evalCtx)
			defer cancel()
			stop := context.AfterFunc(taskCtx, cancel)
			defer stop()

			var failed bool
			for _, pipe := range hook.Pipelines {
				env := workflow.NewEnv(signalEnv(sig))
				startedAt := time.Now().UTC()
				result := o.executor.Execute(runCtx, runID, pipe, view, env)
				finishedAt := time.Now().UTC()

				o.metrics.PipelineDuration.Observe(float64(result.DurationMs) / 1000)
				if result.Status != model.StatusOK {
					failed = true
					o.metrics.PipelineErrors.Inc()
				}

				receipt := model.Receipt{
					HookID:         hook.ID,
					RunID:          runID,
					PipelineID:     pipe.ID,
					Status:         result.Status,
					StartedAt:      startedAt,
					FinishedAt:     finishedAt,
					DurationMs:     result.DurationMs,
					Steps:          result.Steps,
					Signal:         string(sig.Signal),
					HeadSHA:        sig.HeadSHA,
					IdempotencyKey: key,
				}
				if result.Status != model.StatusOK {
					receipt.Error, receipt.ErrorKind = pipelineFailure(result)
				}
				if err := receipt.Seal(); err != nil {
					return model.E(model.KindInternal, "seal receipt", err)
				}
				*collected = append(*collected, receipt)
			}
			if failed {
				return model.Ef(model.KindStep, "run hook pipelines",
					"hook %s finished with errors", hook.ID)
			}
			return nil
		},
	}

	handle, err := o.io.Enqueue(ctx, task)
	if err != nil {
		return hookRun{}, err
	}
	return hookRun{hook: hook, handle: handle, receipts: collected}, nil
}

// selectHooks filters loaded hooks down to those applicable to the signal:
// the hook must listen to the signal kind, and when the signal carries
// changed files a file filter must match at least one of them.
func selectHooks(loaded []hooks.Hook, sig signal.Context) []hooks.Hook {
	var out []hooks.Hook
	for _, h := range loaded {
		if !h.ListensTo(sig.Signal) {
			continue
		}
		if sig.Signal.CarriesFiles() {
			if h.FileFilter != "" && !matchesAny(h.FileFilter, sig.ChangedFiles) {
				continue
			}
			if h.FileScoped() && len(sig.ChangedFiles) == 0 {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

func matchesAny(pattern string, files []string) bool {
	for _, f := range files {
		ok, err := doublestar.Match(pattern, filepath.ToSlash(f))
		if err != nil {
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// signalEnv seeds the pipeline environment with the signal context.
func signalEnv(sig signal.Context) map[string]string {
	env := map[string]string{
		"signal":    string(sig.Signal),
		"headSha":   sig.HeadSHA,
		"timestamp": sig.Timestamp.UTC().Format(time.RFC3339),
	}
	if sig.Branch != "" {
		env["branch"] = sig.Branch
	}
	if sig.PrevSHA != "" {
		env["prevSha"] = sig.PrevSHA
	}
	if sig.Tag != "" {
		env["tag"] = sig.Tag
	}
	return env
}

// pipelineFailure summarises the first failing step for the receipt.
func pipelineFailure(result workflow.Result) (string, model.Kind) {
	for _, step := range result.Steps {
		switch step.Status {
		case model.StepOK, model.StepSkippedDep:
			continue
		case model.StepTimeout:
			return fmt.Sprintf("step %s timed out", step.Name), model.KindTimeout
		case model.StepCancelled:
			return fmt.Sprintf("step %s cancelled", step.Name), model.KindTimeout
		default:
			return fmt.Sprintf("step %s failed: %s", step.Name, step.Error), model.KindStep
		}
	}
	return "pipeline finished with errors", model.KindStep
}

func errorReceipt(hookID string, sig signal.Context, err error, kind model.Kind) model.Receipt {
	now := time.Now().UTC()
	r := model.Receipt{
		HookID:     hookID,
		RunID:      uuid.New().String(),
		Status:     model.StatusError,
		StartedAt:  now,
		FinishedAt: now,
		Signal:     string(sig.Signal),
		HeadSHA:    sig.HeadSHA,
		Error:      err.Error(),
		ErrorKind:  kind,
	}
	if sealErr := r.Seal(); sealErr != nil {
		r.ContentHash = model.SHA256Hex([]byte(r.HookID + r.RunID))
	}
	return r
}

// skipReceipt records a hook that did not run: the predicate held false, or
// an identical invocation already has a receipt. A skip is a statement about
// repository state rather than an execution, so the run ID derives from the
// idempotency key and the wall-clock fields stay zero; re-evaluating the same
// state produces a byte-identical line that the note flush deduplicates.
func skipReceipt(hookID string, sig signal.Context, key string) model.Receipt {
	r := model.Receipt{
		HookID:         hookID,
		RunID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String(),
		Status:         model.StatusSkip,
		Signal:         string(sig.Signal),
		HeadSHA:        sig.HeadSHA,
		IdempotencyKey: key,
	}
	if sealErr := r.Seal(); sealErr != nil {
		r.ContentHash = model.SHA256Hex([]byte(r.HookID + r.RunID))
	}
	return r
}
