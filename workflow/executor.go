package workflow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semhooks/gitio"
	"github.com/c360studio/semhooks/graph"
	"github.com/c360studio/semhooks/hooks"
	"github.com/c360studio/semhooks/model"
)

// termGraceWindow is how long a cancelled subprocess gets between SIGTERM
// and SIGKILL.
const termGraceWindow = 5 * time.Second

// Executor runs pipelines: steps execute in dependency waves, each with a
// timeout and a transient-only retry policy, and their results are merged
// into the shared environment.
type Executor struct {
	root           string
	locks          *gitio.LockManager
	snapshots      *gitio.SnapshotStore
	client         *http.Client
	defaultTimeout time.Duration
	maxInlineBytes int
	logger         *slog.Logger
}

// Options configures an Executor.
type Options struct {
	RepoRoot       string
	Locks          *gitio.LockManager
	Snapshots      *gitio.SnapshotStore
	HTTPClient     *http.Client
	DefaultTimeout time.Duration
	MaxInlineBytes int
	Logger         *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		root:           opts.RepoRoot,
		locks:          opts.Locks,
		snapshots:      opts.Snapshots,
		client:         client,
		defaultTimeout: opts.DefaultTimeout,
		maxInlineBytes: opts.MaxInlineBytes,
		logger:         logger,
	}
}

func (e *Executor) rootResolved() string { return e.root }

// Result is the outcome of one pipeline execution.
type Result struct {
	Status     model.Status
	Steps      []model.StepResult
	DurationMs int64
}

// Execute runs the pipeline against the graph view. A failed step marks the
// pipeline ERROR and skips its dependents; independent steps still run.
func (e *Executor) Execute(ctx context.Context, runID string, pipe hooks.Pipeline, view *graph.Snapshot, env *Env) Result {
	started := time.Now()
	results := make([]model.StepResult, len(pipe.Steps))
	status := make(map[string]model.StepStatus, len(pipe.Steps))

	for _, wave := range waves(pipe) {
		var g errgroup.Group
		for _, idx := range wave {
			step := pipe.Steps[idx]

			if blocked(step, status) {
				now := time.Now().UTC()
				results[idx] = model.StepResult{
					Name:       step.Name,
					Kind:       string(step.Kind),
					Status:     model.StepSkippedDep,
					StartedAt:  now,
					FinishedAt: now,
				}
				status[step.Name] = model.StepSkippedDep
				continue
			}

			i := idx
			g.Go(func() error {
				results[i] = e.runStep(ctx, runID, pipe.Steps[i], view, env)
				return nil
			})
		}
		_ = g.Wait()
		for _, idx := range wave {
			if results[idx].Name != "" {
				status[pipe.Steps[idx].Name] = results[idx].Status
			}
		}
	}

	result := Result{
		Status:     model.StatusOK,
		Steps:      results,
		DurationMs: time.Since(started).Milliseconds(),
	}
	for _, sr := range results {
		if sr.Status != model.StepOK {
			result.Status = model.StatusError
			break
		}
	}
	return result
}

// waves groups step indices by dependency depth using the load-time plan.
func waves(pipe hooks.Pipeline) [][]int {
	depth := make(map[string]int, len(pipe.Steps))
	byName := make(map[string]int, len(pipe.Steps))
	for i, s := range pipe.Steps {
		byName[s.Name] = i
	}

	maxDepth := 0
	for _, idx := range pipe.Plan {
		step := pipe.Steps[idx]
		d := 0
		for _, dep := range step.DependsOn {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[step.Name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	out := make([][]int, maxDepth+1)
	for _, idx := range pipe.Plan {
		d := depth[pipe.Steps[idx].Name]
		out[d] = append(out[d], idx)
	}
	return out
}

// blocked reports whether any dependency did not finish OK.
func blocked(step hooks.Step, status map[string]model.StepStatus) bool {
	for _, dep := range step.DependsOn {
		if status[dep] != model.StepOK {
			return true
		}
	}
	return false
}

func (e *Executor) runStep(ctx context.Context, runID string, step hooks.Step, view *graph.Snapshot, env *Env) model.StepResult {
	started := time.Now().UTC()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	stepCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var outcome stepOutcome
	attempts := 0
	run := func() error {
		attempts++
		var err error
		switch step.Kind {
		case hooks.StepSparql:
			outcome, err = e.runSparql(stepCtx, step, view, env)
		case hooks.StepTemplate:
			outcome, err = e.runTemplate(stepCtx, step, env)
		case hooks.StepFile:
			outcome, err = e.runFile(stepCtx, step, env)
		case hooks.StepHTTP:
			outcome, err = e.runHTTP(stepCtx, runID, step, env)
		case hooks.StepCLI:
			outcome, err = e.runCLI(stepCtx, step, env)
		default:
			err = model.Ef(model.KindInternal, "run step", "unknown step kind %q", step.Kind)
		}
		if err != nil && !model.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(run, e.retryPolicy(stepCtx, step.Retry))

	finished := time.Now().UTC()
	sr := model.StepResult{
		Name:       step.Name,
		Kind:       string(step.Kind),
		Status:     model.StepOK,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: finished.Sub(started).Milliseconds(),
		Attempts:   attempts,
		ExitCode:   outcome.exitCode,
		HTTPStatus: outcome.httpStatus,
		OutputHash: outcome.outputHash,
		Output:     outcome.output,
	}

	if err != nil {
		sr.Status = stepStatus(ctx, stepCtx, err)
		sr.Error = err.Error()
		sr.ErrorKind = model.KindOf(err, model.KindStep)
		e.logger.Warn("Step failed",
			slog.String("step", step.Name),
			slog.String("kind", string(step.Kind)),
			slog.String("status", string(sr.Status)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return sr
	}

	if step.OutputVar != "" {
		env.Set(step.OutputVar, outcome.output)
	}
	e.logger.Debug("Step completed",
		slog.String("step", step.Name),
		slog.String("kind", string(step.Kind)),
		slog.Int64("durationMs", sr.DurationMs))
	return sr
}

// stepStatus classifies a step failure: the step's own deadline is TIMEOUT,
// a cancellation from above (including the evaluate deadline) is CANCELLED,
// everything else ERROR.
func stepStatus(parent, stepCtx context.Context, err error) model.StepStatus {
	if parent.Err() != nil {
		return model.StepCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return model.StepTimeout
	}
	if model.KindOf(err, model.KindStep) == model.KindTimeout {
		return model.StepTimeout
	}
	if model.KindOf(err, model.KindStep) == model.KindCancelled {
		return model.StepCancelled
	}
	return model.StepError
}

// retryPolicy builds the backoff schedule for one step. Only transient
// failures reach the schedule; permanent errors short-circuit in run.
func (e *Executor) retryPolicy(ctx context.Context, policy hooks.RetryPolicy) backoff.BackOff {
	if policy.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}
	retries := uint64(policy.MaxAttempts - 1)

	var b backoff.BackOff
	switch policy.Backoff {
	case "fixed":
		b = backoff.NewConstantBackOff(policy.BaseDelay)
	case "exponential":
		exp := backoff.NewExponentialBackOff()
		if policy.BaseDelay > 0 {
			exp.InitialInterval = policy.BaseDelay
		}
		if policy.MaxDelay > 0 {
			exp.MaxInterval = policy.MaxDelay
		}
		exp.MaxElapsedTime = 0
		b = exp
	default:
		// "none": immediate retries up to the attempt budget.
		b = backoff.NewConstantBackOff(0)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}
