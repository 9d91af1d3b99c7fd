package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semhooks/config"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/signal"
)

type engine struct {
	*Orchestrator
	repo string
	head string
}

func newEngine(t *testing.T, graphTTL string) *engine {
	t.Helper()
	repo := t.TempDir()
	git := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return strings.TrimSpace(string(out))
	}
	git("init")
	git("config", "user.email", "test@example.com")
	git("config", "user.name", "Test User")
	git("commit", "--allow-empty", "-m", "init")
	head := git("rev-parse", "HEAD")

	require.NoError(t, os.MkdirAll(filepath.Join(repo, "hooks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "hooks", "hooks.ttl"), []byte(graphTTL), 0644))

	cfg := config.DefaultConfig()
	cfg.Repo.Path = repo
	cfg.Graph.Dir = "hooks"
	cfg.Locks.AcquireTimeout = 5 * time.Second
	cfg.Receipts.FlushInterval = time.Hour // flush only explicitly
	cfg.Evaluation.Deadline = 30 * time.Second
	cfg.Evaluation.PredicateTimeout = 5 * time.Second
	cfg.Workers.Timeout = 10 * time.Second

	o, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() {
		cancel()
		o.Stop()
	})
	return &engine{Orchestrator: o, repo: repo, head: head}
}

func (e *engine) signal(kind signal.Kind, files ...string) signal.Context {
	return signal.Context{
		Signal:       kind,
		ChangedFiles: files,
		HeadSHA:      e.head,
		Timestamp:    time.Now().UTC(),
	}
}

const graphPrefixes = `
@prefix kh: <https://semhooks.dev/vocab#> .
@prefix ex: <http://example.org/> .
`

func TestEvaluateTriggersPipelineAndPersistsReceipt(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:a ex:status "active" .

ex:h1 a kh:Hook ;
    kh:title "Record activity" ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .

ex:h1pred a kh:AskPredicate ;
    kh:query "PREFIX ex: <http://example.org/> ASK { ex:a ex:status \"active\" }" .

ex:h1pipe a kh:Pipeline ;
    kh:step ex:s1 .

ex:s1 a kh:FileStep ;
    kh:name "record" ;
    kh:fileOp "write" ;
    kh:dst "out/result.txt" ;
    kh:content "seen {{.signal}} on {{.headSha}}" .
`)

	report, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit, "data/a.ttl"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.HooksEvaluated)
	assert.Equal(t, 1, report.HooksTriggered)
	assert.Equal(t, 1, report.WorkflowsExecuted)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, model.StatusOK, report.Runs[0].Status)
	assert.NotEmpty(t, report.Runs[0].IdempotencyKey)
	assert.NotEmpty(t, report.Runs[0].ContentHash)

	data, err := os.ReadFile(filepath.Join(e.repo, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "seen post-commit on "+e.head, string(data))

	persisted, err := e.io.Receipts().ListForCommit(context.Background(), e.head)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "http://example.org/h1", persisted[0].HookID)
}

func TestEvaluateSecondRunSkipsByIdempotencyKey(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:a ex:status "active" .

ex:h1 a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	first, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	require.Equal(t, 1, first.WorkflowsExecuted)

	second, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	assert.Equal(t, 1, second.HooksTriggered)
	assert.Equal(t, 0, second.WorkflowsExecuted)
	require.Len(t, second.Runs, 1)
	assert.Equal(t, model.StatusSkip, second.Runs[0].Status)
	assert.Equal(t, first.Runs[0].IdempotencyKey, second.Runs[0].IdempotencyKey)

	// Further evaluations produce the same skip receipt, so the note holds
	// exactly one OK line and one SKIP line no matter how often we re-run.
	third, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	require.Len(t, third.Runs, 1)
	assert.Equal(t, second.Runs[0].RunID, third.Runs[0].RunID)
	assert.Equal(t, second.Runs[0].ContentHash, third.Runs[0].ContentHash)

	persisted, err := e.io.Receipts().ListForCommit(context.Background(), e.head)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestEvaluateFileFilterExcludesHook(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:fileFilter "data/**/*.ttl" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	report, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit, "src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, 0, report.HooksEvaluated)
	assert.Empty(t, report.Runs)

	// A matching change selects the hook.
	report, err = e.Evaluate(context.Background(), e.signal(signal.PostCommit, "data/entities/a.ttl"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.HooksEvaluated)
	assert.Equal(t, 1, report.HooksTriggered)
}

func TestEvaluateScheduleTickIgnoresFileFilter(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:fileFilter "data/**" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	report, err := e.Evaluate(context.Background(), e.signal(signal.ScheduleTick))
	require.NoError(t, err)
	assert.Equal(t, 1, report.HooksEvaluated)
	assert.Equal(t, 1, report.HooksTriggered)
}

func TestEvaluatePredicateErrorContinuesOtherHooks(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:bad a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:badpred ;
    kh:pipeline ex:badpipe .
ex:badpred a kh:AskPredicate ; kh:query "ASK { broken" .
ex:badpipe a kh:Pipeline ; kh:step ex:bs .
ex:bs a kh:CliStep ; kh:name "noop" ; kh:command "true" .

ex:good a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:goodpred ;
    kh:pipeline ex:goodpipe .
ex:goodpred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:goodpipe a kh:Pipeline ; kh:step ex:gs .
ex:gs a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	report, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	assert.Equal(t, 2, report.HooksEvaluated)
	assert.Equal(t, 1, report.HooksTriggered)

	var statuses []model.Status
	for _, r := range report.Runs {
		statuses = append(statuses, r.Status)
	}
	assert.Contains(t, statuses, model.StatusError)
	assert.Contains(t, statuses, model.StatusOK)

	for _, r := range report.Runs {
		if r.Status == model.StatusError {
			assert.Equal(t, "http://example.org/bad", r.HookID)
			assert.Equal(t, model.KindPredicate, r.ErrorKind)
		}
	}
}

func TestEvaluateBelowThresholdRecordsSkipReceipt(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:b ex:count 3 .
ex:c ex:count 4 .

ex:h1 a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:SelectThresholdPredicate ;
    kh:query "PREFIX ex: <http://example.org/> SELECT ?n WHERE { ?s ex:count ?n }" ;
    kh:variable "n" ;
    kh:operator ">" ;
    kh:value "10" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	// Counts sum to 7, below the threshold: no pipeline runs, but the
	// decision still leaves a SKIP receipt on the commit.
	report, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	assert.Equal(t, 1, report.HooksEvaluated)
	assert.Equal(t, 0, report.HooksTriggered)
	assert.Equal(t, 0, report.WorkflowsExecuted)
	require.Len(t, report.Runs, 1)
	assert.Equal(t, model.StatusSkip, report.Runs[0].Status)
	assert.Empty(t, report.Runs[0].Steps)
	assert.NotEmpty(t, report.Runs[0].IdempotencyKey)

	persisted, err := e.io.Receipts().ListForCommit(context.Background(), e.head)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, model.StatusSkip, persisted[0].Status)

	// Re-evaluating the same state produces an identical skip line, which
	// the note flush deduplicates.
	_, err = e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	persisted, err = e.io.Receipts().ListForCommit(context.Background(), e.head)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestEvaluateFailedStepSkipsDependents(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1, ex:s2 .
ex:s1 a kh:CliStep ; kh:name "run-tests" ; kh:order 1 ; kh:command "false" .
ex:s2 a kh:FileStep ; kh:name "record" ; kh:order 2 ;
    kh:fileOp "write" ; kh:dst "out.txt" ; kh:content "done" .
`)

	report, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	require.Len(t, report.Runs, 1)

	receipt := report.Runs[0]
	assert.Equal(t, model.StatusError, receipt.Status)
	assert.Equal(t, model.KindStep, receipt.ErrorKind)
	require.Len(t, receipt.Steps, 2)
	assert.Equal(t, model.StepError, receipt.Steps[0].Status)
	assert.Equal(t, model.StepSkippedDep, receipt.Steps[1].Status)

	// The skipped step never wrote its file.
	_, err = os.Stat(filepath.Join(e.repo, "out.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEvaluateGraphReloadBumpsRevision(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:onSignal "post-commit" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	first, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)

	// Edit the graph and mark the store dirty the way the watcher would.
	extra := graphPrefixes + "\nex:b ex:status \"new\" .\n"
	require.NoError(t, os.WriteFile(filepath.Join(e.repo, "hooks", "data.ttl"), []byte(extra), 0644))
	e.store.MarkDirty()

	second, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)
	assert.Greater(t, second.GraphRevision, first.GraphRevision)

	// New revision means a new idempotency key, so the hook runs again
	// instead of skipping.
	assert.Equal(t, 1, second.WorkflowsExecuted)
}

func TestListHooks(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:title "First" ;
    kh:onSignal "post-commit" ;
    kh:fileFilter "data/**" ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	summaries, err := e.ListHooks(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "First", summaries[0].Title)
	assert.Equal(t, []string{"post-commit"}, summaries[0].Signals)
	assert.Equal(t, "ask", summaries[0].PredicateKind)
	assert.Equal(t, 1, summaries[0].Pipelines)
}

func TestPruneSnapshotsKeepsReceiptReferenced(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:a ex:status "active" .
`)
	ctx := context.Background()
	snaps := e.io.Snapshots()

	// Two generations under one key; a persisted receipt points at the old one.
	old, err := snaps.Put(ctx, "http/run-1/fetch", []byte("first body"), nil)
	require.NoError(t, err)
	_, err = snaps.Put(ctx, "http/run-1/fetch", []byte("second body"), nil)
	require.NoError(t, err)

	stale, err := snaps.Put(ctx, "scratch", []byte("old"), nil)
	require.NoError(t, err)
	_, err = snaps.Put(ctx, "scratch", []byte("new"), nil)
	require.NoError(t, err)

	r := model.Receipt{
		HookID:     "http://example.org/h1",
		RunID:      "run-1",
		Status:     model.StatusOK,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Signal:     "post-commit",
		HeadSHA:    e.head,
		Steps: []model.StepResult{{
			Name:   "fetch",
			Kind:   "http",
			Status: model.StepOK,
			Output: "snapshot:http/run-1/fetch@" + old,
		}},
	}
	require.NoError(t, r.Seal())
	require.NoError(t, e.io.WriteReceipt(ctx, e.head, r))
	require.NoError(t, e.FlushAll(ctx))

	removed, err := e.PruneSnapshots(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The referenced entry survives even though a newer one superseded it.
	body, _, err := snaps.Get(ctx, "http/run-1/fetch", old)
	require.NoError(t, err)
	assert.Equal(t, "first body", string(body))

	// The unreferenced superseded entry is gone.
	_, _, err = snaps.Get(ctx, "scratch", stale)
	assert.Error(t, err)
}

func TestStatusReportsCounters(t *testing.T) {
	e := newEngine(t, graphPrefixes+`
ex:h1 a kh:Hook ;
    kh:predicate ex:h1pred ;
    kh:pipeline ex:h1pipe .
ex:h1pred a kh:AskPredicate ; kh:query "ASK { ?s ?p ?o }" .
ex:h1pipe a kh:Pipeline ; kh:step ex:s1 .
ex:s1 a kh:CliStep ; kh:name "noop" ; kh:command "true" .
`)

	_, err := e.Evaluate(context.Background(), e.signal(signal.PostCommit))
	require.NoError(t, err)

	status := e.Status(context.Background())
	assert.Equal(t, int64(1), status.Queue.Submitted)
	assert.GreaterOrEqual(t, status.Receipts.Written, int64(1))
}
