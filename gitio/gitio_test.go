package gitio

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

	"github.com/c360studio/semhooks/model"
)

// initTestRepo creates a git repository with one commit and returns its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644))
	run("add", ".")
	run("commit", "-m", "Initial commit")

	return dir
}

func testRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := initTestRepo(t)
	return NewRunner(dir, nil), dir
}

func testSnapshotStore(t *testing.T, runner *Runner, compressOver int) *SnapshotStore {
	t.Helper()
	locks := NewLockManager(runner, time.Minute, time.Second, nil)
	return NewSnapshotStore(runner, locks, compressOver, nil)
}

func TestHashObjectAndCatBlob(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()

	sha, err := runner.HashObject(ctx, []byte("hello world"))
	require.NoError(t, err)
	require.Len(t, sha, 40)

	data, err := runner.CatBlob(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestCreateRefIsAtomic(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()

	sha, err := runner.HashObject(ctx, []byte("lock payload"))
	require.NoError(t, err)

	require.NoError(t, runner.CreateRef(ctx, "refs/locks/test/exclusive", sha))
	// Second create of the same ref must fail.
	assert.Error(t, runner.CreateRef(ctx, "refs/locks/test/exclusive", sha))

	got, ok, err := runner.ResolveRef(ctx, "refs/locks/test/exclusive")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sha, got)

	require.NoError(t, runner.DeleteRef(ctx, "refs/locks/test/exclusive", sha))
	_, ok, err = runner.ResolveRef(ctx, "refs/locks/test/exclusive")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotesRoundTrip(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()

	head, err := runner.HeadSHA(ctx)
	require.NoError(t, err)

	_, ok, err := runner.NoteShow(ctx, "receipts", head)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, runner.NoteSet(ctx, "receipts", head, []byte("line one\n")))
	payload, ok, err := runner.NoteShow(ctx, "receipts", head)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "line one", strings.TrimSpace(string(payload)))

	objects, err := runner.NoteList(ctx, "receipts")
	require.NoError(t, err)
	assert.Equal(t, []string{head}, objects)
}

func TestLockAcquireReleaseContention(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)

	lock, err := locks.Acquire(ctx, "build", LockOptions{})
	require.NoError(t, err)

	// A second exclusive acquisition must time out.
	other := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)
	_, err = other.Acquire(ctx, "build", LockOptions{})
	require.Error(t, err)
	assert.Equal(t, model.KindLockUnavailable, model.KindOf(err, model.KindInternal))

	require.NoError(t, lock.Release(ctx))
	// Release is idempotent.
	require.NoError(t, lock.Release(ctx))

	lock2, err := other.Acquire(ctx, "build", LockOptions{})
	require.NoError(t, err)
	require.NoError(t, lock2.Release(ctx))
}

func TestLockExpiryReclaim(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()

	holder := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)
	_, err := holder.Acquire(ctx, "stale", LockOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// The expired lock is reclaimed by the next acquirer.
	other := NewLockManager(runner, time.Minute, 200*time.Millisecond, nil)
	lock, err := other.Acquire(ctx, "stale", LockOptions{})
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestSharedLocksCoexist(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)

	a, err := locks.Acquire(ctx, "graph", LockOptions{Mode: LockShared})
	require.NoError(t, err)
	b, err := locks.Acquire(ctx, "graph", LockOptions{Mode: LockShared})
	require.NoError(t, err)

	// Exclusive is blocked while shared holders exist.
	_, err = locks.Acquire(ctx, "graph", LockOptions{Mode: LockExclusive})
	require.Error(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))

	excl, err := locks.Acquire(ctx, "graph", LockOptions{Mode: LockExclusive})
	require.NoError(t, err)

	// Shared is blocked while an exclusive holder exists.
	_, err = locks.Acquire(ctx, "graph", LockOptions{Mode: LockShared})
	require.Error(t, err)
	require.NoError(t, excl.Release(ctx))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)

	assert.Panics(t, func() {
		_ = locks.WithLock(ctx, "panics", LockOptions{}, func(ctx context.Context) error {
			panic("boom")
		})
	})

	// The lock must be free again.
	lock, err := locks.Acquire(ctx, "panics", LockOptions{})
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestSnapshotPutGetIdempotent(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	store := testSnapshotStore(t, runner, 32*1024)

	hash, err := store.Put(ctx, "predicate/h1/ask", []byte(`{"value":true}`), map[string]string{"kind": "ask"})
	require.NoError(t, err)

	again, err := store.Put(ctx, "predicate/h1/ask", []byte(`{"value":true}`), nil)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	value, meta, err := store.Get(ctx, "predicate/h1/ask", hash)
	require.NoError(t, err)
	assert.Equal(t, `{"value":true}`, string(value))
	assert.Equal(t, "ask", meta["kind"])

	ok, err := store.Exists(ctx, "predicate/h1/ask", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = store.Get(ctx, "predicate/h1/ask", "deadbeef")
	assert.Error(t, err)
}

func TestSnapshotLatestTracksWrites(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	store := testSnapshotStore(t, runner, 32*1024)

	_, ok, err := store.Latest(ctx, "predicate/h2/delta")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := store.Put(ctx, "predicate/h2/delta", []byte("v1"), nil)
	require.NoError(t, err)
	second, err := store.Put(ctx, "predicate/h2/delta", []byte("v2"), nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	latest, ok, err := store.Latest(ctx, "predicate/h2/delta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, latest)
}

func TestSnapshotCompressionRoundTrip(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	store := testSnapshotStore(t, runner, 64)

	big := strings.Repeat("semantic web ", 100)
	hash, err := store.Put(ctx, "body", []byte(big), nil)
	require.NoError(t, err)

	entries, err := store.List(ctx, "body")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Compressed)

	value, _, err := store.Get(ctx, "body", hash)
	require.NoError(t, err)
	assert.Equal(t, big, string(value))
}

func TestSnapshotPutBlocksOnIndexLock(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)
	store := NewSnapshotStore(runner, locks, 32*1024, nil)

	// Another process holding the index lock blocks the read-modify-write.
	other := NewLockManager(runner, time.Minute, 100*time.Millisecond, nil)
	held, err := other.Acquire(ctx, "snapshots-index", LockOptions{})
	require.NoError(t, err)

	_, err = store.Put(ctx, "k", []byte("v"), nil)
	require.Error(t, err)
	assert.Equal(t, model.KindLockUnavailable, model.KindOf(err, model.KindInternal))

	require.NoError(t, held.Release(ctx))
	_, err = store.Put(ctx, "k", []byte("v"), nil)
	require.NoError(t, err)
}

func TestSnapshotPruneKeepsNewestPerKey(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	store := testSnapshotStore(t, runner, 32*1024)

	_, err := store.Put(ctx, "k", []byte("old"), nil)
	require.NoError(t, err)
	latest, err := store.Put(ctx, "k", []byte("new"), nil)
	require.NoError(t, err)

	removed, err := store.Prune(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, ok, err := store.Latest(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, latest, got)
}

func sealedReceipt(t *testing.T, hookID, runID, head string) model.Receipt {
	t.Helper()
	r := model.Receipt{
		HookID:         hookID,
		RunID:          runID,
		Status:         model.StatusOK,
		StartedAt:      time.Now(),
		FinishedAt:     time.Now(),
		Signal:         "post-commit",
		HeadSHA:        head,
		IdempotencyKey: model.IdempotencyKey(hookID, "post-commit", head, 1, "digest"),
	}
	require.NoError(t, r.Seal())
	return r
}

func TestReceiptAppendFlushDedup(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, time.Second, nil)
	store := testSnapshotStore(t, runner, 32*1024)
	writer := NewReceiptWriter(runner, locks, store, 10, time.Second, nil)

	head, err := runner.HeadSHA(ctx)
	require.NoError(t, err)

	r := sealedReceipt(t, "hook-1", "run-1", head)
	require.NoError(t, writer.Append(ctx, head, r))
	assert.Equal(t, 1, writer.Status().Pending)

	require.NoError(t, writer.Flush(ctx))
	assert.Equal(t, 0, writer.Status().Pending)
	assert.Equal(t, int64(1), writer.Status().Written)

	// Re-appending the identical receipt is deduplicated by content hash.
	require.NoError(t, writer.Append(ctx, head, r))
	require.NoError(t, writer.Flush(ctx))

	receipts, err := writer.ListForCommit(ctx, head)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, r.ContentHash, receipts[0].ContentHash)

	ok, err := receipts[0].Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReceiptRejectsUnknownCommit(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, time.Second, nil)
	store := testSnapshotStore(t, runner, 32*1024)
	writer := NewReceiptWriter(runner, locks, store, 10, time.Second, nil)

	r := sealedReceipt(t, "hook-1", "run-1", "feedface")
	err := writer.Append(ctx, strings.Repeat("0", 40), r)
	assert.Error(t, err)
}

func TestReceiptIdempotencyKeyLookup(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, time.Second, nil)
	store := testSnapshotStore(t, runner, 32*1024)
	writer := NewReceiptWriter(runner, locks, store, 10, time.Second, nil)

	head, err := runner.HeadSHA(ctx)
	require.NoError(t, err)
	r := sealedReceipt(t, "hook-2", "run-2", head)

	// Visible while still pending.
	require.NoError(t, writer.Append(ctx, head, r))
	ok, err := writer.HasIdempotencyKey(ctx, head, r.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, ok)

	// And after flushing.
	require.NoError(t, writer.Flush(ctx))
	ok, err = writer.HasIdempotencyKey(ctx, head, r.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = writer.HasIdempotencyKey(ctx, head, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReceiptOverflowToSnapshot(t *testing.T) {
	runner, _ := testRunner(t)
	ctx := context.Background()
	locks := NewLockManager(runner, time.Minute, time.Second, nil)
	store := testSnapshotStore(t, runner, 1024)
	writer := NewReceiptWriter(runner, locks, store, 10, time.Second, nil)

	head, err := runner.HeadSHA(ctx)
	require.NoError(t, err)

	r := model.Receipt{
		HookID:     "hook-big",
		RunID:      "run-big",
		Status:     model.StatusOK,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Signal:     "post-commit",
		HeadSHA:    head,
		Steps: []model.StepResult{{
			Name:   "fetch",
			Kind:   "http",
			Status: model.StepOK,
			Output: strings.Repeat("x", maxReceiptLineBytes+1),
		}},
	}
	require.NoError(t, r.Seal())
	require.NoError(t, writer.Append(ctx, head, r))
	require.NoError(t, writer.Flush(ctx))

	receipts, err := writer.ListForCommit(ctx, head)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Empty(t, receipts[0].Steps[0].Output)
	require.NotEmpty(t, receipts[0].OverflowSnapshot)

	full, _, err := store.Get(ctx, "receipt-overflow/run-big", receipts[0].OverflowSnapshot)
	require.NoError(t, err)
	decoded, err := model.DecodeReceipts(append(full, '\n'))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Len(t, decoded[0].Steps[0].Output, maxReceiptLineBytes+1)
}
