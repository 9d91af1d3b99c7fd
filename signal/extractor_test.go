package signal

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semhooks/gitio"
)

type testRepo struct {
	t   *testing.T
	dir string
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	r := &testRepo{t: t, dir: t.TempDir()}
	r.git("init")
	r.git("config", "user.email", "test@example.com")
	r.git("config", "user.name", "Test User")
	return r
}

func (r *testRepo) git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	require.NoError(r.t, err, "git %v: %s", args, out)
	return string(out)
}

func (r *testRepo) write(name, content string) {
	r.t.Helper()
	require.NoError(r.t, os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0644))
}

func (r *testRepo) commit(message string) {
	r.t.Helper()
	r.git("add", ".")
	r.git("commit", "-m", message)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("post-commit")
	require.NoError(t, err)
	assert.Equal(t, PostCommit, kind)

	_, err = ParseKind("on-fire")
	assert.Error(t, err)
}

func TestExtractPostCommit(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")
	repo.write("b.txt", "two")
	repo.commit("second")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), PostCommit, Options{})
	require.NoError(t, err)

	assert.Equal(t, PostCommit, sc.Signal)
	assert.NotEmpty(t, sc.HeadSHA)
	assert.NotEmpty(t, sc.PrevSHA)
	assert.Equal(t, []string{"b.txt"}, sc.ChangedFiles)
	assert.False(t, sc.Timestamp.IsZero())
}

func TestExtractPostCommitInitial(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), PostCommit, Options{})
	require.NoError(t, err)

	// The initial commit has no parent: empty change set, no error.
	assert.Empty(t, sc.PrevSHA)
	assert.Empty(t, sc.ChangedFiles)
}

func TestExtractPreCommitStagedFiles(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")
	repo.write("staged.txt", "pending")
	repo.git("add", "staged.txt")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), PreCommit, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"staged.txt"}, sc.ChangedFiles)
}

func TestExtractPostCheckout(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")
	runner := gitio.NewRunner(repo.dir, nil)
	prev, err := runner.HeadSHA(context.Background())
	require.NoError(t, err)

	repo.write("c.txt", "three")
	repo.commit("second")

	extractor := NewExtractor(runner, nil)
	sc, err := extractor.Extract(context.Background(), PostCheckout, Options{PrevHead: prev})
	require.NoError(t, err)
	assert.Equal(t, prev, sc.PrevSHA)
	assert.Equal(t, []string{"c.txt"}, sc.ChangedFiles)
}

func TestExtractTagCreate(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), TagCreate, Options{Tag: "v1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", sc.Tag)
	assert.Empty(t, sc.ChangedFiles)
}

func TestExtractScheduleTick(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), ScheduleTick, Options{})
	require.NoError(t, err)
	assert.Equal(t, ScheduleTick, sc.Signal)
	assert.Empty(t, sc.ChangedFiles)
	assert.False(t, sc.Timestamp.IsZero())
}

func TestExtractPrePushNoUpstream(t *testing.T) {
	repo := newTestRepo(t)
	repo.write("a.txt", "one")
	repo.commit("first")

	extractor := NewExtractor(gitio.NewRunner(repo.dir, nil), nil)
	sc, err := extractor.Extract(context.Background(), PrePush, Options{})
	require.NoError(t, err)
	// No upstream configured: degraded to empty change set.
	assert.Empty(t, sc.ChangedFiles)
}
