// Package gitio implements the Git-native persistence layer: advisory locks
// as refs, content-addressed snapshots as blobs, and append-only receipts as
// notes. All Git access shells out to the git binary so the engine shares the
// repository's object database with every other tool.
package gitio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/c360studio/semhooks/model"
)

// EmptyTree is the well-known hash of the empty tree object, present in every
// repository. The snapshot index note is attached to it so the index survives
// history rewrites.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Runner executes git plumbing commands against one repository.
type Runner struct {
	repo   string
	logger *slog.Logger
}

// NewRunner creates a Runner for the repository at repoPath.
func NewRunner(repoPath string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repo: repoPath, logger: logger}
}

// RepoPath returns the repository root this runner operates on.
func (r *Runner) RepoPath() string { return r.repo }

// run executes a git command and returns its stdout. stdin may be nil.
func (r *Runner) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repo

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		return nil, model.Ef(model.KindIO, "run git",
			"git %v: %w (stderr: %s)", args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// HashObject writes data as a blob and returns its object hash.
func (r *Runner) HashObject(ctx context.Context, data []byte) (string, error) {
	out, err := r.run(ctx, data, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CatBlob returns the raw contents of a blob object.
func (r *Runner) CatBlob(ctx context.Context, sha string) ([]byte, error) {
	out, err := r.run(ctx, nil, "cat-file", "blob", sha)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", sha, err)
	}
	return out, nil
}

// HeadSHA resolves HEAD to a commit hash.
func (r *Runner) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.run(ctx, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ResolveRef resolves a fully qualified ref to an object hash. The second
// return is false when the ref does not exist.
func (r *Runner) ResolveRef(ctx context.Context, ref string) (string, bool, error) {
	out, err := r.run(ctx, nil, "show-ref", "--hash", "--verify", ref)
	if err != nil {
		// show-ref exits non-zero for a missing ref; treat that as absence.
		return "", false, nil
	}
	return strings.TrimSpace(string(out)), true, nil
}

// CreateRef atomically creates ref pointing at sha. It fails if the ref
// already exists, which is the compare-and-swap primitive locks build on.
func (r *Runner) CreateRef(ctx context.Context, ref, sha string) error {
	zero := strings.Repeat("0", 40)
	if _, err := r.run(ctx, nil, "update-ref", ref, sha, zero); err != nil {
		return fmt.Errorf("create ref %s: %w", ref, err)
	}
	return nil
}

// DeleteRef atomically deletes ref, asserting it currently points at old.
// Pass old == "" to delete unconditionally.
func (r *Runner) DeleteRef(ctx context.Context, ref, old string) error {
	args := []string{"update-ref", "-d", ref}
	if old != "" {
		args = append(args, old)
	}
	if _, err := r.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("delete ref %s: %w", ref, err)
	}
	return nil
}

// ListRefs returns ref → hash for every ref under prefix.
func (r *Runner) ListRefs(ctx context.Context, prefix string) (map[string]string, error) {
	out, err := r.run(ctx, nil, "for-each-ref", "--format=%(objectname) %(refname)", prefix)
	if err != nil {
		return nil, fmt.Errorf("list refs %s: %w", prefix, err)
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) == 2 {
			refs[parts[1]] = parts[0]
		}
	}
	return refs, nil
}

// NoteShow returns the note payload attached to object under notesRef. The
// second return is false when no note exists.
func (r *Runner) NoteShow(ctx context.Context, notesRef, object string) ([]byte, bool, error) {
	out, err := r.run(ctx, nil, "notes", "--ref="+notesRef, "show", object)
	if err != nil {
		// git notes show exits non-zero when the object has no note.
		return nil, false, nil
	}
	return out, true, nil
}

// NoteSet attaches payload as the note for object under notesRef, replacing
// any existing note.
func (r *Runner) NoteSet(ctx context.Context, notesRef, object string, payload []byte) error {
	if _, err := r.run(ctx, payload, "notes", "--ref="+notesRef, "add", "-f", "-F", "-", object); err != nil {
		return fmt.Errorf("write note on %s: %w", object, err)
	}
	return nil
}

// NoteList returns the objects that carry a note under notesRef.
func (r *Runner) NoteList(ctx context.Context, notesRef string) ([]string, error) {
	out, err := r.run(ctx, nil, "notes", "--ref="+notesRef, "list")
	if err != nil {
		// An empty notes ref is not an error.
		return nil, nil
	}
	var objects []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		// Each line is "<note-blob> <annotated-object>".
		parts := strings.Fields(line)
		if len(parts) == 2 {
			objects = append(objects, parts[1])
		}
	}
	return objects, nil
}

// CommitExists reports whether sha names a commit present in the repository.
func (r *Runner) CommitExists(ctx context.Context, sha string) bool {
	_, err := r.run(ctx, nil, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// DiffNames returns the file paths changed between two revisions.
func (r *Runner) DiffNames(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.run(ctx, nil, "diff", "--name-only", from, to)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", from, to, err)
	}
	return splitLines(out), nil
}

// DiffIndexNames returns the file paths staged in the index relative to rev.
func (r *Runner) DiffIndexNames(ctx context.Context, rev string) ([]string, error) {
	out, err := r.run(ctx, nil, "diff", "--name-only", "--cached", rev)
	if err != nil {
		return nil, fmt.Errorf("diff index vs %s: %w", rev, err)
	}
	return splitLines(out), nil
}

// RevParse resolves an arbitrary revision expression.
func (r *Runner) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.run(ctx, nil, "rev-parse", "--verify", rev)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Branch returns the current branch name, or "HEAD" when detached.
func (r *Runner) Branch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, nil, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// UpstreamSHA resolves the remote-tracking tip of the current branch. The
// second return is false when no upstream is configured.
func (r *Runner) UpstreamSHA(ctx context.Context) (string, bool, error) {
	out, err := r.run(ctx, nil, "rev-parse", "--verify", "@{upstream}")
	if err != nil {
		return "", false, nil
	}
	return strings.TrimSpace(string(out)), true, nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
