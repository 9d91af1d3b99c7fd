package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/semhooks/gitio"
)

// Extractor computes the evaluation context for a signal by shelling out to
// git. Diff failures are non-fatal: they yield an empty changed-file set
// with a diagnostic, because a hook that can still evaluate is worth more
// than a hard failure on a detached or shallow checkout.
type Extractor struct {
	runner *gitio.Runner
	logger *slog.Logger
}

// NewExtractor creates an extractor over the repository runner.
func NewExtractor(runner *gitio.Runner, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{runner: runner, logger: logger}
}

// Options carries signal-specific inputs the hook scripts pass through:
// the previous head for post-checkout and the tag name for tag-create.
type Options struct {
	PrevHead string
	Tag      string
}

// Extract builds the evaluation context for one signal.
func (e *Extractor) Extract(ctx context.Context, kind Kind, opts Options) (Context, error) {
	sc := Context{
		Signal:    kind,
		Timestamp: time.Now().UTC(),
	}

	head, err := e.runner.HeadSHA(ctx)
	if err != nil {
		return sc, err
	}
	sc.HeadSHA = head

	if branch, err := e.runner.Branch(ctx); err == nil {
		sc.Branch = branch
	}

	switch kind {
	case PreCommit:
		sc.ChangedFiles = e.diffOrEmpty(ctx, kind, func() ([]string, error) {
			return e.runner.DiffIndexNames(ctx, "HEAD")
		})

	case PostCommit, PostMerge:
		sc.PrevSHA = e.parentOrEmpty(ctx, head)
		if sc.PrevSHA != "" {
			sc.ChangedFiles = e.diffOrEmpty(ctx, kind, func() ([]string, error) {
				return e.runner.DiffNames(ctx, sc.PrevSHA, head)
			})
		}

	case PrePush:
		upstream, ok, err := e.runner.UpstreamSHA(ctx)
		if err == nil && ok {
			sc.PrevSHA = upstream
			sc.ChangedFiles = e.diffOrEmpty(ctx, kind, func() ([]string, error) {
				return e.runner.DiffNames(ctx, upstream, head)
			})
		} else {
			e.logger.Warn("No upstream for pre-push signal, empty change set",
				slog.String("branch", sc.Branch))
		}

	case PostCheckout:
		sc.PrevSHA = opts.PrevHead
		if opts.PrevHead != "" {
			sc.ChangedFiles = e.diffOrEmpty(ctx, kind, func() ([]string, error) {
				return e.runner.DiffNames(ctx, opts.PrevHead, head)
			})
		}

	case TagCreate:
		sc.Tag = opts.Tag

	case ScheduleTick:
		// Timestamp only; no file set.
	}

	return sc, nil
}

// diffOrEmpty degrades a diff failure to an empty set with a warning.
func (e *Extractor) diffOrEmpty(ctx context.Context, kind Kind, diff func() ([]string, error)) []string {
	files, err := diff()
	if err != nil {
		e.logger.Warn("Changed-file extraction failed, using empty set",
			slog.String("signal", string(kind)),
			slog.String("error", err.Error()))
		return nil
	}
	return files
}

// parentOrEmpty resolves HEAD~1, returning "" on the initial commit.
func (e *Extractor) parentOrEmpty(ctx context.Context, head string) string {
	parent, err := e.runner.RevParse(ctx, head+"~1")
	if err != nil {
		e.logger.Debug("No parent commit, treating as initial commit",
			slog.String("head", head))
		return ""
	}
	return parent
}
