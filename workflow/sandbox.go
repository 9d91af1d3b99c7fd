// Package workflow executes pipelines of typed steps with dependency
// ordering, per-step timeouts and retries, and path sandboxing inside the
// repository root.
package workflow

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/c360studio/semhooks/model"
)

// resolveInRoot canonicalises target (resolving ".." and symlinks) and
// verifies it stays inside root. Relative targets are joined onto root.
// Violations are PATH_ESCAPE step errors, rejected before any write.
func resolveInRoot(root, target string) (string, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", model.StepE(model.CodeFileIO, "resolve repository root", err)
	}

	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(rootResolved, abs)
	}
	abs = filepath.Clean(abs)

	// The target may not exist yet; resolve symlinks on the deepest
	// existing ancestor and re-attach the remainder.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", model.StepE(model.CodeFileIO, "resolve target path", err)
	}

	if resolved != rootResolved && !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return "", model.StepE(model.CodePathEscape, "sandbox target path",
			&escapeError{target: target, resolved: resolved, root: rootResolved})
	}
	return resolved, nil
}

type escapeError struct {
	target, resolved, root string
}

func (e *escapeError) Error() string {
	return "path " + e.target + " resolves to " + e.resolved + " outside repository root " + e.root
}

func resolveExisting(path string) (string, error) {
	suffix := ""
	dir := path
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, suffix)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		dir = parent
	}
}

// lockNameFor derives the advisory lock serialising working-tree writes
// under one top-level directory.
func lockNameFor(root, resolved string) string {
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == "." {
		return "template:root"
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) == 1 {
		return "template:root"
	}
	return "template:" + parts[0]
}
