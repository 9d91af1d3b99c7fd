// Package signal defines Git lifecycle signals and derives the evaluation
// context (changed files, branch, head and previous commits) for each one.
package signal

import (
	"fmt"
	"time"
)

// Kind names a Git lifecycle event the engine reacts to.
type Kind string

const (
	PreCommit    Kind = "pre-commit"
	PostCommit   Kind = "post-commit"
	PrePush      Kind = "pre-push"
	PostMerge    Kind = "post-merge"
	PostCheckout Kind = "post-checkout"
	TagCreate    Kind = "tag-create"
	ScheduleTick Kind = "schedule-tick"
)

// Kinds lists every recognised signal.
var Kinds = []Kind{PreCommit, PostCommit, PrePush, PostMerge, PostCheckout, TagCreate, ScheduleTick}

// ParseKind validates a signal name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown signal %q", s)
}

// CarriesFiles reports whether the signal kind has changed-file semantics.
// File filters only constrain hooks on these signals.
func (k Kind) CarriesFiles() bool {
	switch k {
	case PreCommit, PostCommit, PrePush, PostMerge, PostCheckout:
		return true
	}
	return false
}

// Context is the evaluation context for one signal. Together with the graph
// it is the only input to hook evaluation.
type Context struct {
	Signal       Kind      `json:"signal"`
	ChangedFiles []string  `json:"changedFiles,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	HeadSHA      string    `json:"headSha"`
	PrevSHA      string    `json:"prevSha,omitempty"`
	Tag          string    `json:"tag,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
