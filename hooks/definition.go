// Package hooks loads hook definitions from the RDF graph and evaluates
// their predicates. A hook is a declarative rule: one predicate over the
// graph plus the pipelines to run when it triggers.
package hooks

import (
	"time"

	"github.com/c360studio/semhooks/signal"
)

// PredicateKind identifies one of the six decision rules.
type PredicateKind string

const (
	PredicateAsk             PredicateKind = "ask"
	PredicateSelectThreshold PredicateKind = "select-threshold"
	PredicateConstructDelta  PredicateKind = "construct-delta"
	PredicateDescribe        PredicateKind = "describe"
	PredicateResultDelta     PredicateKind = "result-delta"
	PredicateShacl           PredicateKind = "shacl"
)

// Predicate is the tagged decision rule of a hook. Which fields are
// meaningful depends on Kind.
type Predicate struct {
	Kind PredicateKind

	// ask, select-threshold, construct-delta, result-delta
	Query string

	// select-threshold
	Variable string
	Operator string
	Value    float64

	// describe
	IRI string

	// describe (optional), shacl
	Shape string

	// shacl
	Scope    string
	Polarity string

	// result-delta
	Key string
}

// StepKind identifies a typed pipeline step.
type StepKind string

const (
	StepSparql   StepKind = "sparql"
	StepTemplate StepKind = "template"
	StepFile     StepKind = "file"
	StepHTTP     StepKind = "http"
	StepCLI      StepKind = "cli"
)

// RetryPolicy is the per-step retry configuration. Backoff is one of
// "none", "fixed", "exponential".
type RetryPolicy struct {
	MaxAttempts int
	Backoff     string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Step is one typed pipeline step. DependsOn names earlier steps; a step
// without an explicit dependency depends on the previous step in order.
type Step struct {
	Name      string
	Kind      StepKind
	DependsOn []string
	Timeout   time.Duration
	Retry     RetryPolicy

	// sparql
	Query     string
	OutputVar string

	// template
	Template string
	OutPath  string
	Vars     []string

	// file
	FileOp  string
	Src     string
	Dst     string
	Content string

	// http
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Capture string

	// cli
	Command string
	Args    []string
	Cwd     string
}

// Pipeline is an ordered group of steps executed for one triggered hook.
// Plan holds a valid topological order over Steps, computed at load time.
type Pipeline struct {
	ID    string
	Steps []Step
	Plan  []int
}

// Hook is one loaded hook definition.
type Hook struct {
	ID         string
	Title      string
	Signals    []signal.Kind
	FileFilter string
	Predicate  Predicate
	Pipelines  []Pipeline
}

// ListensTo reports whether the hook subscribes to kind. A hook with no
// signal filter listens to every signal.
func (h *Hook) ListensTo(kind signal.Kind) bool {
	if len(h.Signals) == 0 {
		return true
	}
	for _, s := range h.Signals {
		if s == kind {
			return true
		}
	}
	return false
}

// FileScoped reports whether the hook's predicate only reacts to data
// changes, so that an empty change set makes evaluation pointless.
func (h *Hook) FileScoped() bool {
	switch h.Predicate.Kind {
	case PredicateConstructDelta, PredicateResultDelta:
		return h.FileFilter != ""
	}
	return false
}
