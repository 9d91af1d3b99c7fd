package hooks

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/c360studio/semhooks/gitio"
	"github.com/c360studio/semhooks/graph"
	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/rdf"
	kh "github.com/c360studio/semhooks/vocabulary/hooks"
)

// Decision is the outcome of one predicate evaluation. Digest is the
// deterministic result digest that feeds the idempotency key.
type Decision struct {
	Triggered bool
	Digest    string
}

// Evaluator evaluates hook predicates against a graph snapshot. Delta
// predicates keep their prior state in the snapshot store keyed by
// predicate/<hookId>/<kind>, so first observations trigger.
type Evaluator struct {
	snapshots *gitio.SnapshotStore
	timeout   time.Duration
	logger    *slog.Logger
}

// NewEvaluator creates a predicate evaluator. timeout is the per-predicate
// budget; zero disables the timebox.
func NewEvaluator(snapshots *gitio.SnapshotStore, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{snapshots: snapshots, timeout: timeout, logger: logger}
}

// Evaluate runs the hook's predicate over the graph view within the
// per-predicate budget.
func (e *Evaluator) Evaluate(ctx context.Context, hook *Hook, view *graph.Snapshot) (Decision, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	type outcome struct {
		decision Decision
		err      error
	}
	// Query evaluation is CPU-bound and cannot observe ctx; run it aside
	// so the timebox still applies.
	done := make(chan outcome, 1)
	go func() {
		d, err := e.decide(ctx, hook, view)
		done <- outcome{decision: d, err: err}
	}()

	// An already-lapsed deadline wins over a racing completion so the
	// timebox is deterministic.
	select {
	case <-ctx.Done():
	default:
		select {
		case <-ctx.Done():
		case o := <-done:
			return o.decision, o.err
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Decision{}, model.Ef(model.KindPredicate, "evaluate predicate",
			"predicate for hook %s exceeded budget %s", hook.ID, e.timeout)
	}
	return Decision{}, model.E(model.KindCancelled, "evaluate predicate", ctx.Err())
}

func (e *Evaluator) decide(ctx context.Context, hook *Hook, view *graph.Snapshot) (Decision, error) {
	pred := hook.Predicate
	switch pred.Kind {
	case PredicateAsk:
		ok, err := view.Ask(pred.Query)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Triggered: ok, Digest: strconv.FormatBool(ok)}, nil

	case PredicateSelectThreshold:
		return e.decideThreshold(pred, view)

	case PredicateConstructDelta:
		triples, err := view.Construct(pred.Query)
		if err != nil {
			return Decision{}, err
		}
		return e.decideDelta(ctx, hook.ID, string(PredicateConstructDelta),
			rdf.CanonicalNT(triples))

	case PredicateResultDelta:
		res, err := view.Select(pred.Query)
		if err != nil {
			return Decision{}, err
		}
		digest := res.KeyDigest(pred.Key)
		return e.decideDelta(ctx, hook.ID, string(PredicateResultDelta), []byte(digest))

	case PredicateDescribe:
		triples, err := view.Describe(pred.IRI)
		if err != nil {
			return Decision{}, err
		}
		digest := rdf.HashTriples(triples)
		if len(triples) == 0 {
			return Decision{Triggered: false, Digest: digest}, nil
		}
		if pred.Shape != "" {
			report, err := view.Validate(pred.Shape, pred.IRI)
			if err != nil {
				return Decision{}, err
			}
			if !report.Conforms {
				return Decision{Triggered: false, Digest: digest}, nil
			}
		}
		return Decision{Triggered: true, Digest: digest}, nil

	case PredicateShacl:
		report, err := view.Validate(pred.Shape, pred.Scope)
		if err != nil {
			return Decision{}, err
		}
		triggered := report.Conforms == (pred.Polarity == kh.PolarityConforms)
		return Decision{Triggered: triggered, Digest: report.Digest()}, nil

	default:
		return Decision{}, model.Ef(model.KindPredicate, "evaluate predicate",
			"unknown predicate kind %q", pred.Kind)
	}
}

// decideThreshold aggregates the projected column and compares it to the
// configured value. Numeric columns sum; anything else counts.
func (e *Evaluator) decideThreshold(pred Predicate, view *graph.Snapshot) (Decision, error) {
	res, err := view.Select(pred.Query)
	if err != nil {
		return Decision{}, err
	}

	var agg float64
	numeric := true
	values := make([]float64, 0, len(res.Rows))
	for _, row := range res.Rows {
		term, bound := row[pred.Variable]
		if !bound || term == nil {
			return Decision{}, model.Ef(model.KindPredicate, "evaluate threshold",
				"variable ?%s unbound in result row", pred.Variable)
		}
		v, ok := rdf.NumericValue(term)
		if !ok {
			numeric = false
			continue
		}
		if math.IsNaN(v) {
			return Decision{}, model.Ef(model.KindPredicate, "evaluate threshold",
				"variable ?%s is NaN", pred.Variable)
		}
		values = append(values, v)
	}

	if numeric {
		for _, v := range values {
			agg += v
		}
	} else {
		agg = float64(len(res.Rows))
	}

	var triggered bool
	switch pred.Operator {
	case "<":
		triggered = agg < pred.Value
	case "<=":
		triggered = agg <= pred.Value
	case "=":
		triggered = agg == pred.Value
	case ">=":
		triggered = agg >= pred.Value
	case ">":
		triggered = agg > pred.Value
	default:
		return Decision{}, model.Ef(model.KindPredicate, "evaluate threshold",
			"unknown operator %q", pred.Operator)
	}
	return Decision{Triggered: triggered, Digest: strconv.FormatFloat(agg, 'g', -1, 64)}, nil
}

// decideDelta compares the canonical bytes of the current result against the
// stored prior state and persists the new state on change. A missing prior
// triggers (first observation).
func (e *Evaluator) decideDelta(ctx context.Context, hookID, kind string, current []byte) (Decision, error) {
	key := "predicate/" + hookID + "/" + kind
	hash := model.SHA256Hex(current)

	prior, ok, err := e.snapshots.Latest(ctx, key)
	if err != nil {
		return Decision{}, model.E(model.KindIO, "read prior predicate state", err)
	}
	if ok && prior == hash {
		return Decision{Triggered: false, Digest: hash}, nil
	}

	if _, err := e.snapshots.Put(ctx, key, current, map[string]string{"hook": hookID, "kind": kind}); err != nil {
		return Decision{}, model.E(model.KindIO, "store predicate state", err)
	}
	if !ok {
		e.logger.Debug("First observation for delta predicate",
			slog.String("hook", hookID),
			slog.String("kind", kind))
	}
	return Decision{Triggered: true, Digest: hash}, nil
}
