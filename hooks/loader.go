package hooks

import (
	"sort"
	"strconv"
	"strings"
	"time"

	knakk "github.com/knakk/rdf"

	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/rdf"
	"github.com/c360studio/semhooks/signal"
	kh "github.com/c360studio/semhooks/vocabulary/hooks"
)

// LoadHooks parses every kh:Hook resource in the dataset. Malformed hooks,
// unknown step kinds, and cyclic pipelines are load-time errors.
func LoadHooks(ds *rdf.Dataset) ([]Hook, error) {
	var out []Hook
	for _, subj := range ds.SubjectsOfType(rdf.MustIRI(kh.ClassHook)) {
		hook, err := loadHook(ds, subj)
		if err != nil {
			return nil, err
		}
		out = append(out, hook)
	}
	return out, nil
}

func loadHook(ds *rdf.Dataset, subj knakk.Subject) (Hook, error) {
	id := rdf.LexicalValue(subj)
	hook := Hook{
		ID:         id,
		Title:      strProp(ds, subj, kh.PropTitle),
		FileFilter: strProp(ds, subj, kh.PropFileFilter),
	}

	for _, raw := range strProps(ds, subj, kh.PropOnSignal) {
		kind, err := signal.ParseKind(raw)
		if err != nil {
			return hook, model.Ef(model.KindLoad, "load hook", "hook %s: %w", id, err)
		}
		hook.Signals = append(hook.Signals, kind)
	}

	predNode := ds.FirstObject(subj, rdf.MustIRI(kh.PropPredicate))
	if predNode == nil {
		return hook, model.Ef(model.KindLoad, "load hook", "hook %s has no predicate", id)
	}
	pred, err := loadPredicate(ds, predNode)
	if err != nil {
		return hook, model.Ef(model.KindLoad, "load hook", "hook %s: %w", id, err)
	}
	hook.Predicate = pred

	pipeNodes := ds.Objects(subj, rdf.MustIRI(kh.PropPipeline))
	sortNodesByOrder(ds, pipeNodes)
	for _, node := range pipeNodes {
		pipe, err := loadPipeline(ds, node)
		if err != nil {
			return hook, model.Ef(model.KindLoad, "load hook", "hook %s: %w", id, err)
		}
		hook.Pipelines = append(hook.Pipelines, pipe)
	}
	return hook, nil
}

func loadPredicate(ds *rdf.Dataset, node knakk.Term) (Predicate, error) {
	subj, ok := node.(knakk.Subject)
	if !ok {
		return Predicate{}, model.Ef(model.KindLoad, "load predicate", "predicate node %s is a literal", rdf.LexicalValue(node))
	}

	var pred Predicate
	switch {
	case hasType(ds, subj, kh.ClassAskPredicate):
		pred.Kind = PredicateAsk
	case hasType(ds, subj, kh.ClassSelectThresholdPredicate):
		pred.Kind = PredicateSelectThreshold
	case hasType(ds, subj, kh.ClassConstructDeltaPredicate):
		pred.Kind = PredicateConstructDelta
	case hasType(ds, subj, kh.ClassDescribePredicate):
		pred.Kind = PredicateDescribe
	case hasType(ds, subj, kh.ClassResultDeltaPredicate):
		pred.Kind = PredicateResultDelta
	case hasType(ds, subj, kh.ClassShaclPredicate):
		pred.Kind = PredicateShacl
	default:
		return pred, model.Ef(model.KindLoad, "load predicate", "predicate %s has no recognised type", rdf.LexicalValue(subj))
	}

	pred.Query = strProp(ds, subj, kh.PropQuery)
	pred.Variable = strProp(ds, subj, kh.PropVariable)
	pred.Operator = strProp(ds, subj, kh.PropOperator)
	pred.IRI = strProp(ds, subj, kh.PropIRI)
	pred.Shape = strProp(ds, subj, kh.PropShape)
	pred.Scope = strProp(ds, subj, kh.PropScope)
	pred.Key = strProp(ds, subj, kh.PropKey)
	pred.Polarity = strProp(ds, subj, kh.PropPolarity)

	if raw := strProp(ds, subj, kh.PropValue); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return pred, model.Ef(model.KindLoad, "load predicate", "threshold value %q is not numeric", raw)
		}
		pred.Value = v
	}

	switch pred.Kind {
	case PredicateAsk, PredicateConstructDelta:
		if pred.Query == "" {
			return pred, model.Ef(model.KindLoad, "load predicate", "%s predicate requires a query", pred.Kind)
		}
	case PredicateSelectThreshold:
		if pred.Query == "" || pred.Variable == "" {
			return pred, model.Ef(model.KindLoad, "load predicate", "select-threshold predicate requires a query and variable")
		}
		switch pred.Operator {
		case "<", "<=", "=", ">=", ">":
		default:
			return pred, model.Ef(model.KindLoad, "load predicate", "unknown threshold operator %q", pred.Operator)
		}
	case PredicateResultDelta:
		if pred.Query == "" || pred.Key == "" {
			return pred, model.Ef(model.KindLoad, "load predicate", "result-delta predicate requires a query and key")
		}
	case PredicateDescribe:
		if pred.IRI == "" {
			return pred, model.Ef(model.KindLoad, "load predicate", "describe predicate requires an IRI")
		}
	case PredicateShacl:
		if pred.Polarity == "" {
			pred.Polarity = kh.PolarityViolations
		}
		if pred.Polarity != kh.PolarityViolations && pred.Polarity != kh.PolarityConforms {
			return pred, model.Ef(model.KindLoad, "load predicate", "unknown polarity %q", pred.Polarity)
		}
	}
	return pred, nil
}

func loadPipeline(ds *rdf.Dataset, node knakk.Term) (Pipeline, error) {
	subj, ok := node.(knakk.Subject)
	if !ok {
		return Pipeline{}, model.Ef(model.KindLoad, "load pipeline", "pipeline node %s is a literal", rdf.LexicalValue(node))
	}
	pipe := Pipeline{ID: rdf.LexicalValue(subj)}

	stepNodes := ds.Objects(subj, rdf.MustIRI(kh.PropStep))
	sortNodesByOrder(ds, stepNodes)
	for i, stepNode := range stepNodes {
		step, err := loadStep(ds, stepNode)
		if err != nil {
			return pipe, model.Ef(model.KindLoad, "load pipeline", "pipeline %s: %w", pipe.ID, err)
		}
		// Steps without explicit dependencies run after the previous step.
		if len(step.DependsOn) == 0 && i > 0 {
			step.DependsOn = []string{pipe.Steps[i-1].Name}
		}
		pipe.Steps = append(pipe.Steps, step)
	}

	plan, err := topoSort(pipe.Steps)
	if err != nil {
		return pipe, model.Ef(model.KindLoad, "load pipeline", "pipeline %s: %w", pipe.ID, err)
	}
	pipe.Plan = plan
	return pipe, nil
}

func loadStep(ds *rdf.Dataset, node knakk.Term) (Step, error) {
	subj, ok := node.(knakk.Subject)
	if !ok {
		return Step{}, model.Ef(model.KindLoad, "load step", "step node %s is a literal", rdf.LexicalValue(node))
	}

	var step Step
	switch {
	case hasType(ds, subj, kh.ClassSparqlStep):
		step.Kind = StepSparql
	case hasType(ds, subj, kh.ClassTemplateStep):
		step.Kind = StepTemplate
	case hasType(ds, subj, kh.ClassFileStep):
		step.Kind = StepFile
	case hasType(ds, subj, kh.ClassHTTPStep):
		step.Kind = StepHTTP
	case hasType(ds, subj, kh.ClassCLIStep):
		step.Kind = StepCLI
	default:
		return step, model.Ef(model.KindLoad, "load step", "step %s has unknown kind", rdf.LexicalValue(subj))
	}

	step.Name = strProp(ds, subj, kh.PropName)
	if step.Name == "" {
		return step, model.Ef(model.KindLoad, "load step", "step %s has no name", rdf.LexicalValue(subj))
	}
	step.DependsOn = strProps(ds, subj, kh.PropDependsOn)
	step.Timeout = time.Duration(intProp(ds, subj, kh.PropTimeoutMs)) * time.Millisecond
	step.Retry = RetryPolicy{
		MaxAttempts: intProp(ds, subj, kh.PropMaxAttempts),
		Backoff:     strProp(ds, subj, kh.PropBackoff),
		BaseDelay:   time.Duration(intProp(ds, subj, kh.PropBaseDelayMs)) * time.Millisecond,
		MaxDelay:    time.Duration(intProp(ds, subj, kh.PropMaxDelayMs)) * time.Millisecond,
	}

	step.Query = strProp(ds, subj, kh.PropQuery)
	step.OutputVar = strProp(ds, subj, kh.PropOutputVar)
	step.Template = strProp(ds, subj, kh.PropTemplate)
	step.OutPath = strProp(ds, subj, kh.PropOutPath)
	step.Vars = strProps(ds, subj, kh.PropVar)
	step.FileOp = strProp(ds, subj, kh.PropFileOp)
	step.Src = strProp(ds, subj, kh.PropSrc)
	step.Dst = strProp(ds, subj, kh.PropDst)
	step.Content = strProp(ds, subj, kh.PropContent)
	step.Method = strProp(ds, subj, kh.PropMethod)
	step.URL = strProp(ds, subj, kh.PropURL)
	step.Body = strProp(ds, subj, kh.PropBody)
	step.Capture = strProp(ds, subj, kh.PropCapture)
	step.Command = strProp(ds, subj, kh.PropCommand)
	step.Args = strProps(ds, subj, kh.PropArg)
	step.Cwd = strProp(ds, subj, kh.PropCwd)

	headers := make(map[string]string)
	for _, raw := range strProps(ds, subj, kh.PropHeader) {
		name, value, found := strings.Cut(raw, ":")
		if !found {
			return step, model.Ef(model.KindLoad, "load step", "step %s header %q is not Name: Value", step.Name, raw)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if len(headers) > 0 {
		step.Headers = headers
	}
	return step, nil
}

// topoSort computes a deterministic topological order over the steps.
// Unknown dependency names and cycles are errors.
func topoSort(steps []Step) ([]int, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.Name]; dup {
			return nil, model.Ef(model.KindLoad, "plan pipeline", "duplicate step name %q", s.Name)
		}
		index[s.Name] = i
	}

	// Arena of nodes with integer indices; dependencies are edge lists.
	edges := make([][]int, len(steps))
	indegree := make([]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, model.Ef(model.KindLoad, "plan pipeline", "step %q depends on unknown step %q", s.Name, dep)
			}
			edges[j] = append(edges[j], i)
			indegree[i]++
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	var plan []int
	for len(ready) > 0 {
		sort.Ints(ready)
		n := ready[0]
		ready = ready[1:]
		plan = append(plan, n)
		for _, next := range edges[n] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(plan) != len(steps) {
		return nil, model.Ef(model.KindLoad, "plan pipeline", "dependency cycle among steps")
	}
	return plan, nil
}

func hasType(ds *rdf.Dataset, subj knakk.Subject, class string) bool {
	return len(ds.Match(subj, rdf.MustIRI(rdf.NSRDF+"type"), rdf.MustIRI(class))) > 0
}

func strProp(ds *rdf.Dataset, subj knakk.Subject, prop string) string {
	t := ds.FirstObject(subj, rdf.MustIRI(prop))
	if t == nil {
		return ""
	}
	return rdf.LexicalValue(t)
}

func strProps(ds *rdf.Dataset, subj knakk.Subject, prop string) []string {
	terms := ds.Objects(subj, rdf.MustIRI(prop))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		out = append(out, rdf.LexicalValue(t))
	}
	sort.Strings(out)
	return out
}

func intProp(ds *rdf.Dataset, subj knakk.Subject, prop string) int {
	t := ds.FirstObject(subj, rdf.MustIRI(prop))
	if t == nil {
		return 0
	}
	if v, ok := rdf.NumericValue(t); ok {
		return int(v)
	}
	return 0
}

// sortNodesByOrder sorts RDF nodes by their kh:order value, falling back to
// the node identity for a stable order.
func sortNodesByOrder(ds *rdf.Dataset, nodes []knakk.Term) {
	orderOf := func(t knakk.Term) int {
		if subj, ok := t.(knakk.Subject); ok {
			return intProp(ds, subj, kh.PropOrder)
		}
		return 0
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		oi, oj := orderOf(nodes[i]), orderOf(nodes[j])
		if oi != oj {
			return oi < oj
		}
		return rdf.TermKey(nodes[i]) < rdf.TermKey(nodes[j])
	})
}
