package rdf

import (
	"fmt"
	"regexp"

	"github.com/knakk/rdf"
)

// Violation is one SHACL constraint failure.
type Violation struct {
	FocusNode  string `json:"focusNode"`
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// ValidationReport is the outcome of a SHACL validation run.
type ValidationReport struct {
	Conforms   bool        `json:"conforms"`
	Violations []Violation `json:"violations,omitempty"`
}

// Digest returns a stable SHA-256 over the violations list.
func (r *ValidationReport) Digest() string {
	var s string
	for _, v := range r.Violations {
		s += v.FocusNode + "|" + v.Path + "|" + v.Constraint + "|" + v.Message + "\n"
	}
	return hashString(s)
}

type propertyShape struct {
	path     rdf.IRI
	minCount int
	maxCount int // -1 means unbounded
	datatype *rdf.IRI
	class    *rdf.IRI
	nodeKind string // "IRI", "Literal", "BlankNode" or ""
	pattern  *regexp.Regexp
	hasValue rdf.Term
	in       []rdf.Term
}

type nodeShape struct {
	iri         rdf.IRI
	targetClass []rdf.IRI
	targetNodes []rdf.IRI
	properties  []propertyShape
}

// Validate runs SHACL-core validation of data against the shapes graph.
// shapeIRI selects a single node shape ("" validates every sh:NodeShape);
// scopeIRI restricts focus nodes to one node ("" keeps shape targeting).
func Validate(data, shapes *Dataset, shapeIRI, scopeIRI string) (*ValidationReport, error) {
	nodeShapes, err := loadShapes(shapes, shapeIRI)
	if err != nil {
		return nil, err
	}
	if len(nodeShapes) == 0 {
		if shapeIRI != "" {
			return nil, fmt.Errorf("shape %s not found", shapeIRI)
		}
		return &ValidationReport{Conforms: true}, nil
	}

	report := &ValidationReport{Conforms: true}
	for _, shape := range nodeShapes {
		focus := focusNodes(data, shape, scopeIRI)
		for _, node := range focus {
			for _, prop := range shape.properties {
				report.Violations = append(report.Violations, checkProperty(data, node, prop)...)
			}
		}
	}
	report.Conforms = len(report.Violations) == 0
	return report, nil
}

func loadShapes(shapes *Dataset, shapeIRI string) ([]nodeShape, error) {
	var roots []rdf.Subject
	if shapeIRI != "" {
		iri, err := rdf.NewIRI(shapeIRI)
		if err != nil {
			return nil, fmt.Errorf("shape IRI: %w", err)
		}
		if len(shapes.Match(iri, nil, nil)) == 0 {
			return nil, fmt.Errorf("shape %s not found", shapeIRI)
		}
		roots = []rdf.Subject{iri}
	} else {
		roots = shapes.SubjectsOfType(MustIRI(NSSH + "NodeShape"))
	}

	var out []nodeShape
	for _, root := range roots {
		iri, ok := root.(rdf.IRI)
		if !ok {
			continue
		}
		ns := nodeShape{iri: iri}
		for _, obj := range shapes.Objects(root, MustIRI(NSSH+"targetClass")) {
			if c, ok := obj.(rdf.IRI); ok {
				ns.targetClass = append(ns.targetClass, c)
			}
		}
		for _, obj := range shapes.Objects(root, MustIRI(NSSH+"targetNode")) {
			if n, ok := obj.(rdf.IRI); ok {
				ns.targetNodes = append(ns.targetNodes, n)
			}
		}
		for _, obj := range shapes.Objects(root, MustIRI(NSSH+"property")) {
			subj, ok := obj.(rdf.Subject)
			if !ok {
				continue
			}
			prop, err := loadPropertyShape(shapes, subj)
			if err != nil {
				return nil, fmt.Errorf("shape %s: %w", iri.String(), err)
			}
			ns.properties = append(ns.properties, prop)
		}
		out = append(out, ns)
	}
	return out, nil
}

func loadPropertyShape(shapes *Dataset, subj rdf.Subject) (propertyShape, error) {
	prop := propertyShape{maxCount: -1}

	pathTerm := shapes.FirstObject(subj, MustIRI(NSSH+"path"))
	path, ok := pathTerm.(rdf.IRI)
	if !ok {
		return prop, fmt.Errorf("property shape %s has no IRI sh:path", TermKey(subj))
	}
	prop.path = path

	if t := shapes.FirstObject(subj, MustIRI(NSSH+"minCount")); t != nil {
		if v, ok := NumericValue(t); ok {
			prop.minCount = int(v)
		}
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"maxCount")); t != nil {
		if v, ok := NumericValue(t); ok {
			prop.maxCount = int(v)
		}
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"datatype")); t != nil {
		if dt, ok := t.(rdf.IRI); ok {
			prop.datatype = &dt
		}
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"class")); t != nil {
		if c, ok := t.(rdf.IRI); ok {
			prop.class = &c
		}
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"nodeKind")); t != nil {
		if nk, ok := t.(rdf.IRI); ok {
			switch nk.String() {
			case NSSH + "IRI":
				prop.nodeKind = "IRI"
			case NSSH + "Literal":
				prop.nodeKind = "Literal"
			case NSSH + "BlankNode":
				prop.nodeKind = "BlankNode"
			}
		}
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"pattern")); t != nil {
		re, err := regexp.Compile(LexicalValue(t))
		if err != nil {
			return prop, fmt.Errorf("compile sh:pattern %q: %w", LexicalValue(t), err)
		}
		prop.pattern = re
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"hasValue")); t != nil {
		prop.hasValue = t
	}
	if t := shapes.FirstObject(subj, MustIRI(NSSH+"in")); t != nil {
		prop.in = shapes.List(t)
	}
	return prop, nil
}

func focusNodes(data *Dataset, shape nodeShape, scopeIRI string) []rdf.Subject {
	if scopeIRI != "" {
		iri, err := rdf.NewIRI(scopeIRI)
		if err != nil {
			return nil
		}
		return []rdf.Subject{iri}
	}
	var out []rdf.Subject
	seen := make(map[string]bool)
	for _, class := range shape.targetClass {
		for _, subj := range data.SubjectsOfType(class) {
			k := TermKey(subj)
			if !seen[k] {
				seen[k] = true
				out = append(out, subj)
			}
		}
	}
	for _, node := range shape.targetNodes {
		k := TermKey(node)
		if !seen[k] {
			seen[k] = true
			out = append(out, node)
		}
	}
	return out
}

func checkProperty(data *Dataset, node rdf.Subject, prop propertyShape) []Violation {
	values := data.Objects(node, prop.path)
	focus := LexicalValue(node)
	path := prop.path.String()
	var out []Violation

	if len(values) < prop.minCount {
		out = append(out, Violation{
			FocusNode:  focus,
			Path:       path,
			Constraint: "minCount",
			Message:    fmt.Sprintf("expected at least %d values, found %d", prop.minCount, len(values)),
		})
	}
	if prop.maxCount >= 0 && len(values) > prop.maxCount {
		out = append(out, Violation{
			FocusNode:  focus,
			Path:       path,
			Constraint: "maxCount",
			Message:    fmt.Sprintf("expected at most %d values, found %d", prop.maxCount, len(values)),
		})
	}

	for _, v := range values {
		if prop.datatype != nil {
			lit, ok := v.(rdf.Literal)
			if !ok || lit.DataType.String() != prop.datatype.String() {
				out = append(out, Violation{
					FocusNode:  focus,
					Path:       path,
					Constraint: "datatype",
					Message:    fmt.Sprintf("value %s is not of datatype %s", LexicalValue(v), prop.datatype.String()),
				})
			}
		}
		if prop.class != nil {
			obj, isSubj := v.(rdf.Subject)
			typed := false
			if isSubj {
				typed = len(data.Match(obj, MustIRI(NSRDF+"type"), *prop.class)) > 0
			}
			if !typed {
				out = append(out, Violation{
					FocusNode:  focus,
					Path:       path,
					Constraint: "class",
					Message:    fmt.Sprintf("value %s is not an instance of %s", LexicalValue(v), prop.class.String()),
				})
			}
		}
		if prop.nodeKind != "" && nodeKindOf(v) != prop.nodeKind {
			out = append(out, Violation{
				FocusNode:  focus,
				Path:       path,
				Constraint: "nodeKind",
				Message:    fmt.Sprintf("value %s is a %s, expected %s", LexicalValue(v), nodeKindOf(v), prop.nodeKind),
			})
		}
		if prop.pattern != nil && !prop.pattern.MatchString(LexicalValue(v)) {
			out = append(out, Violation{
				FocusNode:  focus,
				Path:       path,
				Constraint: "pattern",
				Message:    fmt.Sprintf("value %s does not match pattern %s", LexicalValue(v), prop.pattern.String()),
			})
		}
	}

	if prop.hasValue != nil {
		found := false
		for _, v := range values {
			if TermsEqual(v, prop.hasValue) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, Violation{
				FocusNode:  focus,
				Path:       path,
				Constraint: "hasValue",
				Message:    fmt.Sprintf("required value %s is missing", LexicalValue(prop.hasValue)),
			})
		}
	}

	if len(prop.in) > 0 {
		for _, v := range values {
			ok := false
			for _, allowed := range prop.in {
				if TermsEqual(v, allowed) {
					ok = true
					break
				}
			}
			if !ok {
				out = append(out, Violation{
					FocusNode:  focus,
					Path:       path,
					Constraint: "in",
					Message:    fmt.Sprintf("value %s is not in the allowed list", LexicalValue(v)),
				})
			}
		}
	}
	return out
}

func nodeKindOf(t rdf.Term) string {
	switch t.(type) {
	case rdf.IRI:
		return "IRI"
	case rdf.Literal:
		return "Literal"
	case rdf.Blank:
		return "BlankNode"
	}
	return "Unknown"
}
