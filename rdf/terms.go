package rdf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knakk/rdf"
)

// Well-known namespaces.
const (
	NSRDF  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	NSRDFS = "http://www.w3.org/2000/01/rdf-schema#"
	NSXSD  = "http://www.w3.org/2001/XMLSchema#"
	NSSH   = "http://www.w3.org/ns/shacl#"
)

// TermKey returns the canonical key for a term: its N-Triples serialization.
// Index maps and digests key on this form.
func TermKey(t rdf.Term) string {
	if t == nil {
		return ""
	}
	return t.Serialize(rdf.NTriples)
}

// TermsEqual reports whether two terms serialize identically.
func TermsEqual(a, b rdf.Term) bool {
	return TermKey(a) == TermKey(b)
}

// CompareTerms orders terms by N-Triples serialization.
func CompareTerms(a, b rdf.Term) int {
	return strings.Compare(TermKey(a), TermKey(b))
}

// MustIRI builds an IRI from a string known to be valid at compile time.
func MustIRI(s string) rdf.IRI {
	iri, err := rdf.NewIRI(s)
	if err != nil {
		panic(fmt.Sprintf("invalid IRI %q: %v", s, err))
	}
	return iri
}

var numericDatatypes = map[string]bool{
	NSXSD + "integer":            true,
	NSXSD + "decimal":            true,
	NSXSD + "double":             true,
	NSXSD + "float":              true,
	NSXSD + "int":                true,
	NSXSD + "long":               true,
	NSXSD + "short":              true,
	NSXSD + "byte":               true,
	NSXSD + "nonNegativeInteger": true,
	NSXSD + "positiveInteger":    true,
	NSXSD + "unsignedInt":        true,
	NSXSD + "unsignedLong":       true,
}

// NumericValue extracts a float64 from a literal term. It accepts literals
// with a numeric XSD datatype and plain literals whose lexical form parses
// as a number.
func NumericValue(t rdf.Term) (float64, bool) {
	lit, ok := t.(rdf.Literal)
	if !ok {
		return 0, false
	}
	dt := lit.DataType.String()
	if dt != "" && dt != NSXSD+"string" && !numericDatatypes[dt] {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(lit.String()), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// BoolValue extracts a boolean from a literal term.
func BoolValue(t rdf.Term) (bool, bool) {
	lit, ok := t.(rdf.Literal)
	if !ok {
		return false, false
	}
	switch strings.TrimSpace(lit.String()) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	}
	return false, false
}

// LexicalValue returns the plain string form of a term: the lexical value
// for literals, the IRI string for IRIs, the id for blank nodes.
func LexicalValue(t rdf.Term) string {
	if t == nil {
		return ""
	}
	return t.String()
}
