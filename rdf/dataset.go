package rdf

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/knakk/rdf"
)

// Dataset is an indexed, in-memory triple store. It is append-only while
// being built and read-only afterwards; the graph store hands out one
// Dataset per revision, so readers never observe mutation.
type Dataset struct {
	triples []rdf.Triple
	bySubj  map[string][]int
	byPred  map[string][]int
	byObj   map[string][]int
	seen    map[string]bool
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		bySubj: make(map[string][]int),
		byPred: make(map[string][]int),
		byObj:  make(map[string][]int),
		seen:   make(map[string]bool),
	}
}

// Add inserts a triple, ignoring exact duplicates.
func (d *Dataset) Add(t rdf.Triple) {
	key := t.Serialize(rdf.NTriples)
	if d.seen[key] {
		return
	}
	d.seen[key] = true
	idx := len(d.triples)
	d.triples = append(d.triples, t)
	d.bySubj[TermKey(t.Subj)] = append(d.bySubj[TermKey(t.Subj)], idx)
	d.byPred[TermKey(t.Pred)] = append(d.byPred[TermKey(t.Pred)], idx)
	d.byObj[TermKey(t.Obj)] = append(d.byObj[TermKey(t.Obj)], idx)
}

// AddAll inserts every triple in ts.
func (d *Dataset) AddAll(ts []rdf.Triple) {
	for _, t := range ts {
		d.Add(t)
	}
}

// Len returns the number of distinct triples.
func (d *Dataset) Len() int { return len(d.triples) }

// Triples returns a copy of all triples in insertion order.
func (d *Dataset) Triples() []rdf.Triple {
	out := make([]rdf.Triple, len(d.triples))
	copy(out, d.triples)
	return out
}

// Match returns all triples matching the pattern; a nil position is a
// wildcard. The smallest available posting list drives the scan.
func (d *Dataset) Match(s rdf.Subject, p rdf.Predicate, o rdf.Object) []rdf.Triple {
	candidates := d.candidateSet(s, p, o)
	var out []rdf.Triple
	for _, idx := range candidates {
		t := d.triples[idx]
		if s != nil && !TermsEqual(t.Subj, s) {
			continue
		}
		if p != nil && !TermsEqual(t.Pred, p) {
			continue
		}
		if o != nil && !TermsEqual(t.Obj, o) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Objects returns the objects of all (s, p, *) triples.
func (d *Dataset) Objects(s rdf.Subject, p rdf.Predicate) []rdf.Term {
	matches := d.Match(s, p, nil)
	out := make([]rdf.Term, 0, len(matches))
	for _, t := range matches {
		out = append(out, t.Obj)
	}
	return out
}

// FirstObject returns the object of the first (s, p, *) triple in a
// deterministic order, or nil when none exists.
func (d *Dataset) FirstObject(s rdf.Subject, p rdf.Predicate) rdf.Term {
	objs := d.Objects(s, p)
	if len(objs) == 0 {
		return nil
	}
	sort.Slice(objs, func(i, j int) bool { return CompareTerms(objs[i], objs[j]) < 0 })
	return objs[0]
}

// SubjectsOfType returns all subjects with rdf:type class, sorted.
func (d *Dataset) SubjectsOfType(class rdf.Object) []rdf.Subject {
	matches := d.Match(nil, MustIRI(NSRDF+"type"), class)
	out := make([]rdf.Subject, 0, len(matches))
	seen := make(map[string]bool)
	for _, t := range matches {
		k := TermKey(t.Subj)
		if !seen[k] {
			seen[k] = true
			out = append(out, t.Subj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return CompareTerms(out[i], out[j]) < 0 })
	return out
}

// List walks an RDF collection (rdf:first / rdf:rest) starting at head.
func (d *Dataset) List(head rdf.Term) []rdf.Term {
	first := MustIRI(NSRDF + "first")
	rest := MustIRI(NSRDF + "rest")
	nilIRI := NSRDF + "nil"

	var out []rdf.Term
	node := head
	for i := 0; node != nil && i < 10000; i++ {
		if iri, ok := node.(rdf.IRI); ok && iri.String() == nilIRI {
			break
		}
		subj, ok := node.(rdf.Subject)
		if !ok {
			break
		}
		items := d.Objects(subj, first)
		if len(items) == 0 {
			break
		}
		out = append(out, items[0])
		tails := d.Objects(subj, rest)
		if len(tails) == 0 {
			break
		}
		node = tails[0]
	}
	return out
}

func (d *Dataset) candidateSet(s rdf.Subject, p rdf.Predicate, o rdf.Object) []int {
	best := -1
	var bestList []int
	consider := func(list []int, bound bool) {
		if !bound {
			return
		}
		if best == -1 || len(list) < best {
			best = len(list)
			bestList = list
		}
	}
	consider(d.bySubj[TermKey(s)], s != nil)
	consider(d.byPred[TermKey(p)], p != nil)
	consider(d.byObj[TermKey(o)], o != nil)
	if best == -1 {
		all := make([]int, len(d.triples))
		for i := range all {
			all[i] = i
		}
		return all
	}
	return bestList
}

// DecodeTurtle parses Turtle input into triples.
func DecodeTurtle(r io.Reader) ([]rdf.Triple, error) {
	dec := rdf.NewTripleDecoder(r, rdf.Turtle)
	triples, err := dec.DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("decode turtle: %w", err)
	}
	return triples, nil
}

// DatasetFromTurtle builds a dataset from a Turtle document.
func DatasetFromTurtle(doc string) (*Dataset, error) {
	triples, err := DecodeTurtle(strings.NewReader(doc))
	if err != nil {
		return nil, err
	}
	d := NewDataset()
	d.AddAll(triples)
	return d, nil
}

// CanonicalNT serializes a triple set as sorted N-Triples lines, the
// canonical byte form used for hashing and snapshot storage.
func CanonicalNT(ts []rdf.Triple) []byte {
	lines := make([]string, 0, len(ts))
	for _, t := range ts {
		lines = append(lines, t.Serialize(rdf.NTriples))
	}
	sort.Strings(lines)
	return []byte(strings.Join(lines, "\n"))
}

// HashTriples returns a SHA-256 digest over a triple set that is independent
// of insertion order: the hash of the canonical N-Triples form.
func HashTriples(ts []rdf.Triple) string {
	sum := sha256.Sum256(CanonicalNT(ts))
	return hex.EncodeToString(sum[:])
}
