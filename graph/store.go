// Package graph implements the in-memory RDF graph store. It loads every
// .ttl file under a configured directory, exposes snapshot views with a
// monotone revision counter, and answers queries and SHACL validations
// through those views so one evaluation always sees a consistent graph.
package graph

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	knakk "github.com/knakk/rdf"

	"github.com/c360studio/semhooks/model"
	"github.com/c360studio/semhooks/rdf"
)

// Store loads and serves the RDF graph. Mutations (file changes in the
// graph directory) become visible only through Reload, never to a live
// Snapshot.
type Store struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	data     *rdf.Dataset
	revision atomic.Uint64
	dirty    atomic.Bool
	files    []string
}

// NewStore creates a store over dir. Load must be called before Snapshot.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the graph directory.
func (s *Store) Dir() string { return s.dir }

// Load reads every .ttl file under the graph directory into a fresh dataset
// and bumps the revision. A malformed file fails the whole load.
func (s *Store) Load(ctx context.Context) error {
	var files []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".ttl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return model.Ef(model.KindLoad, "scan graph directory", "walk %s: %w", s.dir, err)
	}
	sort.Strings(files)

	data := rdf.NewDataset()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return model.E(model.KindOf(err, model.KindCancelled), "load graph", err)
		}
		f, err := os.Open(path)
		if err != nil {
			return model.Ef(model.KindLoad, "open graph file", "open %s: %w", path, err)
		}
		triples, err := rdf.DecodeTurtle(f)
		f.Close()
		if err != nil {
			return model.Ef(model.KindLoad, "parse graph file", "parse %s: %w", path, err)
		}
		data.AddAll(triples)
	}

	s.mu.Lock()
	s.data = data
	s.files = files
	s.mu.Unlock()
	rev := s.revision.Add(1)
	s.dirty.Store(false)

	s.logger.Info("Loaded graph",
		slog.String("dir", s.dir),
		slog.Int("files", len(files)),
		slog.Int("triples", data.Len()),
		slog.Uint64("revision", rev))
	return nil
}

// MarkDirty flags the store for reload; the watcher calls this on file
// events.
func (s *Store) MarkDirty() { s.dirty.Store(true) }

// ReloadIfDirty reloads the graph when a file change has been observed
// since the last load. Called between evaluate calls, never during one.
func (s *Store) ReloadIfDirty(ctx context.Context) error {
	if !s.dirty.Load() {
		return nil
	}
	return s.Load(ctx)
}

// Revision returns the current graph revision.
func (s *Store) Revision() uint64 { return s.revision.Load() }

// Snapshot returns an immutable view of the current graph. The view stays
// consistent for its lifetime even if the store reloads underneath it.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, model.Ef(model.KindLoad, "snapshot graph", "graph not loaded")
	}
	return &Snapshot{data: s.data, revision: s.revision.Load()}, nil
}

// Files returns the paths loaded at the last Load.
func (s *Store) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.files...)
}

// Snapshot is a read-only view of the graph at one revision. The underlying
// dataset is never mutated after Load, so sharing it is safe.
type Snapshot struct {
	data     *rdf.Dataset
	revision uint64
}

// Revision identifies the graph state this snapshot was taken at.
func (v *Snapshot) Revision() uint64 { return v.revision }

// Len returns the number of triples in the view.
func (v *Snapshot) Len() int { return v.data.Len() }

// Dataset exposes the underlying dataset for hook definition parsing.
func (v *Snapshot) Dataset() *rdf.Dataset { return v.data }

// Ask evaluates a SPARQL ASK query.
func (v *Snapshot) Ask(query string) (bool, error) {
	ok, err := rdf.Ask(v.data, query)
	if err != nil {
		return false, model.E(model.KindPredicate, "evaluate ASK", err)
	}
	return ok, nil
}

// Select evaluates a SPARQL SELECT query with deterministic row order.
func (v *Snapshot) Select(query string) (*rdf.SelectResult, error) {
	res, err := rdf.Select(v.data, query)
	if err != nil {
		return nil, model.E(model.KindPredicate, "evaluate SELECT", err)
	}
	return res, nil
}

// Construct evaluates a SPARQL CONSTRUCT query.
func (v *Snapshot) Construct(query string) ([]knakk.Triple, error) {
	triples, err := rdf.Construct(v.data, query)
	if err != nil {
		return nil, model.E(model.KindPredicate, "evaluate CONSTRUCT", err)
	}
	return triples, nil
}

// Describe returns every triple whose subject is iri.
func (v *Snapshot) Describe(iri string) ([]knakk.Triple, error) {
	triples, err := rdf.Describe(v.data, iri)
	if err != nil {
		return nil, model.E(model.KindPredicate, "evaluate DESCRIBE", err)
	}
	return triples, nil
}

// Validate runs SHACL validation of the view against shapes in the same
// graph. shapeIRI selects one shape ("" validates all); scopeIRI restricts
// the focus to one node.
func (v *Snapshot) Validate(shapeIRI, scopeIRI string) (*rdf.ValidationReport, error) {
	report, err := rdf.Validate(v.data, v.data, shapeIRI, scopeIRI)
	if err != nil {
		return nil, model.E(model.KindPredicate, "validate shapes", err)
	}
	return report, nil
}
