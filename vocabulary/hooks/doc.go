// Package hooks defines the IRI vocabulary for declaring knowledge hooks in
// Turtle. A hook is an RDF resource typed kh:Hook carrying a predicate, an
// ordered list of pipelines, and optional signal and file-glob filters.
//
// Ordering inside pipelines uses kh:order integers rather than RDF
// collections, and step dependencies are declared by name with kh:dependsOn,
// which keeps hook files easy to write by hand and easy to diff.
package hooks
