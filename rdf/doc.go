// Package rdf provides the in-memory RDF dataset the engine evaluates hooks
// against: an indexed triple store over knakk/rdf terms, a SPARQL-subset
// query engine for ASK/SELECT/CONSTRUCT/DESCRIBE, and a SHACL-core
// validator.
//
// The query engine deliberately implements a documented subset: PREFIX
// declarations, basic graph patterns (with ';' and ',' continuation and 'a'
// for rdf:type), FILTER with comparison operators, regex() and '&&'
// conjunction, DISTINCT, ORDER BY, LIMIT and OFFSET. Queries using
// OPTIONAL, UNION, property paths or other constructs outside the subset
// fail at parse time with an error naming the unsupported keyword.
//
// Result rows are deterministic: ORDER BY applies when present, otherwise
// rows sort by a stable key over variable names and term serializations so
// that result digests are reproducible.
package rdf
