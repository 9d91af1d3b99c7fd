package graph

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semhooks/model"
)

func writeGraphFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadAndQuery(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, dir, "data.ttl", `
@prefix ex: <http://example.org/> .
ex:a ex:active true .
ex:b ex:count 7 .
`)

	store := NewStore(dir, nil)
	require.NoError(t, store.Load(context.Background()))
	assert.Equal(t, uint64(1), store.Revision())

	snap, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())

	ok, err := snap.Ask(`PREFIX ex: <http://example.org/> ASK { ex:a ex:active true }`)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := snap.Select(`PREFIX ex: <http://example.org/> SELECT ?n WHERE { ?s ex:count ?n }`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestLoadMalformedTurtle(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, dir, "bad.ttl", "this is not turtle @@@")

	store := NewStore(dir, nil)
	err := store.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.KindLoad, model.KindOf(err, model.KindInternal))
}

func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, dir, "data.ttl", `
@prefix ex: <http://example.org/> .
ex:a ex:active true .
`)

	store := NewStore(dir, nil)
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))

	snap, err := store.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Revision())

	// Mutate the directory and reload; the old snapshot must not change.
	writeGraphFile(t, dir, "more.ttl", `
@prefix ex: <http://example.org/> .
ex:c ex:active false .
`)
	store.MarkDirty()
	require.NoError(t, store.ReloadIfDirty(ctx))
	assert.Equal(t, uint64(2), store.Revision())
	assert.Equal(t, 1, snap.Len())

	fresh, err := store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Revision())
	assert.Equal(t, 2, fresh.Len())
}

func TestReloadIfDirtyNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, dir, "data.ttl", `
@prefix ex: <http://example.org/> .
ex:a ex:active true .
`)

	store := NewStore(dir, nil)
	ctx := context.Background()
	require.NoError(t, store.Load(ctx))
	rev := store.Revision()

	require.NoError(t, store.ReloadIfDirty(ctx))
	assert.Equal(t, rev, store.Revision())
}

func TestSnapshotBeforeLoadFails(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	_, err := store.Snapshot()
	assert.Error(t, err)
}

func TestValidateThroughSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, dir, "shapes.ttl", `
@prefix sh: <http://www.w3.org/ns/shacl#> .
@prefix ex: <http://example.org/> .
ex:ThingShape a sh:NodeShape ;
    sh:targetClass ex:Thing ;
    sh:property [ sh:path ex:label ; sh:minCount 1 ] .
`)
	writeGraphFile(t, dir, "data.ttl", `
@prefix ex: <http://example.org/> .
ex:t1 a ex:Thing .
`)

	store := NewStore(dir, nil)
	require.NoError(t, store.Load(context.Background()))
	snap, err := store.Snapshot()
	require.NoError(t, err)

	report, err := snap.Validate("", "")
	require.NoError(t, err)
	assert.False(t, report.Conforms)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "minCount", report.Violations[0].Constraint)
}
