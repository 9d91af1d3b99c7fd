package gitio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/c360studio/semhooks/model"
)

const (
	snapshotsNotesRef = "snapshots-index"
	snapshotsLockName = "snapshots-index"
)

// SnapshotEntry is one row of the snapshot index: a key, the content hash of
// the stored value, and the blob holding the (possibly compressed) bytes.
type SnapshotEntry struct {
	Key        string            `json:"key"`
	Hash       string            `json:"hash"`
	Blob       string            `json:"blob"`
	Size       int               `json:"size"`
	Compressed bool              `json:"compressed,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// SnapshotStore is a content-addressed blob store over the Git object
// database. Values are SHA-256 addressed; the key→hash→blob index lives in a
// JSONL note attached to the empty tree under refs/notes/snapshots-index, so
// it travels with the repository like any other note. Index mutations happen
// under the snapshots-index lock so concurrent processes (a daemon plus
// git-hook invocations) never overwrite each other's appends.
type SnapshotStore struct {
	runner       *Runner
	locks        *LockManager
	logger       *slog.Logger
	compressOver int

	mu     sync.Mutex
	stored atomic.Int64
}

// NewSnapshotStore creates a snapshot store. Values larger than compressOver
// bytes are gzip-compressed before being written as blobs.
func NewSnapshotStore(runner *Runner, locks *LockManager, compressOver int, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{runner: runner, locks: locks, logger: logger, compressOver: compressOver}
}

// Put stores value under key and returns its content hash. Repeated puts of
// the same (key, value) are idempotent and return the same hash without
// writing anything.
func (s *SnapshotStore) Put(ctx context.Context, key string, value []byte, meta map[string]string) (string, error) {
	hash := model.SHA256Hex(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	wrote := false
	err := s.locks.WithLock(ctx, snapshotsLockName, LockOptions{}, func(ctx context.Context) error {
		entries, err := s.readIndex(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Key == key && e.Hash == hash {
				return nil
			}
		}

		stored := value
		compressed := false
		if s.compressOver > 0 && len(value) > s.compressOver {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(value); err != nil {
				return model.E(model.KindIO, "compress snapshot", err)
			}
			if err := gz.Close(); err != nil {
				return model.E(model.KindIO, "compress snapshot", err)
			}
			stored = buf.Bytes()
			compressed = true
		}

		blob, err := s.runner.HashObject(ctx, stored)
		if err != nil {
			return err
		}

		entries = append(entries, SnapshotEntry{
			Key:        key,
			Hash:       hash,
			Blob:       blob,
			Size:       len(value),
			Compressed: compressed,
			Meta:       meta,
			CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		})
		if err := s.writeIndex(ctx, entries); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil {
		return "", err
	}
	if wrote {
		s.stored.Add(1)
		s.logger.Debug("Stored snapshot",
			slog.String("key", key),
			slog.String("hash", hash[:12]),
			slog.Int("size", len(value)))
	}
	return hash, nil
}

// Get returns the stored value for (key, hash), verifying the content hash
// on the way out.
func (s *SnapshotStore) Get(ctx context.Context, key, hash string) ([]byte, map[string]string, error) {
	s.mu.Lock()
	entries, err := s.readIndex(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.Key != key || e.Hash != hash {
			continue
		}
		raw, err := s.runner.CatBlob(ctx, e.Blob)
		if err != nil {
			return nil, nil, err
		}
		if e.Compressed {
			gz, err := gzip.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, nil, model.E(model.KindIO, "decompress snapshot", err)
			}
			raw, err = io.ReadAll(gz)
			if err != nil {
				return nil, nil, model.E(model.KindIO, "decompress snapshot", err)
			}
		}
		if got := model.SHA256Hex(raw); got != hash {
			return nil, nil, model.Ef(model.KindInternal, "verify snapshot",
				"snapshot %s hash mismatch: stored %s, computed %s", key, hash, got)
		}
		return raw, e.Meta, nil
	}
	return nil, nil, model.Ef(model.KindIO, "read snapshot", "snapshot %s@%s not found", key, hash)
}

// Exists reports whether (key, hash) is present in the index.
func (s *SnapshotStore) Exists(ctx context.Context, key, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readIndex(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Key == key && e.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

// Latest returns the hash of the most recently stored value for key. The
// second return is false when the key has never been written.
func (s *SnapshotStore) Latest(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readIndex(ctx)
	if err != nil {
		return "", false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Key == key {
			return entries[i].Hash, true, nil
		}
	}
	return "", false, nil
}

// List enumerates index entries whose key starts with prefix. An empty
// prefix lists everything.
func (s *SnapshotStore) List(ctx context.Context, prefix string) ([]SnapshotEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	var out []SnapshotEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune drops index entries older than maxAge, keeping the newest entry per
// key so delta predicates retain their prior state. Entries whose hash
// appears in referenced are always kept. Returns the number of entries
// removed; the blobs themselves are left to git gc.
func (s *SnapshotStore) Prune(ctx context.Context, maxAge time.Duration, referenced map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.locks.WithLock(ctx, snapshotsLockName, LockOptions{}, func(ctx context.Context) error {
		entries, err := s.readIndex(ctx)
		if err != nil {
			return err
		}

		newestPerKey := make(map[string]int)
		for i, e := range entries {
			newestPerKey[e.Key] = i
		}

		cutoff := time.Now().Add(-maxAge)
		var kept []SnapshotEntry
		for i, e := range entries {
			keep := newestPerKey[e.Key] == i ||
				e.CreatedAt.After(cutoff) ||
				referenced[e.Hash]
			if keep {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		if err := s.writeIndex(ctx, kept); err != nil {
			return err
		}
		s.logger.Info("Pruned snapshots", slog.Int("removed", removed), slog.Int("kept", len(kept)))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Status returns runtime counters for the facade's status report.
func (s *SnapshotStore) Status(ctx context.Context) model.SnapshotStatus {
	keys := 0
	s.mu.Lock()
	if entries, err := s.readIndex(ctx); err == nil {
		seen := make(map[string]bool)
		for _, e := range entries {
			seen[e.Key] = true
		}
		keys = len(seen)
	}
	s.mu.Unlock()
	return model.SnapshotStatus{Stored: s.stored.Load(), Keys: keys}
}

func (s *SnapshotStore) readIndex(ctx context.Context) ([]SnapshotEntry, error) {
	payload, ok, err := s.runner.NoteShow(ctx, snapshotsNotesRef, EmptyTree)
	if err != nil || !ok {
		return nil, err
	}
	var entries []SnapshotEntry
	for i, line := range bytes.Split(payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e SnapshotEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, model.Ef(model.KindIO, "parse snapshot index", "line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *SnapshotStore) writeIndex(ctx context.Context, entries []SnapshotEntry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return model.E(model.KindInternal, "encode snapshot index", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.runner.NoteSet(ctx, snapshotsNotesRef, EmptyTree, buf.Bytes()); err != nil {
		return fmt.Errorf("persist snapshot index: %w", err)
	}
	return nil
}
