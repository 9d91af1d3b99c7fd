package gitio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semhooks/model"
)

// LockMode selects between exclusive and shared acquisition.
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

const (
	locksPrefix  = "refs/locks/"
	lockPollStep = 50 * time.Millisecond
)

// holderInfo is the JSON payload stored in the lock ref's blob.
type holderInfo struct {
	Holder     string   `json:"holder"`
	Mode       LockMode `json:"mode"`
	AcquiredAt string   `json:"acquiredAt"`
	ExpiresAt  string   `json:"expiresAt"`
}

// LockOptions tunes a single acquisition. Zero values fall back to the
// manager defaults and exclusive mode.
type LockOptions struct {
	Mode    LockMode
	Timeout time.Duration
	TTL     time.Duration
}

// LockManager provides named advisory locks backed by Git refs. An exclusive
// lock holds refs/locks/<name>/exclusive; shared holders each hold a ref
// under refs/locks/<name>/shared/. Atomic ref creation is the mutual
// exclusion primitive; expired locks are reclaimed by any acquirer.
type LockManager struct {
	runner         *Runner
	logger         *slog.Logger
	holderID       string
	defaultTTL     time.Duration
	acquireTimeout time.Duration
}

// NewLockManager creates a lock manager with a fresh holder identity.
func NewLockManager(runner *Runner, defaultTTL, acquireTimeout time.Duration, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		runner:         runner,
		logger:         logger,
		holderID:       uuid.NewString(),
		defaultTTL:     defaultTTL,
		acquireTimeout: acquireTimeout,
	}
}

// Lock is a held advisory lock. Release is idempotent.
type Lock struct {
	Name string
	Mode LockMode

	ref      string
	sha      string
	manager  *LockManager
	released atomic.Bool
}

// Acquire takes the named lock, waiting up to the acquisition timeout.
// Failure to acquire within the timeout returns a LOCK_UNAVAILABLE error.
func (m *LockManager) Acquire(ctx context.Context, name string, opts LockOptions) (*Lock, error) {
	mode := opts.Mode
	if mode == "" {
		mode = LockExclusive
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	deadline := time.Now().Add(timeout)
	for {
		lock, err := m.tryAcquire(ctx, name, mode, ttl)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			m.logger.Debug("Acquired lock",
				slog.String("name", name),
				slog.String("mode", string(mode)))
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, model.Ef(model.KindLockUnavailable, "acquire lock",
				"lock %s not acquired within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, model.E(model.KindOf(ctx.Err(), model.KindCancelled), "acquire lock", ctx.Err())
		case <-time.After(lockPollStep):
		}
	}
}

// tryAcquire makes one acquisition attempt. A nil lock with nil error means
// the lock is contended and the caller should retry.
func (m *LockManager) tryAcquire(ctx context.Context, name string, mode LockMode, ttl time.Duration) (*Lock, error) {
	base := locksPrefix + name
	exclusiveRef := base + "/exclusive"

	if err := m.reclaimExpired(ctx, base); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	info := holderInfo{
		Holder:     m.holderID,
		Mode:       mode,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, model.E(model.KindInternal, "encode lock holder", err)
	}

	switch mode {
	case LockShared:
		// A live exclusive holder blocks shared acquisition.
		if _, held, err := m.runner.ResolveRef(ctx, exclusiveRef); err != nil {
			return nil, err
		} else if held {
			return nil, nil
		}
		sha, err := m.runner.HashObject(ctx, payload)
		if err != nil {
			return nil, err
		}
		ref := base + "/shared/" + m.holderID + "-" + uuid.NewString()[:8]
		if err := m.runner.CreateRef(ctx, ref, sha); err != nil {
			return nil, nil
		}
		// An exclusive holder may have raced in; back out if so.
		if _, held, err := m.runner.ResolveRef(ctx, exclusiveRef); err != nil {
			_ = m.runner.DeleteRef(ctx, ref, sha)
			return nil, err
		} else if held {
			_ = m.runner.DeleteRef(ctx, ref, sha)
			return nil, nil
		}
		return &Lock{Name: name, Mode: mode, ref: ref, sha: sha, manager: m}, nil

	default:
		// Exclusive waits for shared holders to drain after claiming the
		// exclusive ref, which also blocks new shared acquirers.
		shared, err := m.runner.ListRefs(ctx, base+"/shared/")
		if err != nil {
			return nil, err
		}
		if len(shared) > 0 {
			return nil, nil
		}
		sha, err := m.runner.HashObject(ctx, payload)
		if err != nil {
			return nil, err
		}
		if err := m.runner.CreateRef(ctx, exclusiveRef, sha); err != nil {
			return nil, nil
		}
		shared, err = m.runner.ListRefs(ctx, base+"/shared/")
		if err != nil {
			_ = m.runner.DeleteRef(ctx, exclusiveRef, sha)
			return nil, err
		}
		if len(shared) > 0 {
			_ = m.runner.DeleteRef(ctx, exclusiveRef, sha)
			return nil, nil
		}
		return &Lock{Name: name, Mode: LockExclusive, ref: exclusiveRef, sha: sha, manager: m}, nil
	}
}

// reclaimExpired deletes every lock ref under base whose TTL has lapsed.
func (m *LockManager) reclaimExpired(ctx context.Context, base string) error {
	refs, err := m.runner.ListRefs(ctx, base+"/")
	if err != nil {
		return err
	}
	for ref, sha := range refs {
		payload, err := m.runner.CatBlob(ctx, sha)
		if err != nil {
			continue
		}
		var info holderInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			continue
		}
		expiry, err := time.Parse(time.RFC3339, info.ExpiresAt)
		if err != nil || time.Now().Before(expiry) {
			continue
		}
		if err := m.runner.DeleteRef(ctx, ref, sha); err == nil {
			m.logger.Warn("Reclaimed expired lock",
				slog.String("ref", ref),
				slog.String("holder", info.Holder))
		}
	}
	return nil
}

// Release drops the lock. It is safe to call more than once; only the first
// call touches the repository.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.manager.runner.DeleteRef(ctx, l.ref, l.sha); err != nil {
		return fmt.Errorf("release lock %s: %w", l.Name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock. The lock is released on
// every exit path: normal return, error, panic, and context cancellation.
func (m *LockManager) WithLock(ctx context.Context, name string, opts LockOptions, fn func(ctx context.Context) error) error {
	lock, err := m.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}
	defer func() {
		// Release must proceed even when ctx was cancelled mid-fn.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			m.logger.Error("Failed to release lock",
				slog.String("name", name),
				slog.String("error", err.Error()))
		}
	}()
	return fn(ctx)
}

// Sweep reclaims every expired lock in the repository and returns how many
// live locks remain.
func (m *LockManager) Sweep(ctx context.Context) (int, error) {
	if err := m.reclaimExpired(ctx, strings.TrimSuffix(locksPrefix, "/")); err != nil {
		return 0, err
	}
	refs, err := m.runner.ListRefs(ctx, locksPrefix)
	if err != nil {
		return 0, err
	}
	return len(refs), nil
}
