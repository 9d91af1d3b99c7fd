package gitio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semhooks/model"
)

const (
	receiptsNotesRef = "receipts"
	receiptsLockName = "receipts"

	// maxReceiptLineBytes caps a single receipt line in a note payload.
	// Larger receipts have their step outputs moved to a gzip snapshot
	// under receipt-overflow/<runId> and a trimmed line written instead.
	maxReceiptLineBytes = 64 * 1024
)

// ReceiptWriter batches receipts and appends them to Git notes under
// refs/notes/receipts, one JSONL payload per commit. The read-modify-write
// of a note happens under the receipts lock so concurrent writers (or other
// processes) never clobber each other.
type ReceiptWriter struct {
	runner    *Runner
	locks     *LockManager
	snapshots *SnapshotStore
	logger    *slog.Logger

	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []pendingReceipt
	written atomic.Int64
}

type pendingReceipt struct {
	commit  string
	receipt model.Receipt
}

// NewReceiptWriter creates a batched receipt writer.
func NewReceiptWriter(runner *Runner, locks *LockManager, snapshots *SnapshotStore, batchSize int, flushInterval time.Duration, logger *slog.Logger) *ReceiptWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptWriter{
		runner:        runner,
		locks:         locks,
		snapshots:     snapshots,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Append buffers a sealed receipt for the given commit. The buffer is
// flushed synchronously once it reaches the batch size.
func (w *ReceiptWriter) Append(ctx context.Context, commit string, receipt model.Receipt) error {
	if receipt.ContentHash == "" {
		return model.Ef(model.KindInternal, "append receipt",
			"receipt %s/%s is not sealed", receipt.HookID, receipt.RunID)
	}
	if !w.runner.CommitExists(ctx, commit) {
		return model.Ef(model.KindIO, "append receipt",
			"commit %s does not exist", commit)
	}

	w.mu.Lock()
	w.pending = append(w.pending, pendingReceipt{commit: commit, receipt: receipt})
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer and commits every pending receipt to notes.
func (w *ReceiptWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byCommit := make(map[string][]model.Receipt)
	var order []string
	for _, p := range pending {
		if _, seen := byCommit[p.commit]; !seen {
			order = append(order, p.commit)
		}
		byCommit[p.commit] = append(byCommit[p.commit], p.receipt)
	}

	for _, commit := range order {
		if err := w.flushCommit(ctx, commit, byCommit[commit]); err != nil {
			// Requeue the unwritten receipts so a later flush retries them.
			w.mu.Lock()
			for _, r := range byCommit[commit] {
				w.pending = append(w.pending, pendingReceipt{commit: commit, receipt: r})
			}
			w.mu.Unlock()
			return fmt.Errorf("flush receipts for %s: %w", commit, err)
		}
	}
	return nil
}

func (w *ReceiptWriter) flushCommit(ctx context.Context, commit string, receipts []model.Receipt) error {
	return w.locks.WithLock(ctx, receiptsLockName, LockOptions{}, func(ctx context.Context) error {
		payload, _, err := w.runner.NoteShow(ctx, receiptsNotesRef, commit)
		if err != nil {
			return err
		}
		existing, err := model.DecodeReceipts(payload)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(existing))
		for _, r := range existing {
			have[r.ContentHash] = true
		}

		var buf bytes.Buffer
		buf.Write(bytes.TrimRight(payload, "\n"))
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}

		appended := 0
		for _, r := range receipts {
			if have[r.ContentHash] {
				continue
			}
			line, err := r.CanonicalLine()
			if err != nil {
				return err
			}
			if len(line) > maxReceiptLineBytes {
				line, err = w.overflow(ctx, r, line)
				if err != nil {
					return err
				}
			}
			have[r.ContentHash] = true
			buf.Write(line)
			buf.WriteByte('\n')
			appended++
		}
		if appended == 0 {
			return nil
		}
		if err := w.runner.NoteSet(ctx, receiptsNotesRef, commit, buf.Bytes()); err != nil {
			return err
		}
		w.written.Add(int64(appended))
		w.logger.Debug("Flushed receipts",
			slog.String("commit", commit[:12]),
			slog.Int("count", appended))
		return nil
	})
}

// overflow stores the full receipt as a snapshot and returns a trimmed
// replacement line with step outputs removed and OverflowSnapshot pointing
// at the stored copy.
func (w *ReceiptWriter) overflow(ctx context.Context, r model.Receipt, full []byte) ([]byte, error) {
	hash, err := w.snapshots.Put(ctx, "receipt-overflow/"+r.RunID, full, map[string]string{
		"hookId": r.HookID,
		"runId":  r.RunID,
	})
	if err != nil {
		return nil, fmt.Errorf("store overflow receipt: %w", err)
	}

	trimmed := r
	trimmed.Steps = append([]model.StepResult(nil), r.Steps...)
	for i := range trimmed.Steps {
		trimmed.Steps[i].Output = ""
	}
	trimmed.OverflowSnapshot = hash
	if err := trimmed.Seal(); err != nil {
		return nil, err
	}
	w.logger.Warn("Receipt exceeded note line limit, stored as snapshot",
		slog.String("runId", r.RunID),
		slog.Int("bytes", len(full)))
	return trimmed.CanonicalLine()
}

// HasIdempotencyKey reports whether a receipt carrying key is already
// recorded for commit, either flushed or still pending.
func (w *ReceiptWriter) HasIdempotencyKey(ctx context.Context, commit, key string) (bool, error) {
	w.mu.Lock()
	for _, p := range w.pending {
		if p.commit == commit && p.receipt.IdempotencyKey == key {
			w.mu.Unlock()
			return true, nil
		}
	}
	w.mu.Unlock()

	receipts, err := w.ListForCommit(ctx, commit)
	if err != nil {
		return false, err
	}
	for _, r := range receipts {
		if r.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

// ListForCommit returns the receipts recorded for one commit.
func (w *ReceiptWriter) ListForCommit(ctx context.Context, commit string) ([]model.Receipt, error) {
	payload, ok, err := w.runner.NoteShow(ctx, receiptsNotesRef, commit)
	if err != nil || !ok {
		return nil, err
	}
	return model.DecodeReceipts(payload)
}

// ListAll returns every recorded receipt across all commits.
func (w *ReceiptWriter) ListAll(ctx context.Context) ([]model.Receipt, error) {
	commits, err := w.runner.NoteList(ctx, receiptsNotesRef)
	if err != nil {
		return nil, err
	}
	var out []model.Receipt
	for _, commit := range commits {
		receipts, err := w.ListForCommit(ctx, commit)
		if err != nil {
			return nil, err
		}
		out = append(out, receipts...)
	}
	return out, nil
}

// Run flushes the buffer on a timer until ctx is cancelled, then performs a
// final drain.
func (w *ReceiptWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := w.Flush(drainCtx); err != nil {
				w.logger.Error("Final receipt flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.logger.Error("Receipt flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Status returns runtime counters for the facade's status report.
func (w *ReceiptWriter) Status() model.ReceiptStatus {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return model.ReceiptStatus{Pending: pending, Written: w.written.Load()}
}
