package orchestrator

import (
	"context"
	"strings"
	"time"
)

// PruneSnapshots removes snapshot entries older than maxAge, keeping the
// newest entry per key and anything a persisted receipt still references.
func (o *Orchestrator) PruneSnapshots(ctx context.Context, maxAge time.Duration) (int, error) {
	receipts, err := o.io.Receipts().ListAll(ctx)
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]bool)
	for _, r := range receipts {
		if r.OverflowSnapshot != "" {
			referenced[r.OverflowSnapshot] = true
		}
		for _, step := range r.Steps {
			if hash, ok := snapshotRef(step.Output); ok {
				referenced[hash] = true
			}
		}
	}
	return o.io.Snapshots().Prune(ctx, maxAge, referenced)
}

// snapshotRef extracts the content hash from a "snapshot:<key>@<hash>"
// step output reference. Prune keeps entries by hash, the same way
// OverflowSnapshot references are protected.
func snapshotRef(output string) (string, bool) {
	rest, ok := strings.CutPrefix(output, "snapshot:")
	if !ok {
		return "", false
	}
	_, hash, ok := strings.Cut(rest, "@")
	if !ok || hash == "" {
		return "", false
	}
	return hash, true
}

// SweepLocks removes expired lock refs left behind by crashed holders.
func (o *Orchestrator) SweepLocks(ctx context.Context) (int, error) {
	return o.io.Locks().Sweep(ctx)
}
