package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the aggregate outcome of one hook invocation.
type Status string

const (
	StatusOK    Status = "OK"
	StatusSkip  Status = "SKIP"
	StatusError Status = "ERROR"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepOK         StepStatus = "OK"
	StepError      StepStatus = "ERROR"
	StepTimeout    StepStatus = "TIMEOUT"
	StepCancelled  StepStatus = "CANCELLED"
	StepSkippedDep StepStatus = "SKIPPED_DEP"
)

// StepResult records the execution of a single step. Field order is fixed so
// the receipt's content hash is reproducible for identical inputs.
type StepResult struct {
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	DurationMs int64      `json:"durationMs"`
	Attempts   int        `json:"attempts,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	HTTPStatus int        `json:"httpStatus,omitempty"`
	OutputHash string     `json:"outputHash,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  Kind       `json:"errorKind,omitempty"`
}

// Receipt is the canonical record of one hook invocation. ContentHash is the
// SHA-256 of the canonical JSON with the contentHash field itself empty; it
// doubles as the dedup key inside a commit's note payload.
type Receipt struct {
	HookID           string       `json:"hookId"`
	RunID            string       `json:"runId"`
	PipelineID       string       `json:"pipelineId,omitempty"`
	Status           Status       `json:"status"`
	StartedAt        time.Time    `json:"startedAt"`
	FinishedAt       time.Time    `json:"finishedAt"`
	DurationMs       int64        `json:"durationMs"`
	Steps            []StepResult `json:"steps"`
	Signal           string       `json:"signal"`
	HeadSHA          string       `json:"headSha"`
	IdempotencyKey   string       `json:"idempotencyKey,omitempty"`
	Error            string       `json:"error,omitempty"`
	ErrorKind        Kind         `json:"errorKind,omitempty"`
	OverflowSnapshot string       `json:"overflowSnapshot,omitempty"`
	ContentHash      string       `json:"contentHash"`
}

// Seal normalises timestamps to millisecond-precision UTC and computes
// ContentHash. It must be called exactly once, after the receipt is complete.
func (r *Receipt) Seal() error {
	r.StartedAt = r.StartedAt.UTC().Truncate(time.Millisecond)
	r.FinishedAt = r.FinishedAt.UTC().Truncate(time.Millisecond)
	for i := range r.Steps {
		r.Steps[i].StartedAt = r.Steps[i].StartedAt.UTC().Truncate(time.Millisecond)
		r.Steps[i].FinishedAt = r.Steps[i].FinishedAt.UTC().Truncate(time.Millisecond)
	}
	r.ContentHash = ""
	canonical, err := CanonicalJSON(r)
	if err != nil {
		return fmt.Errorf("canonicalise receipt: %w", err)
	}
	r.ContentHash = SHA256Hex(canonical)
	return nil
}

// Verify recomputes the content hash and reports whether it matches.
func (r *Receipt) Verify() (bool, error) {
	clone := *r
	clone.Steps = append([]StepResult(nil), r.Steps...)
	if err := clone.Seal(); err != nil {
		return false, err
	}
	return clone.ContentHash == r.ContentHash, nil
}

// CanonicalLine renders the receipt as one canonical JSON line for the
// commit's note payload.
func (r *Receipt) CanonicalLine() ([]byte, error) {
	if r.ContentHash == "" {
		return nil, fmt.Errorf("receipt %s/%s not sealed", r.HookID, r.RunID)
	}
	return CanonicalJSON(r)
}

// DecodeReceipts parses a JSONL note payload into receipts. Blank lines are
// ignored; a malformed line fails the whole decode so corruption is loud.
func DecodeReceipts(payload []byte) ([]Receipt, error) {
	var out []Receipt
	sc := bufio.NewScanner(bytes.NewReader(payload))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r Receipt
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("parse receipt line %d: %w", line, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan receipt payload: %w", err)
	}
	return out, nil
}

// IdempotencyKey derives the dedup key for a hook invocation. Wall-clock time
// is deliberately excluded so re-runs over identical state are no-ops.
func IdempotencyKey(hookID, signal, headSHA string, graphRevision uint64, resultDigest string) string {
	return SHA256Hex(fmt.Appendf(nil, "%s|%s|%s|%d|%s", hookID, signal, headSHA, graphRevision, resultDigest))
}
