package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealProducesStableHash(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func() Receipt {
		return Receipt{
			HookID:     "hook-1",
			RunID:      "run-1",
			PipelineID: "pipe-1",
			Status:     StatusOK,
			StartedAt:  now,
			FinishedAt: now.Add(120 * time.Millisecond),
			DurationMs: 120,
			Steps: []StepResult{
				{Name: "s1", Kind: "cli", Status: StepOK, StartedAt: now, FinishedAt: now},
			},
			Signal:  "post-commit",
			HeadSHA: "abc123",
		}
	}

	a, b := mk(), mk()
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())

	assert.NotEmpty(t, a.ContentHash)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	ok, err := a.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSealSensitiveToContent(t *testing.T) {
	now := time.Now()
	a := Receipt{HookID: "h", RunID: "r", Status: StatusOK, StartedAt: now, FinishedAt: now}
	b := Receipt{HookID: "h", RunID: "r", Status: StatusError, StartedAt: now, FinishedAt: now}
	require.NoError(t, a.Seal())
	require.NoError(t, b.Seal())
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestVerifyDetectsTampering(t *testing.T) {
	now := time.Now()
	r := Receipt{HookID: "h", RunID: "r", Status: StatusOK, StartedAt: now, FinishedAt: now}
	require.NoError(t, r.Seal())

	r.Status = StatusError
	ok, err := r.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanonicalLineRoundTrip(t *testing.T) {
	now := time.Now()
	r := Receipt{HookID: "h", RunID: "r", Status: StatusOK, StartedAt: now, FinishedAt: now, Signal: "post-commit", HeadSHA: "deadbeef"}
	require.NoError(t, r.Seal())

	line, err := r.CanonicalLine()
	require.NoError(t, err)
	assert.False(t, strings.ContainsRune(string(line), '\n'))

	payload := string(line) + "\n" + string(line) + "\n"
	decoded, err := DecodeReceipts([]byte(payload))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, r.ContentHash, decoded[0].ContentHash)
	assert.Equal(t, "post-commit", decoded[1].Signal)
}

func TestCanonicalLineRequiresSeal(t *testing.T) {
	r := Receipt{HookID: "h", RunID: "r"}
	_, err := r.CanonicalLine()
	assert.Error(t, err)
}

func TestIdempotencyKeyExcludesTime(t *testing.T) {
	k1 := IdempotencyKey("h", "post-commit", "abc", 7, "true")
	k2 := IdempotencyKey("h", "post-commit", "abc", 7, "true")
	k3 := IdempotencyKey("h", "post-commit", "abc", 8, "true")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	b, err := CanonicalJSON(map[string]any{"zeta": 1, "alpha": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"zeta":1}`, string(b))
}
