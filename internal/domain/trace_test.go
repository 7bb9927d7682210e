package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionTrace_LockIdempotent(t *testing.T) {
	tr := NewDecisionTrace("trace-1", "corr-1")
	require.NoError(t, tr.Stage("rules", time.Now(), "OK", ""))

	h1, err := tr.Lock()
	require.NoError(t, err)
	assert.NotEmpty(t, h1)

	h2, err := tr.Lock()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestDecisionTrace_WritesRejectedAfterLock(t *testing.T) {
	tr := NewDecisionTrace("trace-1", "corr-1")
	_, err := tr.Lock()
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Stage("synthesis", time.Now(), "OK", ""), ErrTraceLocked)
	assert.ErrorIs(t, tr.Decide("AUTO_APPROVE", "low risk", nil, time.Now()), ErrTraceLocked)
}

func TestDecisionTrace_HashStableAcrossSnapshotCalls(t *testing.T) {
	tr := NewDecisionTrace("trace-1", "corr-1")
	require.NoError(t, tr.Stage("rules", time.Now(), "OK", ""))
	require.NoError(t, tr.Decide("MANUAL_REVIEW", "flagged", map[string]any{"rule": "DUP-001"}, time.Now()))

	hash, err := tr.Lock()
	require.NoError(t, err)

	snap := tr.Snapshot()
	assert.True(t, snap.Locked)
	assert.Equal(t, hash, snap.IntegrityHash)
	assert.Len(t, snap.Stages, 1)
	assert.Len(t, snap.Decisions, 1)
}

func TestDecisionTrace_UnlockedSnapshotHasNoHash(t *testing.T) {
	tr := NewDecisionTrace("trace-1", "corr-1")
	snap := tr.Snapshot()
	assert.False(t, snap.Locked)
	assert.Empty(t, snap.IntegrityHash)
}
