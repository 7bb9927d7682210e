package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/domain"
)

func TestMemoryStore_AppendChainsSequentially(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	r1, err := store.Append(ctx, "a1", "CLM-2026-000000001", map[string]any{"x": 1})
	require.NoError(t, err)
	r2, err := store.Append(ctx, "a2", "CLM-2026-000000002", map[string]any{"x": 2})
	require.NoError(t, err)

	assert.Equal(t, int64(0), r1.SequenceNumber)
	assert.Equal(t, int64(1), r2.SequenceNumber)
	assert.Equal(t, r1.ChainHash, r2.PreviousHash)

	broken, err := store.Verify(ctx, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestMemoryStore_VerifyDetectsTamperedContent(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	_, err := store.Append(ctx, "a1", "CLM-2026-000000001", map[string]any{"x": 1})
	require.NoError(t, err)

	store.records[0].Snapshot["x"] = 999 // tamper after the fact

	broken, err := store.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, broken)
	assert.Equal(t, domain.BrokenLinkContentMismatch, broken[0].Reason)
}

func TestMemoryStore_UnhealthyRejectsAppend(t *testing.T) {
	store := NewMemoryStore(nil)
	store.SetHealthy(false)
	_, err := store.Append(context.Background(), "a1", "CLM-2026-000000001", nil)
	assert.Error(t, err)
}
