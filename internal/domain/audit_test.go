package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(t *testing.T, n int) []AuditRecord {
	t.Helper()
	records := make([]AuditRecord, 0, n)
	var prevHash string
	for i := 0; i < n; i++ {
		rec := AuditRecord{
			RecordID:       "rec-" + string(rune('a'+i)),
			SequenceNumber: int64(i),
			AnalysisID:     "analysis-1",
			ClaimID:        "CLM-2026-000000001",
			Timestamp:      time.Now(),
			Snapshot:       map[string]any{"n": i},
			PreviousHash:   prevHash,
		}
		contentHash, err := rec.ComputeContentHash()
		require.NoError(t, err)
		rec.ContentHash = contentHash
		rec.ChainHash = ComputeChainHash(contentHash, prevHash)
		records = append(records, rec)
		prevHash = rec.ChainHash
	}
	return records
}

func TestVerifyChain_Clean(t *testing.T) {
	records := buildChain(t, 5)
	broken, err := VerifyChain(records)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestVerifyChain_SequenceGap(t *testing.T) {
	records := buildChain(t, 3)
	records[2].SequenceNumber = 5
	broken, err := VerifyChain(records)
	require.NoError(t, err)
	require.NotEmpty(t, broken)
	assert.Equal(t, BrokenLinkGap, broken[0].Reason)
}

func TestVerifyChain_ContentTamper(t *testing.T) {
	records := buildChain(t, 3)
	records[1].Snapshot = map[string]any{"tampered": true}
	broken, err := VerifyChain(records)
	require.NoError(t, err)
	require.NotEmpty(t, broken)
	found := false
	for _, b := range broken {
		if b.Reason == BrokenLinkContentMismatch && b.SequenceNumber == 1 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVerifyChain_PreviousHashTamper(t *testing.T) {
	records := buildChain(t, 3)
	records[2].PreviousHash = "deadbeef"
	broken, err := VerifyChain(records)
	require.NoError(t, err)
	found := false
	for _, b := range broken {
		if b.Reason == BrokenLinkPreviousMismatch && b.SequenceNumber == 2 {
			found = true
		}
	}
	assert.True(t, found)
}
