package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// MemoryStore is an in-process Writer used by tests and, when no database
// DSN is configured, as the development audit store. It
// enforces the same single-writer sequencing and hash-chain invariants as
// PGStore, just without durability across process restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	log     *logrus.Logger
	healthy bool
}

// NewMemoryStore constructs an empty, healthy MemoryStore.
func NewMemoryStore(log *logrus.Logger) *MemoryStore {
	return &MemoryStore{log: log, healthy: true}
}

// Append allocates the next sequence number, computes content_hash and
// chain_hash under the same lock that reads the previous chain hash, and
// appends the record.
func (m *MemoryStore) Append(ctx context.Context, analysisID, claimID string, snapshot map[string]any) (domain.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.healthy {
		err := domain.ErrChainBroken
		logAppend(m.log, domain.AuditRecord{AnalysisID: analysisID, ClaimID: claimID}, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}

	var seq int64
	var prevHash string
	if n := len(m.records); n > 0 {
		seq = m.records[n-1].SequenceNumber + 1
		prevHash = m.records[n-1].ChainHash
	}

	rec := domain.AuditRecord{
		RecordID:       uuid.NewString(),
		SequenceNumber: seq,
		AnalysisID:     analysisID,
		ClaimID:        claimID,
		Timestamp:      time.Now().UTC(),
		Snapshot:       snapshot,
		PreviousHash:   prevHash,
	}
	contentHash, err := rec.ComputeContentHash()
	if err != nil {
		logAppend(m.log, rec, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}
	rec.ContentHash = contentHash
	rec.ChainHash = domain.ComputeChainHash(contentHash, prevHash)

	m.records = append(m.records, rec)
	logAppend(m.log, rec, nil)
	return rec, nil
}

// Verify recomputes hashes over [from,to] (inclusive, by sequence number)
// and reports every broken link.
func (m *MemoryStore) Verify(ctx context.Context, from, to int64) ([]domain.BrokenLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var slice []domain.AuditRecord
	for _, r := range m.records {
		if r.SequenceNumber >= from && r.SequenceNumber <= to {
			slice = append(slice, r)
		}
	}
	return domain.VerifyChain(slice)
}

// Healthy reports whether the store is currently accepting writes.
func (m *MemoryStore) Healthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy is a test/ops hook simulating the store going down (driving
// L5 emergency mode) and recovering.
func (m *MemoryStore) SetHealthy(h bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = h
}

// Records returns a defensive copy of every committed record, used by the
// replay path after an outage.
func (m *MemoryStore) Records() []domain.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}
