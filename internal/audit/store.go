// Package audit implements the Audit Store (C7): an append-only,
// hash-chained writer over the IntelligenceReport lifecycle. Sequence
// numbers are allocated atomically by a single writer per partition; writes
// are transactional; verification recomputes the chain independently of
// storage.
package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// Writer is the append-and-verify surface the rest of the pipeline depends
// on. PGStore and MemoryStore both implement it.
type Writer interface {
	Append(ctx context.Context, analysisID, claimID string, snapshot map[string]any) (domain.AuditRecord, error)
	Verify(ctx context.Context, from, to int64) ([]domain.BrokenLink, error)
	Healthy(ctx context.Context) bool
}

// logAppend is shared formatting for both backends' post-append log line.
func logAppend(log *logrus.Logger, rec domain.AuditRecord, err error) {
	if log == nil {
		return
	}
	fields := logrus.Fields{
		"analysis_id":     rec.AnalysisID,
		"claim_id":        rec.ClaimID,
		"sequence_number": rec.SequenceNumber,
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Error("audit append failed")
		return
	}
	log.WithFields(fields).Info("audit record committed")
}

// wrapWriteErr wraps any underlying storage error from Append; a write
// failure is fatal for that claim's outcome — the caller must PARK
// the claim rather than treat it as delivered.
func wrapWriteErr(err error) error {
	return fmt.Errorf("audit: append failed: %w", err)
}
