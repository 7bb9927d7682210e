package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// PGStore is the primary backing store for the audit chain: a single
// append-only Postgres table (`audit_records`, see
// internal/database/migrations) whose schema migration installs a trigger
// that rejects every UPDATE and DELETE, enforcing immutability at the
// storage layer rather than only in application code.
type PGStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPGStore constructs a PGStore over an existing pool.
func NewPGStore(db *pgxpool.Pool, log *logrus.Logger) *PGStore {
	return &PGStore{db: db, log: log}
}

// Append performs the transactional write: within a single database
// transaction it takes an EXCLUSIVE lock on audit_records (serializing
// concurrent writers on this partition, including the first append into an
// empty table), SELECTs the last chain_hash, computes the new sequence
// number, content_hash, and chain_hash, and inserts the row.
func (p *PGStore) Append(ctx context.Context, analysisID, claimID string, snapshot map[string]any) (domain.AuditRecord, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		logAppend(p.log, domain.AuditRecord{AnalysisID: analysisID, ClaimID: claimID}, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE audit_records IN EXCLUSIVE MODE`); err != nil {
		logAppend(p.log, domain.AuditRecord{AnalysisID: analysisID, ClaimID: claimID}, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}

	var lastSeq int64 = -1
	var lastChainHash string
	row := tx.QueryRow(ctx, `SELECT sequence_number, chain_hash FROM audit_records ORDER BY sequence_number DESC LIMIT 1 FOR UPDATE`)
	switch err := row.Scan(&lastSeq, &lastChainHash); {
	case err == pgx.ErrNoRows:
		lastSeq, lastChainHash = -1, ""
	case err != nil:
		logAppend(p.log, domain.AuditRecord{AnalysisID: analysisID, ClaimID: claimID}, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return domain.AuditRecord{}, wrapWriteErr(fmt.Errorf("marshaling snapshot: %w", err))
	}

	rec := domain.AuditRecord{
		RecordID:       uuid.NewString(),
		SequenceNumber: lastSeq + 1,
		AnalysisID:     analysisID,
		ClaimID:        claimID,
		Timestamp:      time.Now().UTC(),
		Snapshot:       snapshot,
		PreviousHash:   lastChainHash,
	}
	contentHash, err := rec.ComputeContentHash()
	if err != nil {
		return domain.AuditRecord{}, wrapWriteErr(err)
	}
	rec.ContentHash = contentHash
	rec.ChainHash = domain.ComputeChainHash(contentHash, lastChainHash)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_records (
			record_id, sequence_number, analysis_id, claim_id, timestamp,
			snapshot, content_hash, previous_hash, chain_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.RecordID, rec.SequenceNumber, rec.AnalysisID, rec.ClaimID, rec.Timestamp,
		snapshotJSON, rec.ContentHash, rec.PreviousHash, rec.ChainHash,
	)
	if err != nil {
		logAppend(p.log, rec, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		logAppend(p.log, rec, err)
		return domain.AuditRecord{}, wrapWriteErr(err)
	}

	logAppend(p.log, rec, nil)
	return rec, nil
}

// Verify loads [from,to] in sequence order and recomputes the chain
// independent of whatever Postgres stored.
func (p *PGStore) Verify(ctx context.Context, from, to int64) ([]domain.BrokenLink, error) {
	rows, err := p.db.Query(ctx, `
		SELECT record_id, sequence_number, analysis_id, claim_id, timestamp,
		       snapshot, content_hash, previous_hash, chain_hash
		FROM audit_records
		WHERE sequence_number BETWEEN $1 AND $2
		ORDER BY sequence_number ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: verify query: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var snapshotJSON []byte
		if err := rows.Scan(&rec.RecordID, &rec.SequenceNumber, &rec.AnalysisID, &rec.ClaimID,
			&rec.Timestamp, &snapshotJSON, &rec.ContentHash, &rec.PreviousHash, &rec.ChainHash); err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		if err := json.Unmarshal(snapshotJSON, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("audit: unmarshal snapshot: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: verify rows: %w", err)
	}
	return domain.VerifyChain(records)
}

// Healthy pings the pool; a failing ping is what ultimately drives the
// Degradation Manager into L5 after AuditUnhealthySeconds of continued
// failure.
func (p *PGStore) Healthy(ctx context.Context) bool {
	return p.db.Ping(ctx) == nil
}
