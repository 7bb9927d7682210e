package domain

import "time"

// AuditRecord is one append-only, hash-chained row in the audit store.
// Records are never updated or deleted.
type AuditRecord struct {
	RecordID       string         `json:"record_id"`
	SequenceNumber int64          `json:"sequence_number"`
	AnalysisID     string         `json:"analysis_id"`
	ClaimID        string         `json:"claim_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Snapshot       map[string]any `json:"snapshot"`
	ContentHash    string         `json:"content_hash"`
	PreviousHash   string         `json:"previous_hash"`
	ChainHash      string         `json:"chain_hash"`
}

// contentPayload is the canonical subset hashed into ContentHash: every
// field of the record except the three hash fields themselves.
type contentPayload struct {
	RecordID       string         `json:"record_id"`
	SequenceNumber int64          `json:"sequence_number"`
	AnalysisID     string         `json:"analysis_id"`
	ClaimID        string         `json:"claim_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Snapshot       map[string]any `json:"snapshot"`
}

// ComputeContentHash computes content_hash = SHA256(canonical(record
// without hashes)).
func (a *AuditRecord) ComputeContentHash() (string, error) {
	return SHA256HexOf(contentPayload{
		RecordID:       a.RecordID,
		SequenceNumber: a.SequenceNumber,
		AnalysisID:     a.AnalysisID,
		ClaimID:        a.ClaimID,
		Timestamp:      a.Timestamp,
		Snapshot:       a.Snapshot,
	})
}

// ComputeChainHash computes chain_hash = SHA256(content_hash || previous_hash).
func ComputeChainHash(contentHash, previousHash string) string {
	return SHA256Hex([]byte(contentHash + previousHash))
}

// BrokenLink describes one integrity failure found by a chain verification
// pass.
type BrokenLink struct {
	SequenceNumber int64  `json:"sequence_number"`
	Reason         string `json:"reason"`
}

const (
	BrokenLinkGap              = "SEQUENCE_GAP"
	BrokenLinkContentMismatch  = "CONTENT_HASH_MISMATCH"
	BrokenLinkPreviousMismatch = "PREVIOUS_HASH_MISMATCH"
)

// VerifyChain recomputes hashes over records in sequence order (assumed
// already sorted by SequenceNumber ascending) and returns every broken link
// found: sequence gaps, content-hash mismatches, previous-hash mismatches.
func VerifyChain(records []AuditRecord) ([]BrokenLink, error) {
	var broken []BrokenLink
	var prevHash string
	var prevSeq int64 = -1
	for i, rec := range records {
		if i > 0 && rec.SequenceNumber != prevSeq+1 {
			broken = append(broken, BrokenLink{SequenceNumber: rec.SequenceNumber, Reason: BrokenLinkGap})
		}
		wantContent, err := rec.ComputeContentHash()
		if err != nil {
			return nil, err
		}
		if wantContent != rec.ContentHash {
			broken = append(broken, BrokenLink{SequenceNumber: rec.SequenceNumber, Reason: BrokenLinkContentMismatch})
		}
		if i > 0 && rec.PreviousHash != prevHash {
			broken = append(broken, BrokenLink{SequenceNumber: rec.SequenceNumber, Reason: BrokenLinkPreviousMismatch})
		}
		wantChain := ComputeChainHash(rec.ContentHash, rec.PreviousHash)
		if wantChain != rec.ChainHash {
			broken = append(broken, BrokenLink{SequenceNumber: rec.SequenceNumber, Reason: BrokenLinkContentMismatch})
		}
		prevHash = rec.ChainHash
		prevSeq = rec.SequenceNumber
	}
	return broken, nil
}
