package domain

import (
	"errors"
	"sync"
	"time"
)

// ErrTraceLocked is returned by any mutation attempted after Lock.
var ErrTraceLocked = errors.New("decision trace is locked")

// StageMarker records one pipeline stage boundary.
type StageMarker struct {
	Stage     string        `json:"stage"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Details   string        `json:"details,omitempty"`
}

// DecisionEntry records one synthesis decision point.
type DecisionEntry struct {
	DecisionType string         `json:"decision_type"`
	Reason       string         `json:"reason"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DecisionTrace is the ordered, append-only trace attached to a claim's
// processing. It becomes immutable ("locked") at the end of synthesis; any
// write attempted after that errors with ErrTraceLocked.
//
// A DecisionTrace is owned exclusively by the in-flight claim; it is never
// shared across claims.
type DecisionTrace struct {
	TraceID       string
	CorrelationID string

	mu        sync.Mutex
	stages    []StageMarker
	decisions []DecisionEntry
	locked    bool
	hash      string
}

// NewDecisionTrace creates a trace for one claim's pipeline invocation.
func NewDecisionTrace(traceID, correlationID string) *DecisionTrace {
	return &DecisionTrace{TraceID: traceID, CorrelationID: correlationID}
}

// Stage records a stage-boundary marker. Returns ErrTraceLocked if the trace
// was already locked.
func (t *DecisionTrace) Stage(stage string, start time.Time, status, details string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		return ErrTraceLocked
	}
	t.stages = append(t.stages, StageMarker{
		Stage:     stage,
		Timestamp: start,
		Duration:  time.Since(start),
		Status:    status,
		Details:   details,
	})
	return nil
}

// Decide records a decision point. Returns ErrTraceLocked if the trace was
// already locked.
func (t *DecisionTrace) Decide(decisionType, reason string, details map[string]any, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		return ErrTraceLocked
	}
	t.decisions = append(t.decisions, DecisionEntry{
		DecisionType: decisionType,
		Reason:       reason,
		Details:      details,
		Timestamp:    at,
	})
	return nil
}

// Stages returns a copy of the recorded stage markers.
func (t *DecisionTrace) Stages() []StageMarker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StageMarker, len(t.stages))
	copy(out, t.stages)
	return out
}

// Decisions returns a copy of the recorded decision entries.
func (t *DecisionTrace) Decisions() []DecisionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DecisionEntry, len(t.decisions))
	copy(out, t.decisions)
	return out
}

// traceSnapshot is the canonical form hashed at lock time and serialized in
// the IntelligenceReport.
type traceSnapshot struct {
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id"`
	Stages        []StageMarker   `json:"stages"`
	Decisions     []DecisionEntry `json:"decisions"`
}

// Lock freezes the trace and computes its integrity hash. Locking twice is
// idempotent and returns the same hash both times; any write attempted
// after the first Lock call errors.
func (t *DecisionTrace) Lock() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locked {
		return t.hash, nil
	}
	snap := traceSnapshot{
		TraceID:       t.TraceID,
		CorrelationID: t.CorrelationID,
		Stages:        t.stages,
		Decisions:     t.decisions,
	}
	hash, err := SHA256HexOf(snap)
	if err != nil {
		return "", err
	}
	t.locked = true
	t.hash = hash
	return hash, nil
}

// IntegrityHash returns the hash computed at Lock time, or "" if not yet
// locked.
func (t *DecisionTrace) IntegrityHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

// Locked reports whether the trace has been locked.
func (t *DecisionTrace) Locked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locked
}

// Snapshot returns a serializable, read-only view of the trace for
// embedding into an IntelligenceReport.
func (t *DecisionTrace) Snapshot() DecisionTraceView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return DecisionTraceView{
		TraceID:       t.TraceID,
		CorrelationID: t.CorrelationID,
		Stages:        append([]StageMarker(nil), t.stages...),
		Decisions:     append([]DecisionEntry(nil), t.decisions...),
		Locked:        t.locked,
		IntegrityHash: t.hash,
	}
}

// DecisionTraceView is the immutable, JSON-serializable view of a
// DecisionTrace embedded in an IntelligenceReport.
type DecisionTraceView struct {
	TraceID       string          `json:"trace_id"`
	CorrelationID string          `json:"correlation_id"`
	Stages        []StageMarker   `json:"stages"`
	Decisions     []DecisionEntry `json:"decisions"`
	Locked        bool            `json:"locked"`
	IntegrityHash string          `json:"integrity_hash,omitempty"`
}
