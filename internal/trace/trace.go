// Package trace implements Correlation & Trace (C11): creation of the
// per-claim trace context at ingestion and the logrus field helper used to
// attach claim_id/trace_id/correlation_id to every log line emitted while
// processing a claim.
package trace

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// Context carries the identifiers threaded through one claim's pipeline
// invocation: the UUIDv4 trace_id generated at ingestion, the correlation_id
// propagated from (or defaulted to) the inbound envelope, and the claim_id
// once known.
type Context struct {
	TraceID       string
	CorrelationID string
	ClaimID       string
}

type ctxKey struct{}

// New creates a fresh trace context for a newly ingested claim. If
// correlationID is empty, the trace_id doubles as the correlation_id (no
// upstream correlation was supplied).
func New(claimID, correlationID string) Context {
	traceID := uuid.NewString()
	if correlationID == "" {
		correlationID = traceID
	}
	return Context{TraceID: traceID, CorrelationID: correlationID, ClaimID: claimID}
}

// WithContext attaches tc to a context.Context for propagation through
// cancellation-aware call chains.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext retrieves the trace Context previously attached with
// WithContext, or the zero value if none was attached.
func FromContext(ctx context.Context) Context {
	tc, _ := ctx.Value(ctxKey{}).(Context)
	return tc
}

// Fields renders tc as logrus.Fields, the shape attached to every stage log
// line from ingestion through publication.
func (tc Context) Fields() logrus.Fields {
	return logrus.Fields{
		"claim_id":       tc.ClaimID,
		"trace_id":       tc.TraceID,
		"correlation_id": tc.CorrelationID,
	}
}

// NewDecisionTrace builds the domain.DecisionTrace owned exclusively by this
// claim's pipeline invocation.
func (tc Context) NewDecisionTrace() *domain.DecisionTrace {
	return domain.NewDecisionTrace(tc.TraceID, tc.CorrelationID)
}
