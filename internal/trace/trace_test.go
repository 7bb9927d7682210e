package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsCorrelationIDToTraceID(t *testing.T) {
	tc := New("CLM-2026-000000001", "")
	require.NotEmpty(t, tc.TraceID)
	assert.Equal(t, tc.TraceID, tc.CorrelationID)
}

func TestNew_PreservesSuppliedCorrelationID(t *testing.T) {
	tc := New("CLM-2026-000000001", "upstream-correlation")
	assert.Equal(t, "upstream-correlation", tc.CorrelationID)
	assert.NotEqual(t, tc.TraceID, tc.CorrelationID)
}

func TestWithContextFromContext_RoundTrips(t *testing.T) {
	tc := New("CLM-2026-000000001", "")
	ctx := WithContext(context.Background(), tc)
	got := FromContext(ctx)
	assert.Equal(t, tc, got)
}

func TestFields_CarriesAllThreeIDs(t *testing.T) {
	tc := New("CLM-2026-000000001", "corr-1")
	fields := tc.Fields()
	assert.Equal(t, "CLM-2026-000000001", fields["claim_id"])
	assert.Equal(t, "corr-1", fields["correlation_id"])
	assert.Equal(t, tc.TraceID, fields["trace_id"])
}

func TestNewDecisionTrace_UsesSameIDs(t *testing.T) {
	tc := New("CLM-2026-000000001", "corr-1")
	dt := tc.NewDecisionTrace()
	assert.Equal(t, tc.TraceID, dt.TraceID)
	assert.Equal(t, tc.CorrelationID, dt.CorrelationID)
}
