package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/trace"
)

const testProvider = "PROV-0001"

var testKey = []byte("super-secret-signing-key")

func testClaim(now time.Time) domain.Claim {
	return domain.Claim{
		ClaimID:      "CLM-2026-000000001",
		PolicyID:     "POL-1",
		ProviderID:   testProvider,
		MemberIDHash: "a3f1c2e4b5d6a7f8e9c0b1d2a3f4e5c6b7a8d9e0f1c2b3a4d5e6f7a8b9c0d1e2",
		ProcedureCodes: []domain.ProcedureCode{
			{Code: "99213", CodeType: domain.CodeCPT, Quantity: 1, LineAmount: 150},
		},
		BilledAmount: 150,
		ServiceDate:  now.Add(-24 * time.Hour),
		ClaimType:    domain.ClaimProfessional,
	}
}

func sign(t *testing.T, claim domain.Claim, key []byte) string {
	t.Helper()
	canon, err := domain.CanonicalJSON(claim)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil))
}

func envelopeBytes(t *testing.T, claim domain.Claim, ts time.Time, key []byte) []byte {
	t.Helper()
	env := domain.ClaimSubmittedEnvelope{
		EnvelopeVersion: "1.0.0",
		Timestamp:       ts,
		Signature:       sign(t, claim, key),
		Payload:         claim,
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func newTestConsumer(t *testing.T) (*Consumer, *broker.InMemory) {
	t.Helper()
	b := broker.NewInMemory()
	keys := StaticKeys{testProvider: testKey}
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 1000
	cfg.RateLimitBurst = 1000
	c, err := NewConsumer(b, keys, cfg, nil)
	require.NoError(t, err)
	return c, b
}

func TestProcess_AcceptsValidEnvelope(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	raw := envelopeBytes(t, claim, now, testKey)

	outcome, got, tc := c.process(context.Background(), raw, now)
	require.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, claim.ClaimID, got.ClaimID)
	assert.NotEmpty(t, tc.TraceID)
	assert.Equal(t, int64(1), c.Metrics().Accepted)
}

func TestProcess_RejectsBadSignature(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	raw := envelopeBytes(t, claim, now, []byte("wrong-key"))

	outcome, _, _ := c.process(context.Background(), raw, now)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, int64(1), c.Metrics().SignatureFail)
}

func TestProcess_RejectsUnknownSchemaVersion(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	env := domain.ClaimSubmittedEnvelope{
		EnvelopeVersion: "9.9.9",
		Timestamp:       now,
		Signature:       sign(t, claim, testKey),
		Payload:         claim,
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	outcome, _, _ := c.process(context.Background(), raw, now)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestProcess_DropsOnReplaySkew(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	raw := envelopeBytes(t, claim, now.Add(-time.Hour), testKey)

	outcome, _, _ := c.process(context.Background(), raw, now)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, int64(1), c.Metrics().ReplayDropped)
}

func TestProcess_DropsExactDuplicate(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	raw := envelopeBytes(t, claim, now, testKey)

	first, _, _ := c.process(context.Background(), raw, now)
	require.Equal(t, OutcomeAccepted, first)

	second, _, _ := c.process(context.Background(), raw, now)
	assert.Equal(t, OutcomeDropped, second)
	assert.Equal(t, int64(1), c.Metrics().Duplicates)
}

func TestProcess_RejectsFailedSchemaValidation(t *testing.T) {
	c, _ := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	claim.ProcedureCodes = nil
	raw := envelopeBytes(t, claim, now, testKey)

	outcome, _, _ := c.process(context.Background(), raw, now)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, int64(1), c.Metrics().SchemaFail)
}

func TestRun_DispatchesAcceptedClaimsAndCommitsOffsets(t *testing.T) {
	c, b := newTestConsumer(t)
	now := time.Now().UTC()
	claim := testClaim(now)
	raw := envelopeBytes(t, claim, now, testKey)
	require.NoError(t, b.Publish(context.Background(), "claims.submitted", claim.ClaimID, raw))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	handled := make(chan domain.Claim, 1)
	go func() {
		_ = c.Run(ctx, "claims.submitted", func(_ context.Context, _ trace.Context, got domain.Claim) error {
			handled <- got
			return nil
		})
	}()

	select {
	case got := <-handled:
		assert.Equal(t, claim.ClaimID, got.ClaimID)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler was never invoked")
	}
	require.Eventually(t, func() bool {
		return b.Len("claims.submitted") == 0
	}, 500*time.Millisecond, 5*time.Millisecond)
}
