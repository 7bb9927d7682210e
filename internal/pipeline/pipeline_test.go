package pipeline

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/mlscorer"
	"github.com/dcal-health/dcal/internal/publisher"
	"github.com/dcal-health/dcal/internal/queue"
	"github.com/dcal-health/dcal/internal/ruleengine"
	"github.com/dcal-health/dcal/internal/trace"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeStore struct {
	rules []domain.RuleDefinition
}

func (f *fakeStore) GetApplicable(domain.ClaimType, string, time.Time) ([]domain.RuleDefinition, error) {
	return f.rules, nil
}

func (f *fakeStore) ActiveRuleset() (domain.Ruleset, error) {
	return domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive}, nil
}

type fixedScorer struct {
	risk, confidence float64
}

func (fixedScorer) ModelID() string { return "fraud-detector-v2" }

func (s fixedScorer) Score(context.Context, map[string]any) (domain.ModelResult, error) {
	return domain.ModelResult{
		ModelID:    "fraud-detector-v2",
		RiskScore:  s.risk,
		Confidence: s.confidence,
	}, nil
}

type harness struct {
	pipeline *Pipeline
	audit    *audit.MemoryStore
	outbox   *publisher.MemoryOutbox
	broker   *broker.InMemory
	manager  *breaker.Manager
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, scorer mlscorer.Scorer, budgets domain.Budgets) *harness {
	t.Helper()

	store := &fakeStore{rules: []domain.RuleDefinition{{
		RuleID:              "COV-001",
		Version:             "1.0.0",
		Category:            domain.CategoryPolicyCoverage,
		Severity:            domain.SeverityMajor,
		Enabled:             true,
		ConditionExpression: "claim.billed_amount > 0",
		AppliesToClaimTypes: []domain.ClaimType{domain.ClaimProfessional},
		EffectiveDate:       time.Now().Add(-time.Hour),
	}}}
	engine := ruleengine.New(store, ruleengine.Config{
		EngineTimeout:  50 * time.Millisecond,
		PerRuleTimeout: 20 * time.Millisecond,
		EngineVersion:  "test-1",
	}, nil)

	ml := mlscorer.New(
		[]mlscorer.Weight{{Scorer: scorer, Weight: 1.0}},
		mlscorer.Config{PerModelTimeout: 100 * time.Millisecond, FanInTimeout: 200 * time.Millisecond, TopFactorsN: 10},
		nil,
	)

	manager := breaker.NewManager(domain.DefaultDegradationConfig(), nil)
	auditStore := audit.NewMemoryStore(nil)
	outbox := publisher.NewMemoryOutbox()
	b := broker.NewInMemory()
	pub := publisher.New(b, outbox, breaker.New("publisher", domain.DefaultBreakerConfig(), nil), publisher.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	pub.Start(ctx)
	t.Cleanup(cancel)

	p, err := New(engine, ml, manager, auditStore, pub, outbox, nil, nil, Config{
		Jurisdiction: "US",
		Budgets:      budgets,
		Synthesis:    domain.DefaultSynthesisConfig(),
		Queue:        queue.DefaultConfig(),
	}, newTestLogger())
	require.NoError(t, err)

	return &harness{pipeline: p, audit: auditStore, outbox: outbox, broker: b, manager: manager, cancel: cancel}
}

func validClaim(amount float64) domain.Claim {
	return domain.Claim{
		ClaimID:      "CLM-2026-000000001",
		PolicyID:     "POL-1",
		ProviderID:   "PRV-1",
		MemberIDHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ProcedureCodes: []domain.ProcedureCode{
			{Code: "99213", CodeType: domain.CodeCPT, Quantity: 1, LineAmount: amount},
		},
		DiagnosisCodes: []domain.DiagnosisCode{{Code: "J06.9", Sequence: 1}},
		BilledAmount:   amount,
		ServiceDate:    time.Now().Add(-48 * time.Hour),
		ClaimType:      domain.ClaimProfessional,
	}
}

func TestProcess_CleanClaimAutoApprovePublished(t *testing.T) {
	h := newHarness(t, fixedScorer{risk: 0.12, confidence: 0.95}, domain.DefaultBudgets())

	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(120))
	require.NoError(t, err)

	assert.Equal(t, StatePublished, res.State)
	assert.Equal(t, domain.AutoApprove, res.Report.Recommendation)
	assert.Equal(t, domain.QueueAutoProcess, res.Report.AssignedQueue)
	assert.Equal(t, int64(0), res.AuditRecord.SequenceNumber)
	assert.True(t, res.Report.DecisionTrace.Locked)

	require.Eventually(t, func() bool {
		return h.broker.Len(publisher.TopicClaimsAnalyzed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestProcess_AuditDownParksClaimAndReplayRestoresChain(t *testing.T) {
	h := newHarness(t, fixedScorer{risk: 0.12, confidence: 0.95}, domain.DefaultBudgets())
	h.audit.SetHealthy(false)

	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(120))
	require.NoError(t, err)
	assert.Equal(t, StateParked, res.State)

	pending, err := h.outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AuditPending)
	assert.Equal(t, 0, h.broker.Len(publisher.TopicClaimsAnalyzed))

	// Recovery: replay re-appends the audit record, then publishes.
	h.audit.SetHealthy(true)
	delivered, failed, err := h.pipeline.ReplayOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, h.broker.Len(publisher.TopicClaimsAnalyzed))

	broken, err := h.audit.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestProcess_L5SuppressesPublication(t *testing.T) {
	h := newHarness(t, fixedScorer{risk: 0.12, confidence: 0.95}, domain.DefaultBudgets())
	h.manager.Evaluate(breaker.HealthSnapshot{
		AuditStoreUnhealthySince: time.Now().Add(-time.Hour),
	})
	require.Equal(t, breaker.L5Emergency, h.manager.Current())

	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(120))
	require.NoError(t, err)
	assert.Equal(t, StateParked, res.State)
	assert.Equal(t, domain.ManualReview, res.Report.Recommendation)
	assert.Equal(t, 0, h.broker.Len(publisher.TopicClaimsAnalyzed))

	pending, err := h.outbox.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].AuditPending)
}

func TestProcess_L4ForcesManualReviewPriorityByAmount(t *testing.T) {
	h := newHarness(t, fixedScorer{risk: 0.05, confidence: 0.99}, domain.DefaultBudgets())
	h.manager.Evaluate(breaker.HealthSnapshot{RuleEngineUnhealthy: true})
	require.Equal(t, breaker.L4ManualOnly, h.manager.Current())

	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(75_000))
	require.NoError(t, err)
	assert.Equal(t, StatePublished, res.State)
	assert.Equal(t, domain.ManualReview, res.Report.Recommendation)
	assert.Equal(t, domain.PriorityHigh, res.Report.Priority)
	assert.Equal(t, domain.QueueSeniorReview, res.Report.AssignedQueue)
}

func TestProcess_BudgetExceededDefaultsToManualReview(t *testing.T) {
	budgets := domain.DefaultBudgets()
	budgets.TotalPerClaim = time.Nanosecond
	h := newHarness(t, fixedScorer{risk: 0.05, confidence: 0.99}, budgets)

	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(120))
	require.NoError(t, err)
	assert.Equal(t, domain.ManualReview, res.Report.Recommendation)
	assert.Equal(t, domain.QueueStandardReview, res.Report.AssignedQueue)
	require.NotEmpty(t, res.Report.PrimaryReasons)
	assert.Contains(t, res.Report.PrimaryReasons[0], "BUDGET_EXCEEDED")
	// The report is still audited despite the blown budget.
	assert.Equal(t, StatePublished, res.State)
}

func TestProcess_L3RulesOnlySmallAmountAutoApproves(t *testing.T) {
	h := newHarness(t, fixedScorer{risk: 0.9, confidence: 0.9}, domain.DefaultBudgets())
	h.manager.Evaluate(breaker.HealthSnapshot{ErrorRate: 0.5})
	require.Equal(t, breaker.L3RulesOnly, h.manager.Current())

	// Small amount, rules pass: auto-approve without consulting ML.
	res, err := h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000001", ""), validClaim(120))
	require.NoError(t, err)
	assert.Equal(t, domain.AutoApprove, res.Report.Recommendation)

	// Amount above the tightened cap must not auto-approve at L3.
	res, err = h.pipeline.Process(context.Background(), trace.New("CLM-2026-000000002", ""), validClaim(9_000))
	require.NoError(t, err)
	assert.Equal(t, domain.ManualReview, res.Report.Recommendation)
}

func TestDeriveFeedback(t *testing.T) {
	cases := []struct {
		name           string
		decision       domain.ReviewDecision
		recommendation domain.Recommendation
		want           domain.FeedbackType
	}{
		{"approve confirms auto-approve", domain.ReviewApprove, domain.AutoApprove, domain.FeedbackCorrectPrediction},
		{"approve contradicts decline", domain.ReviewApprove, domain.AutoDecline, domain.FeedbackFalsePositive},
		{"decline confirms decline", domain.ReviewDecline, domain.AutoDecline, domain.FeedbackCorrectPrediction},
		{"decline contradicts auto-approve", domain.ReviewDecline, domain.AutoApprove, domain.FeedbackFalseNegative},
		{"escalate is partial agreement", domain.ReviewEscalate, domain.ManualReview, domain.FeedbackPartialAgreement},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fb := DeriveFeedback(domain.ClaimReviewedEvent{AnalysisID: "a1", Decision: tc.decision}, tc.recommendation)
			assert.Equal(t, tc.want, fb.FeedbackType)
			assert.Equal(t, "a1", fb.AnalysisID)
			assert.NotEmpty(t, fb.FeedbackID)
		})
	}
}

func TestHealthProbes_AuditUnhealthyTracking(t *testing.T) {
	store := audit.NewMemoryStore(nil)
	probes := &HealthProbes{Audit: store}

	snap := probes.Collect(context.Background())
	assert.True(t, snap.AuditStoreUnhealthySince.IsZero())

	store.SetHealthy(false)
	snap = probes.Collect(context.Background())
	assert.False(t, snap.AuditStoreUnhealthySince.IsZero())
	first := snap.AuditStoreUnhealthySince

	// Continuously unhealthy: the since timestamp is stable.
	snap = probes.Collect(context.Background())
	assert.Equal(t, first, snap.AuditStoreUnhealthySince)

	store.SetHealthy(true)
	snap = probes.Collect(context.Background())
	assert.True(t, snap.AuditStoreUnhealthySince.IsZero())
}
