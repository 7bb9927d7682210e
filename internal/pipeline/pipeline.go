// Package pipeline wires the full claim-analysis path together: ingestion
// hands a validated claim in, the pipeline consults the Degradation Manager
// for an executor, runs the rule engine and ML scorers under the claim
// budget, synthesizes the IntelligenceReport, commits the audit record, and
// publishes the result. The claim state machine only moves forward;
// every transition is recorded on the claim's decision trace.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/executor"
	"github.com/dcal-health/dcal/internal/mlscorer"
	"github.com/dcal-health/dcal/internal/publisher"
	"github.com/dcal-health/dcal/internal/queue"
	"github.com/dcal-health/dcal/internal/ruleengine"
	"github.com/dcal-health/dcal/internal/synthesis"
	"github.com/dcal-health/dcal/internal/trace"
)

// Claim state machine stages. Transitions only move forward.
const (
	StateReceived           = "RECEIVED"
	StateValidated          = "VALIDATED"
	StateRulesStarted       = "RULES_STARTED"
	StateRulesCompleted     = "RULES_COMPLETED"
	StateMLStarted          = "ML_STARTED"
	StateMLCompleted        = "ML_COMPLETED"
	StateSynthesisStarted   = "SYNTHESIS_STARTED"
	StateSynthesisCompleted = "SYNTHESIS_COMPLETED"
	StatePublished          = "PUBLISHED"
	StateParked             = "PARKED"
)

// ContextBuilder assembles the read-only evaluation context (the closed
// root entities claim, policy, provider, member, history, tariff) the rule
// engine and ML scorers observe for one claim.
type ContextBuilder interface {
	Build(ctx context.Context, claim domain.Claim) (map[string]any, error)
}

// ClaimOnlyContext is the minimal ContextBuilder: it exposes the claim
// itself, gives provider and member only their IDs, and leaves policy,
// history and tariff empty. Deployments with policy,
// provider, and member-history backends plug in their own builder.
type ClaimOnlyContext struct{}

func (ClaimOnlyContext) Build(_ context.Context, claim domain.Claim) (map[string]any, error) {
	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshaling claim for evaluation: %w", err)
	}
	var claimMap map[string]any
	if err := json.Unmarshal(raw, &claimMap); err != nil {
		return nil, fmt.Errorf("pipeline: unmarshaling claim for evaluation: %w", err)
	}
	return map[string]any{
		"claim":    claimMap,
		"policy":   map[string]any{},
		"provider": map[string]any{"provider_id": claim.ProviderID},
		"member":   map[string]any{"member_id_hash": claim.MemberIDHash},
		"history":  []any{},
		"tariff":   map[string]any{},
	}, nil
}

// Config carries the deployment-level settings the pipeline reads per claim.
type Config struct {
	Jurisdiction string
	Budgets      domain.Budgets
	Synthesis    domain.SynthesisConfig
	Queue        queue.Config
}

// Result is the terminal outcome of one claim's pipeline invocation.
type Result struct {
	State       string
	Report      domain.IntelligenceReport
	RuleResult  domain.RuleEngineResult
	MLResult    domain.MLEngineResult
	AuditRecord domain.AuditRecord
}

// Pipeline owns one claim-processing path. Multiple claims are processed
// concurrently by calling Process from independent goroutines; the pipeline
// itself holds no per-claim state.
type Pipeline struct {
	rules       *ruleengine.Engine
	ml          *mlscorer.Aggregator
	degradation *breaker.Manager
	auditStore  audit.Writer
	pub         *publisher.Publisher
	outbox      publisher.Outbox
	contexts    ContextBuilder
	capacity    queue.Capacity
	config      Config
	log         *logrus.Logger

	// recommendations remembers analysis_id -> recommendation so a later
	// claims.reviewed event can be classified into a feedback type.
	recommendations *lru.Cache[string, domain.Recommendation]
}

// New wires a Pipeline. capacity may be nil (no queue-capacity fallback).
func New(rules *ruleengine.Engine, ml *mlscorer.Aggregator, degradation *breaker.Manager, auditStore audit.Writer, pub *publisher.Publisher, outbox publisher.Outbox, contexts ContextBuilder, capacity queue.Capacity, cfg Config, log *logrus.Logger) (*Pipeline, error) {
	recs, err := lru.New[string, domain.Recommendation](100_000)
	if err != nil {
		return nil, fmt.Errorf("pipeline: building recommendation cache: %w", err)
	}
	if contexts == nil {
		contexts = ClaimOnlyContext{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		rules:           rules,
		ml:              ml,
		degradation:     degradation,
		auditStore:      auditStore,
		pub:             pub,
		outbox:          outbox,
		contexts:        contexts,
		capacity:        capacity,
		config:          cfg,
		log:             log,
		recommendations: recs,
	}, nil
}

// Process runs one validated claim through rules, ML, synthesis, audit, and
// publication. It never returns an error for a recoverable per-claim
// failure — the claim resolves to a terminal state instead.
func (p *Pipeline) Process(ctx context.Context, tc trace.Context, claim domain.Claim) (Result, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.config.Budgets.TotalPerClaim)
	defer cancel()

	dt := tc.NewDecisionTrace()
	_ = dt.Stage(StateReceived, started, "OK", "")
	_ = dt.Stage(StateValidated, started, "OK", "validated at ingestion")

	// The executor is chosen once per claim; a level change mid-claim
	// applies to subsequent claims only.
	level := p.degradation.Current()
	plan := executor.ForLevel(level).Plan(claim.BilledAmount, p.config.Synthesis)
	_ = dt.Decide("EXECUTOR_SELECTED", plan.Reason, map[string]any{"level": level.String()}, time.Now())

	evalCtx, err := p.contexts.Build(ctx, claim)
	if err != nil {
		p.log.WithFields(tc.Fields()).WithError(err).Error("evaluation context build failed")
		return p.finish(ctx, tc, claim, dt, p.errorReport(claim, dt, "SYNTHESIS_ERROR", err.Error()), domain.RuleEngineResult{}, neutralML("CONTEXT_BUILD_FAILED"), plan)
	}

	var ruleResult domain.RuleEngineResult
	if plan.ForceManualReview {
		// L4/L5: the rule or decision engine itself is suspect; no rule
		// outcome is trusted and none is computed.
		_ = dt.Stage(StateRulesStarted, time.Now(), "SKIPPED", plan.Reason)
		return p.finish(ctx, tc, claim, dt, p.forcedManualReport(claim, dt, plan.Reason), domain.RuleEngineResult{}, neutralML(plan.Reason), plan)
	}

	ruleStart := time.Now()
	_ = dt.Stage(StateRulesStarted, ruleStart, "OK", "")
	ruleResult, err = p.rules.Evaluate(ctx, claim.ClaimType, p.config.Jurisdiction, started, evalCtx)
	if err != nil {
		p.log.WithFields(tc.Fields()).WithError(err).Error("rule engine failed")
		return p.finish(ctx, tc, claim, dt, p.errorReport(claim, dt, "SYNTHESIS_ERROR", err.Error()), domain.RuleEngineResult{}, neutralML("RULE_ENGINE_ERROR"), plan)
	}
	_ = dt.Stage(StateRulesCompleted, ruleStart, "OK", string(ruleResult.AggregateOutcome))

	if overran(ctx) {
		return p.finish(ctx, tc, claim, dt, p.budgetReport(claim, dt, StateRulesCompleted), ruleResult, neutralML("BUDGET_EXCEEDED"), plan)
	}

	mlResult := neutralML("ML_SKIPPED: " + plan.Reason)
	if plan.RulesOnlyDecision {
		// L3: decisions come from rules alone; a full-confidence zero-risk
		// contribution lets a rule PASS auto-approve small amounts.
		mlResult = domain.MLEngineResult{
			CombinedRiskScore:  0,
			CombinedConfidence: 1,
			Recommendation:     "RULES_ONLY",
		}
	}
	if plan.RunML && ruleResult.AggregateOutcome != domain.AggregateFail {
		mlStart := time.Now()
		_ = dt.Stage(StateMLStarted, mlStart, "OK", "")
		mlResult = p.ml.Run(ctx, evalCtx)
		_ = dt.Stage(StateMLCompleted, mlStart, "OK", fmt.Sprintf("combined_risk=%.4f", mlResult.CombinedRiskScore))
	}

	if overran(ctx) {
		return p.finish(ctx, tc, claim, dt, p.budgetReport(claim, dt, StateMLCompleted), ruleResult, mlResult, plan)
	}

	synthCfg := p.config.Synthesis
	if plan.TightenedAutoApproveMLThreshold > 0 {
		synthCfg.AutoApproveMLThreshold = plan.TightenedAutoApproveMLThreshold
	}
	if plan.TightenedAutoApproveMaxAmount > 0 && plan.TightenedAutoApproveMaxAmount < synthCfg.AutoApproveMaxAmount {
		synthCfg.AutoApproveMaxAmount = plan.TightenedAutoApproveMaxAmount
	}

	synthStart := time.Now()
	_ = dt.Stage(StateSynthesisStarted, synthStart, "OK", "")
	router := queue.Adapter{Config: p.config.Queue, Capacity: p.capacity}
	s := synthesis.New(synthCfg, p.config.Queue, router, p.log)
	report, err := s.Synthesize(synthesis.Input{
		Claim:       claim,
		RuleResult:  ruleResult,
		MLResult:    mlResult,
		Now:         time.Now(),
		TraceID:     tc.TraceID,
		Correlation: tc.CorrelationID,
	}, dt)
	if err != nil {
		p.log.WithFields(tc.Fields()).WithError(err).Error("decision synthesis failed")
		return p.finish(ctx, tc, claim, dt, p.errorReport(claim, dt, "SYNTHESIS_ERROR", err.Error()), ruleResult, mlResult, plan)
	}

	return p.finish(ctx, tc, claim, dt, report, ruleResult, mlResult, plan)
}

// finish commits the audit record and publishes (or parks) the report. It
// is the single exit path for every claim that produced a report.
func (p *Pipeline) finish(ctx context.Context, tc trace.Context, claim domain.Claim, dt *domain.DecisionTrace, report domain.IntelligenceReport, ruleResult domain.RuleEngineResult, mlResult domain.MLEngineResult, plan executor.Plan) (Result, error) {
	p.recommendations.Add(report.AnalysisID, report.Recommendation)
	event := publisher.NewAnalyzedEvent(report, ruleResult, mlResult)

	if plan.SuppressPublication {
		// L5: the audit store is unhealthy; journal the event locally with
		// audit still pending and publish nothing.
		return p.park(ctx, tc, report, event, true, "emergency journal: "+plan.Reason)
	}

	// The audit write gets its own budget even when the claim budget is
	// spent: a report is never delivered without its audit record, and a
	// budget-exceeded claim still needs one.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.Budgets.AuditWrite)
	defer cancel()
	rec, err := p.auditStore.Append(auditCtx, report.AnalysisID, claim.ClaimID, ReportSnapshot(event))
	if err != nil {
		p.log.WithFields(tc.Fields()).WithError(err).Error("audit append failed, parking claim")
		return p.park(ctx, tc, report, event, true, "audit write failed")
	}

	pubCtx, cancelPub := context.WithTimeout(context.WithoutCancel(ctx), p.config.Budgets.Publish)
	defer cancelPub()
	for {
		err = p.pub.PublishAnalyzed(pubCtx, event)
		if !errors.Is(err, publisher.ErrBufferFull) {
			break
		}
		// Backpressure: block synthesis on enqueue, never the backend.
		select {
		case <-pubCtx.Done():
			err = pubCtx.Err()
		case <-time.After(5 * time.Millisecond):
			continue
		}
		break
	}
	if err != nil {
		res, parkErr := p.park(ctx, tc, report, event, false, "publish enqueue failed: "+err.Error())
		res.AuditRecord = rec
		return res, parkErr
	}

	p.log.WithFields(tc.Fields()).WithFields(logrus.Fields{
		"analysis_id":    report.AnalysisID,
		"recommendation": report.Recommendation,
		"state":          StatePublished,
	}).Info("claim pipeline completed")

	return Result{State: StatePublished, Report: report, RuleResult: ruleResult, MLResult: mlResult, AuditRecord: rec}, nil
}

// park writes the analyzed event to the durable outbox for later replay.
// auditPending records whether the AuditRecord still has to
// be appended during replay.
func (p *Pipeline) park(ctx context.Context, tc trace.Context, report domain.IntelligenceReport, event domain.ClaimAnalyzedEvent, auditPending bool, reason string) (Result, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return Result{State: StateParked, Report: report}, fmt.Errorf("pipeline: marshaling parked event: %w", err)
	}
	entry := publisher.OutboxEntry{
		AnalysisID:   report.AnalysisID,
		Topic:        publisher.TopicClaimsAnalyzed,
		Key:          report.ClaimID,
		Payload:      payload,
		AuditPending: auditPending,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := p.outbox.Save(context.WithoutCancel(ctx), entry); err != nil {
		p.log.WithFields(tc.Fields()).WithError(err).Error("failed to park claim in outbox")
		return Result{State: StateParked, Report: report}, fmt.Errorf("pipeline: parking claim: %w", err)
	}
	p.log.WithFields(tc.Fields()).WithFields(logrus.Fields{
		"analysis_id": report.AnalysisID,
		"state":       StateParked,
		"reason":      reason,
	}).Warn("claim parked for replay")
	return Result{State: StateParked, Report: report}, nil
}

// ReplayOutbox restores parked claims: entries whose audit record never
// committed get it appended first (rebuilding a contiguous, verifiable
// chain), then all deliverable entries are republished. Consumers dedupe by
// analysis_id.
func (p *Pipeline) ReplayOutbox(ctx context.Context, limit int) (delivered, failed int, err error) {
	entries, err := p.outbox.Pending(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("pipeline: listing parked entries: %w", err)
	}
	for _, e := range entries {
		if !e.AuditPending || e.Topic != publisher.TopicClaimsAnalyzed {
			continue
		}
		var event domain.ClaimAnalyzedEvent
		if err := json.Unmarshal(e.Payload, &event); err != nil {
			failed++
			p.log.WithFields(logrus.Fields{"analysis_id": e.AnalysisID}).WithError(err).Error("parked event unreadable")
			continue
		}
		if _, err := p.auditStore.Append(ctx, event.AnalysisID, event.ClaimID, ReportSnapshot(event)); err != nil {
			failed++
			_ = p.outbox.IncrementAttempts(ctx, e.ID)
			p.log.WithFields(logrus.Fields{"analysis_id": e.AnalysisID}).WithError(err).Warn("audit replay failed")
			continue
		}
		if err := p.outbox.MarkAuditCommitted(ctx, e.ID); err != nil {
			p.log.WithFields(logrus.Fields{"analysis_id": e.AnalysisID}).WithError(err).Error("failed to clear audit_pending")
		}
	}

	d, f, err := p.pub.Replay(ctx, limit)
	return d, failed + f, err
}

// ReportSnapshot is the audit-record field snapshot of an analyzed event.
func ReportSnapshot(event domain.ClaimAnalyzedEvent) map[string]any {
	return map[string]any{
		"recommendation":       event.Recommendation,
		"confidence_score":     event.ConfidenceScore,
		"risk_score":           event.RiskScore,
		"assigned_queue":       event.AssignedQueue,
		"priority":             event.Priority,
		"sla_hours":            event.SLAHours,
		"rule_engine_outcome":  event.RuleEngineOutcome,
		"ml_engine_outcome":    event.MLEngineOutcome,
		"primary_reasons":      event.PrimaryReasons,
		"processing_time_ms":   event.ProcessingTimeMS,
		"trace_integrity_hash": event.DecisionTrace.IntegrityHash,
	}
}

// neutralML is the degraded ML contribution used whenever scoring is
// skipped or unavailable.
func neutralML(reason string) domain.MLEngineResult {
	return domain.MLEngineResult{
		CombinedRiskScore:  0.5,
		CombinedConfidence: 0,
		Recommendation:     reason,
		RequiresReview:     true,
	}
}

// overran reports whether the claim's total budget is exhausted.
func overran(ctx context.Context) bool {
	return ctx.Err() != nil
}

// budgetReport is the defaulted outcome for a claim whose processing budget
// ran out: MANUAL_REVIEW / STANDARD_REVIEW with the overrunning stage
// recorded.
func (p *Pipeline) budgetReport(claim domain.Claim, dt *domain.DecisionTrace, stage string) domain.IntelligenceReport {
	_ = dt.Decide("BUDGET_EXCEEDED", "total claim budget exhausted at "+stage, nil, time.Now())
	return p.defaultReport(claim, dt, domain.QueueStandardReview, domain.PriorityLow,
		[]string{"[BUDGET_EXCEEDED] processing budget exhausted at " + stage})
}

// errorReport is the defaulted outcome for an internal synthesis failure:
// MANUAL_REVIEW / SENIOR_REVIEW / HIGH with the error in the trace.
func (p *Pipeline) errorReport(claim domain.Claim, dt *domain.DecisionTrace, reason, detail string) domain.IntelligenceReport {
	_ = dt.Decide(reason, detail, nil, time.Now())
	r := p.defaultReport(claim, dt, domain.QueueSeniorReview, domain.PriorityHigh,
		[]string{"[" + reason + "] " + detail})
	return r
}

// forcedManualReport implements L4: every claim becomes MANUAL_REVIEW with
// priority per amount.
func (p *Pipeline) forcedManualReport(claim domain.Claim, dt *domain.DecisionTrace, reason string) domain.IntelligenceReport {
	priority := executor.PriorityForAmount(claim.BilledAmount)
	q := domain.QueueStandardReview
	if priority == domain.PriorityHigh || priority == domain.PriorityCritical {
		q = domain.QueueSeniorReview
	}
	_ = dt.Decide("FORCED_MANUAL_REVIEW", reason, nil, time.Now())
	return p.defaultReport(claim, dt, q, priority, []string{"[DEGRADED] " + reason})
}

// defaultReport seals a fallback MANUAL_REVIEW report outside the normal
// synthesizer path, locking the trace itself.
func (p *Pipeline) defaultReport(claim domain.Claim, dt *domain.DecisionTrace, q domain.Queue, priority domain.Priority, reasons []string) domain.IntelligenceReport {
	if !dt.Locked() {
		_, _ = dt.Lock()
	}
	return domain.IntelligenceReport{
		AnalysisID:        uuid.NewString(),
		ClaimID:           claim.ClaimID,
		Timestamp:         time.Now().UTC(),
		Recommendation:    domain.ManualReview,
		ConfidenceScore:   0,
		RiskScore:         0.5,
		AssignedQueue:     q,
		Priority:          priority,
		SLAHours:          queue.SLAHours(priority, q),
		RuleEngineOutcome: domain.AggregateFlag,
		MLEngineOutcome:   "UNAVAILABLE",
		PrimaryReasons:    reasons,
		SuggestedActions:  []string{"Assign to review queue per SLA"},
		DecisionTrace:     dt.Snapshot(),
	}
}

// RunReviewLoop consumes claims.reviewed events from the portal and emits
// derived claims.feedback events.
func (p *Pipeline) RunReviewLoop(ctx context.Context, consumer broker.Consumer, topic string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := consumer.Fetch(ctx, topic, 100)
		if err != nil {
			return fmt.Errorf("pipeline: fetching reviews: %w", err)
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			var review domain.ClaimReviewedEvent
			if err := json.Unmarshal(msg.Payload, &review); err != nil {
				p.log.WithError(err).Warn("malformed claims.reviewed event dropped")
			} else if err := p.HandleReviewed(ctx, review); err != nil {
				p.log.WithFields(logrus.Fields{"analysis_id": review.AnalysisID}).WithError(err).Warn("feedback emission failed")
			}
			if err := consumer.Commit(ctx, topic, msg.Partition, msg.Offset); err != nil {
				return fmt.Errorf("pipeline: committing review offset: %w", err)
			}
		}
	}
}

// HandleReviewed derives and publishes the claims.feedback event for one
// human review decision.
func (p *Pipeline) HandleReviewed(ctx context.Context, review domain.ClaimReviewedEvent) error {
	recommendation, _ := p.recommendations.Get(review.AnalysisID)
	feedback := DeriveFeedback(review, recommendation)
	return p.pub.PublishFeedback(ctx, feedback)
}

// DeriveFeedback classifies a human decision against the pipeline's
// recommendation into a feedback type.
func DeriveFeedback(review domain.ClaimReviewedEvent, recommendation domain.Recommendation) domain.ClaimFeedbackEvent {
	var ft domain.FeedbackType
	var isFraud bool
	switch review.Decision {
	case domain.ReviewApprove:
		switch recommendation {
		case domain.AutoApprove:
			ft = domain.FeedbackCorrectPrediction
		case domain.AutoDecline:
			ft = domain.FeedbackFalsePositive
		default:
			ft = domain.FeedbackFalsePositive
		}
	case domain.ReviewDecline:
		isFraud = true
		switch recommendation {
		case domain.AutoApprove:
			ft = domain.FeedbackFalseNegative
		default:
			ft = domain.FeedbackCorrectPrediction
		}
	default: // ESCALATE, REQUEST_INFO
		ft = domain.FeedbackPartialAgreement
	}
	return domain.ClaimFeedbackEvent{
		FeedbackID:   uuid.NewString(),
		AnalysisID:   review.AnalysisID,
		FeedbackType: ft,
		GroundTruth: domain.GroundTruth{
			FinalDecision: string(review.Decision),
			IsFraudulent:  isFraud,
			Confidence:    1.0,
		},
	}
}
