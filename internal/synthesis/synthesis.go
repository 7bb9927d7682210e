// Package synthesis implements the Decision Synthesizer (C5): the single
// function that combines a RuleEngineResult and an MLEngineResult into a
// sealed IntelligenceReport, applying precedence, the confidence gate, the
// amount guardrail, and risk-score computation.
package synthesis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/queue"
)

// Router is the subset of the Queue Router's surface synthesis depends on.
type Router interface {
	Route(triggered []domain.RuleResult, combinedRiskScore, billedAmount float64) domain.Queue
}

// RouterFunc adapts a plain function to Router.
type RouterFunc func(triggered []domain.RuleResult, combinedRiskScore, billedAmount float64) domain.Queue

func (f RouterFunc) Route(triggered []domain.RuleResult, combinedRiskScore, billedAmount float64) domain.Queue {
	return f(triggered, combinedRiskScore, billedAmount)
}

// Synthesizer applies sequential stages against a fixed, read-only
// threshold snapshot.
type Synthesizer struct {
	config   domain.SynthesisConfig
	router   Router
	queueCfg queue.Config
	log      *logrus.Logger
}

// New constructs a Synthesizer bound to one immutable configuration
// snapshot and queue router.
func New(config domain.SynthesisConfig, queueCfg queue.Config, router Router, log *logrus.Logger) *Synthesizer {
	return &Synthesizer{config: config, router: router, queueCfg: queueCfg, log: log}
}

// Input bundles everything the synthesizer needs for one claim.
type Input struct {
	Claim       domain.Claim
	RuleResult  domain.RuleEngineResult
	MLResult    domain.MLEngineResult
	Now         time.Time
	TraceID     string
	Correlation string
}

// Synthesize runs the full pipeline and returns a sealed
// IntelligenceReport with its DecisionTrace locked. The trace records every
// stage boundary and decision point.
func (s *Synthesizer) Synthesize(in Input, trace *domain.DecisionTrace) (domain.IntelligenceReport, error) {
	start := time.Now()
	now := in.Now
	if now.IsZero() {
		now = start
	}

	stage := func(name string) func(status, details string) {
		stageStart := time.Now()
		return func(status, details string) {
			_ = trace.Stage(name, stageStart, status, details)
		}
	}

	recommendation, queueName, priority := s.precedence(in, trace, stage)

	ruleConfidence := 1.0
	if in.RuleResult.Counts.Skipped > 0 {
		ruleConfidence = 0.9
	}
	// On a hard rule failure ML is never consulted, so only rule
	// confidence governs; otherwise joint certainty is the geometric mean
	// of both components.
	combinedConfidence := ruleConfidence
	if in.RuleResult.AggregateOutcome != domain.AggregateFail {
		combinedConfidence = domain.Clamp01(math.Sqrt(ruleConfidence * in.MLResult.CombinedConfidence))
	}

	done := stage("CONFIDENCE_GATE")
	if (recommendation == domain.AutoApprove || recommendation == domain.AutoDecline) && combinedConfidence < s.config.MinConfidenceForAuto {
		prior := recommendation
		if recommendation == domain.AutoApprove {
			recommendation, queueName, priority = domain.ManualReview, domain.QueueStandardReview, domain.PriorityLow
		} else {
			recommendation, queueName, priority = domain.ManualReview, domain.QueueSeniorReview, domain.PriorityHigh
		}
		_ = trace.Decide("CONFIDENCE_OVERRIDE", fmt.Sprintf("combined_confidence %.4f below min_confidence_for_auto %.2f (was %s)", combinedConfidence, s.config.MinConfidenceForAuto, prior), map[string]any{
			"combined_confidence": combinedConfidence,
		}, now)
	}
	done("OK", fmt.Sprintf("combined_confidence=%.4f", combinedConfidence))

	done = stage("AMOUNT_GUARDRAIL")
	if recommendation == domain.AutoApprove && in.Claim.BilledAmount > s.config.AutoApproveMaxAmount {
		recommendation, queueName, priority = domain.ManualReview, domain.QueueSeniorReview, domain.PriorityHigh
		_ = trace.Decide("AMOUNT_GUARDRAIL", fmt.Sprintf("billed_amount %.2f exceeds auto_approve_max_amount %.2f", in.Claim.BilledAmount, s.config.AutoApproveMaxAmount), nil, now)
	}
	done("OK", "")

	riskScore := combinedRiskFromRuleAndML(s.riskScore(in.RuleResult), in.MLResult.CombinedRiskScore)

	primary, secondary, indicators, actions := s.explanations(in, recommendation)

	done = stage("TRACE_LOCK")
	integrityHash, err := trace.Lock()
	done("OK", "")
	if err != nil {
		return domain.IntelligenceReport{}, fmt.Errorf("synthesis: lock trace: %w", err)
	}
	_ = integrityHash

	report := domain.IntelligenceReport{
		AnalysisID:        uuid.NewString(),
		ClaimID:           in.Claim.ClaimID,
		Timestamp:         now,
		Recommendation:    recommendation,
		ConfidenceScore:   combinedConfidence,
		RiskScore:         riskScore,
		AssignedQueue:     queueName,
		Priority:          priority,
		SLAHours:          queue.SLAHours(priority, queueName),
		RuleEngineOutcome: in.RuleResult.AggregateOutcome,
		MLEngineOutcome:   in.MLResult.Recommendation,
		PrimaryReasons:    primary,
		SecondaryFactors:  secondary,
		RiskIndicators:    indicators,
		SuggestedActions:  actions,
		RelatedClaims:     nil,
		DecisionTrace:     trace.Snapshot(),
		ProcessingTime:    time.Since(start),
	}

	if s.log != nil {
		s.log.WithFields(logrus.Fields{
			"claim_id":       in.Claim.ClaimID,
			"analysis_id":    report.AnalysisID,
			"trace_id":       in.TraceID,
			"recommendation": recommendation,
			"queue":          queueName,
			"risk_score":     riskScore,
		}).Info("Synthesized intelligence report")
	}

	return report, nil
}

// precedence applies rule precedence first, then the ML decision
// ladder when rules pass.
func (s *Synthesizer) precedence(in Input, trace *domain.DecisionTrace, stage func(string) func(string, string)) (domain.Recommendation, domain.Queue, domain.Priority) {
	done := stage("RULE_PRECEDENCE")
	defer func() { done("OK", "") }()

	switch in.RuleResult.AggregateOutcome {
	case domain.AggregateFail:
		q := domain.QueueStandardReview
		priority := domain.PriorityHigh
		if hasFraudOrDuplicate(in.RuleResult.Triggered) {
			q, priority = domain.QueueFraudInvestigation, domain.PriorityCritical
		}
		_ = trace.Decide("RULE_FAIL", "aggregate rule outcome FAIL", nil, in.Now)
		return domain.AutoDecline, q, priority

	case domain.AggregateFlag:
		q := s.router.Route(in.RuleResult.Triggered, in.MLResult.CombinedRiskScore, in.Claim.BilledAmount)
		priority := priorityForQueue(q)
		_ = trace.Decide("RULE_FLAG", "aggregate rule outcome FLAG", nil, in.Now)
		return domain.ManualReview, q, priority

	default: // PASS: proceed to ML decision ladder
		return s.mlDecision(in, trace)
	}
}

// mlDecision walks the ML risk ladder for a rule-PASS claim.
func (s *Synthesizer) mlDecision(in Input, trace *domain.DecisionTrace) (domain.Recommendation, domain.Queue, domain.Priority) {
	r := in.MLResult.CombinedRiskScore
	switch {
	case r >= s.config.HighRiskThreshold:
		_ = trace.Decide("ML_HIGH_RISK", fmt.Sprintf("combined_risk_score %.4f >= high_risk_threshold %.2f", r, s.config.HighRiskThreshold), nil, in.Now)
		return domain.ManualReview, domain.QueueFraudInvestigation, domain.PriorityHigh
	case r >= s.config.MediumRiskThreshold:
		_ = trace.Decide("ML_MEDIUM_RISK", fmt.Sprintf("combined_risk_score %.4f >= medium_risk_threshold %.2f", r, s.config.MediumRiskThreshold), nil, in.Now)
		return domain.ManualReview, domain.QueueSeniorReview, domain.PriorityMedium
	case r >= s.config.AutoApproveMLThreshold || in.MLResult.RequiresReview:
		_ = trace.Decide("ML_ELEVATED_RISK", fmt.Sprintf("combined_risk_score %.4f >= auto_approve_ml_threshold %.2f or requires_review", r, s.config.AutoApproveMLThreshold), nil, in.Now)
		return domain.ManualReview, domain.QueueStandardReview, domain.PriorityLow
	default:
		_ = trace.Decide("ML_AUTO_APPROVE", fmt.Sprintf("combined_risk_score %.4f below auto_approve_ml_threshold %.2f", r, s.config.AutoApproveMLThreshold), nil, in.Now)
		return domain.AutoApprove, domain.QueueAutoProcess, domain.PriorityLow
	}
}

func priorityForQueue(q domain.Queue) domain.Priority {
	switch q {
	case domain.QueueFraudInvestigation:
		return domain.PriorityHigh
	case domain.QueueMedicalDirector, domain.QueueComplianceReview, domain.QueueSeniorReview:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func hasFraudOrDuplicate(triggered []domain.RuleResult) bool {
	for _, r := range triggered {
		if r.Category == domain.CategoryDuplicateDetection || r.HasTag("FRAUD") {
			return true
		}
	}
	return false
}

// riskScore derives the rule-side risk contribution.
func (s *Synthesizer) riskScore(rr domain.RuleEngineResult) float64 {
	var ruleRisk float64
	switch rr.AggregateOutcome {
	case domain.AggregateFail:
		ruleRisk = 1.0
	case domain.AggregateFlag:
		for _, r := range rr.Triggered {
			if w := r.Severity.RiskWeight(); w > ruleRisk {
				ruleRisk = w
			}
		}
	}
	return ruleRisk
}

// combinedRiskFromRuleAndML applies the final risk formula, exposed
// separately from riskScore so the synthesizer can pass in the ML score
// once both are known.
func combinedRiskFromRuleAndML(ruleRisk, mlRisk float64) float64 {
	if ruleRisk > 0 {
		return domain.Clamp01(math.Max(ruleRisk*0.6, mlRisk))
	}
	return domain.Clamp01(mlRisk)
}

// explanations builds the report's reasons, factors, and indicators.
func (s *Synthesizer) explanations(in Input, recommendation domain.Recommendation) (primary, secondary []string, indicators []domain.RiskIndicator, actions []string) {
	for _, r := range in.RuleResult.Triggered {
		primary = append(primary, fmt.Sprintf("[%s] %s", r.RuleID, describeRuleOutcome(r)))
		indicators = append(indicators, domain.RiskIndicator{
			Source:      "RULE",
			Severity:    string(r.Severity),
			Code:        r.RuleID,
			Description: describeRuleOutcome(r),
		})
	}
	for _, r := range in.RuleResult.AllResults {
		if r.Outcome == domain.OutcomePass && r.Severity != domain.SeverityInfo {
			secondary = append(secondary, fmt.Sprintf("[%s] passed", r.RuleID))
		}
	}
	for _, a := range in.MLResult.AnomalySummary {
		secondary = append(secondary, "ML anomaly: "+a)
		indicators = append(indicators, domain.RiskIndicator{Source: "ML", Severity: "MEDIUM", Code: "ANOMALY", Description: a})
	}
	sort.SliceStable(indicators, func(i, j int) bool {
		return severityRank(indicators[i].Severity) < severityRank(indicators[j].Severity)
	})

	switch recommendation {
	case domain.AutoDecline:
		actions = append(actions, "Notify provider of decline", "Route to fraud investigation intake")
	case domain.ManualReview:
		actions = append(actions, "Assign to review queue per SLA")
	case domain.AutoApprove:
		actions = append(actions, "Proceed to payment processing")
	}
	return primary, secondary, indicators, actions
}

func describeRuleOutcome(r domain.RuleResult) string {
	if r.Message != "" {
		return r.Message
	}
	return string(r.Outcome)
}

func severityRank(s string) int {
	switch s {
	case "CRITICAL":
		return 0
	case "HIGH":
		return 1
	case "MEDIUM":
		return 2
	case "MAJOR":
		return 1
	case "MINOR":
		return 3
	default:
		return 4
	}
}
