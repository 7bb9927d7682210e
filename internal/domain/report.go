package domain

import "time"

// Recommendation is the synthesized decision.
type Recommendation string

const (
	AutoApprove  Recommendation = "AUTO_APPROVE"
	ManualReview Recommendation = "MANUAL_REVIEW"
	AutoDecline  Recommendation = "AUTO_DECLINE"
)

// Priority is the urgency assigned to a manual-review item.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Queue is a human-review queue destination.
type Queue string

const (
	QueueAutoProcess        Queue = "AUTO_PROCESS"
	QueueStandardReview     Queue = "STANDARD_REVIEW"
	QueueSeniorReview       Queue = "SENIOR_REVIEW"
	QueueFraudInvestigation Queue = "FRAUD_INVESTIGATION"
	QueueMedicalDirector    Queue = "MEDICAL_DIRECTOR"
	QueueComplianceReview   Queue = "COMPLIANCE_REVIEW"
)

// RiskIndicator unifies a rule-triggered or ML-anomaly signal for the
// report's risk_indicators list, sorted by severity
// descending.
type RiskIndicator struct {
	Source      string `json:"source"` // "RULE" or "ML"
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

// IntelligenceReport is the final, sealed output of the pipeline for one
// claim. Construction and invariants live in internal/synthesis; this
// struct is the data-only shape.
type IntelligenceReport struct {
	AnalysisID        string            `json:"analysis_id"`
	ClaimID           string            `json:"claim_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Recommendation    Recommendation    `json:"recommendation"`
	ConfidenceScore   float64           `json:"confidence_score"`
	RiskScore         float64           `json:"risk_score"`
	AssignedQueue     Queue             `json:"assigned_queue,omitempty"`
	Priority          Priority          `json:"priority"`
	SLAHours          int               `json:"sla_hours"`
	RuleEngineOutcome AggregateOutcome  `json:"rule_engine_outcome"`
	MLEngineOutcome   string            `json:"ml_engine_outcome"`
	PrimaryReasons    []string          `json:"primary_reasons"`
	SecondaryFactors  []string          `json:"secondary_factors"`
	RiskIndicators    []RiskIndicator   `json:"risk_indicators"`
	SuggestedActions  []string          `json:"suggested_actions"`
	RelatedClaims     []string          `json:"related_claims"`
	HistoricalContext map[string]any    `json:"historical_context,omitempty"`
	DecisionTrace     DecisionTraceView `json:"decision_trace"`
	ProcessingTime    time.Duration     `json:"processing_time"`
}

// AutoApproveEligible checks the invariant bound to AUTO_APPROVE:
// rule_engine_outcome=PASS AND risk_score < autoApproveMLThreshold AND
// confidence_score >= minConfidenceForAuto AND billed_amount <=
// autoApproveMaxAmount.
func AutoApproveEligible(r *IntelligenceReport, billedAmount, autoApproveMLThreshold, minConfidenceForAuto, autoApproveMaxAmount float64) bool {
	return r.RuleEngineOutcome == AggregatePass &&
		r.RiskScore < autoApproveMLThreshold &&
		r.ConfidenceScore >= minConfidenceForAuto &&
		billedAmount <= autoApproveMaxAmount
}
