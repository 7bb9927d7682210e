package domain

import "time"

// ClaimSubmittedEnvelope is the inbound claims.submitted broker message.
// Signature covers the Payload object only, computed over its
// canonical JSON.
type ClaimSubmittedEnvelope struct {
	EnvelopeVersion string    `json:"envelope_version"`
	Timestamp       time.Time `json:"timestamp"`
	Signature       string    `json:"signature"`
	Payload         Claim     `json:"payload"`
}

// ClaimAnalyzedEvent is the outbound claims.analyzed broker message.
// Advisory only; the backend must not treat it as authoritative.
type ClaimAnalyzedEvent struct {
	EnvelopeVersion   string            `json:"envelope_version"`
	ClaimID           string            `json:"claim_id"`
	AnalysisID        string            `json:"analysis_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Recommendation    Recommendation    `json:"recommendation"`
	ConfidenceScore   float64           `json:"confidence_score"`
	RiskScore         float64           `json:"risk_score"`
	AssignedQueue     Queue             `json:"assigned_queue,omitempty"`
	Priority          Priority          `json:"priority"`
	SLAHours          int               `json:"sla_hours"`
	RuleEngineOutcome AggregateOutcome  `json:"rule_engine_outcome"`
	RuleEngineDetails RuleEngineResult  `json:"rule_engine_details"`
	MLEngineOutcome   string            `json:"ml_engine_outcome"`
	MLEngineDetails   MLEngineResult    `json:"ml_engine_details"`
	PrimaryReasons    []string          `json:"primary_reasons"`
	SecondaryFactors  []string          `json:"secondary_factors"`
	RiskIndicators    []RiskIndicator   `json:"risk_indicators"`
	SuggestedActions  []string          `json:"suggested_actions"`
	RelatedClaims     []string          `json:"related_claims"`
	HistoricalContext map[string]any    `json:"historical_context,omitempty"`
	DecisionTrace     DecisionTraceView `json:"decision_trace"`
	ProcessingTimeMS  int64             `json:"processing_time_ms"`
	Signature         string            `json:"signature"`
}

// ReviewDecision is the possible human decision in a claims.reviewed event.
type ReviewDecision string

const (
	ReviewApprove     ReviewDecision = "APPROVE"
	ReviewDecline     ReviewDecision = "DECLINE"
	ReviewEscalate    ReviewDecision = "ESCALATE"
	ReviewRequestInfo ReviewDecision = "REQUEST_INFO"
)

// ClaimReviewedEvent is the inbound claims.reviewed event from the human
// review portal.
type ClaimReviewedEvent struct {
	AnalysisID       string         `json:"analysis_id"`
	ReviewID         string         `json:"review_id"`
	Decision         ReviewDecision `json:"decision"`
	DecisionAmount   *float64       `json:"decision_amount,omitempty"`
	AdjustmentReason string         `json:"adjustment_reason,omitempty"`
	Reviewer         Reviewer       `json:"reviewer"`
	Signature        string         `json:"signature"`
}

// Reviewer identifies the human who made a review decision.
type Reviewer struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// FeedbackType enumerates the possible outcomes of comparing a human
// decision to the pipeline's recommendation.
type FeedbackType string

const (
	FeedbackCorrectPrediction FeedbackType = "CORRECT_PREDICTION"
	FeedbackFalsePositive     FeedbackType = "FALSE_POSITIVE"
	FeedbackFalseNegative     FeedbackType = "FALSE_NEGATIVE"
	FeedbackPartialAgreement  FeedbackType = "PARTIAL_AGREEMENT"
	FeedbackRuleOverride      FeedbackType = "RULE_OVERRIDE"
	FeedbackMLOverride        FeedbackType = "ML_OVERRIDE"
)

// GroundTruth captures the human-confirmed outcome for a claims.feedback
// event.
type GroundTruth struct {
	FinalDecision string  `json:"final_decision"`
	IsFraudulent  bool    `json:"is_fraudulent"`
	FraudType     string  `json:"fraud_type,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// ClaimFeedbackEvent is derived from a ClaimReviewedEvent and written to the
// training-data sink; the core does not otherwise act on it.
type ClaimFeedbackEvent struct {
	FeedbackID   string       `json:"feedback_id"`
	AnalysisID   string       `json:"analysis_id"`
	FeedbackType FeedbackType `json:"feedback_type"`
	GroundTruth  GroundTruth  `json:"ground_truth"`
}
