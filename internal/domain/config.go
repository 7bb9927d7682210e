package domain

import "time"

// SynthesisConfig is the read-only threshold snapshot consumed by the
// Decision Synthesizer.
type SynthesisConfig struct {
	HighRiskThreshold              float64 `mapstructure:"high_risk_threshold"`
	MediumRiskThreshold            float64 `mapstructure:"medium_risk_threshold"`
	AutoApproveMLThreshold         float64 `mapstructure:"auto_approve_ml_threshold"`
	MinConfidenceForAuto           float64 `mapstructure:"min_confidence_for_auto"`
	AutoApproveMaxAmount           float64 `mapstructure:"auto_approve_max_amount"`
	SeniorReviewAmountThreshold    float64 `mapstructure:"senior_review_amount_threshold"`
	MedicalDirectorAmountThreshold float64 `mapstructure:"medical_director_amount_threshold"`
	RelatedClaimsTopN              int     `mapstructure:"related_claims_top_n"`
	TopRiskFactorsN                int     `mapstructure:"top_risk_factors_n"`
	BusinessHoursOnlySLA           bool    `mapstructure:"business_hours_only_sla"`
}

// DefaultSynthesisConfig returns the thresholds named explicitly and
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		HighRiskThreshold:              0.70,
		MediumRiskThreshold:            0.50,
		AutoApproveMLThreshold:         0.30,
		MinConfidenceForAuto:           0.85,
		AutoApproveMaxAmount:           10_000,
		SeniorReviewAmountThreshold:    50_000,
		MedicalDirectorAmountThreshold: 50_000,
		RelatedClaimsTopN:              5,
		TopRiskFactorsN:                10,
		BusinessHoursOnlySLA:           false,
	}
}

// Budgets are the per-stage and per-claim cooperative cancellation limits.
type Budgets struct {
	RuleEngine    time.Duration `mapstructure:"rule_engine"`
	MLPerModel    time.Duration `mapstructure:"ml_per_model"`
	MLFanIn       time.Duration `mapstructure:"ml_fan_in"`
	Synthesis     time.Duration `mapstructure:"synthesis"`
	AuditWrite    time.Duration `mapstructure:"audit_write"`
	Publish       time.Duration `mapstructure:"publish"`
	TotalPerClaim time.Duration `mapstructure:"total_per_claim"`
}

// DefaultBudgets returns the defaults named.
func DefaultBudgets() Budgets {
	return Budgets{
		RuleEngine:    50 * time.Millisecond,
		MLPerModel:    500 * time.Millisecond,
		MLFanIn:       1 * time.Second,
		Synthesis:     100 * time.Millisecond,
		AuditWrite:    200 * time.Millisecond,
		Publish:       100 * time.Millisecond,
		TotalPerClaim: 2 * time.Second,
	}
}

// BreakerConfig configures one circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	TimeoutSeconds   time.Duration `mapstructure:"timeout_seconds"`
	HalfOpenMaxCalls uint32        `mapstructure:"half_open_max_calls"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// DefaultBreakerConfig returns the defaults named.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		TimeoutSeconds:   30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 3,
	}
}

// IngestionConfig configures the consumer loop.
type IngestionConfig struct {
	RateLimitPerSecond   int           `mapstructure:"rate_limit_per_second"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	MaxSkew              time.Duration `mapstructure:"max_skew"`
	IdempotencyCacheSize int           `mapstructure:"idempotency_cache_size"`
}

// DefaultIngestionConfig returns the defaults named.
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		RateLimitPerSecond:   1000,
		RateLimitBurst:       5000,
		MaxSkew:              10 * time.Minute,
		IdempotencyCacheSize: 1_000_000,
	}
}

// DegradationConfig configures the thresholds the Degradation Manager polls
// against.
type DegradationConfig struct {
	CPUHighWatermark        float64       `mapstructure:"cpu_high_watermark"`
	MemoryHighWatermark     float64       `mapstructure:"memory_high_watermark"`
	QueueDepthHighWatermark int           `mapstructure:"queue_depth_high_watermark"`
	ErrorRateHighWatermark  float64       `mapstructure:"error_rate_high_watermark"`
	AuditUnhealthySeconds   time.Duration `mapstructure:"audit_unhealthy_seconds"`
	PollInterval            time.Duration `mapstructure:"poll_interval"`
}

// DefaultDegradationConfig returns the defaults named.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		CPUHighWatermark:        0.90,
		MemoryHighWatermark:     0.90,
		QueueDepthHighWatermark: 10_000,
		ErrorRateHighWatermark:  0.10,
		AuditUnhealthySeconds:   30 * time.Second,
		PollInterval:            5 * time.Second,
	}
}

// SLAEntry maps a (priority, queue) pair to a deadline in hours.
type SLAEntry struct {
	Priority Priority
	Queue    Queue
	Hours    int
}

// DefaultSLATable is the lookup table, spanning 4h
// (CRITICAL/FRAUD) to 120h (LOW/STANDARD).
func DefaultSLATable() []SLAEntry {
	return []SLAEntry{
		{PriorityCritical, QueueFraudInvestigation, 4},
		{PriorityHigh, QueueFraudInvestigation, 8},
		{PriorityMedium, QueueFraudInvestigation, 24},
		{PriorityCritical, QueueMedicalDirector, 8},
		{PriorityHigh, QueueMedicalDirector, 24},
		{PriorityMedium, QueueMedicalDirector, 48},
		{PriorityCritical, QueueComplianceReview, 8},
		{PriorityHigh, QueueComplianceReview, 24},
		{PriorityMedium, QueueComplianceReview, 48},
		{PriorityCritical, QueueSeniorReview, 8},
		{PriorityHigh, QueueSeniorReview, 24},
		{PriorityMedium, QueueSeniorReview, 48},
		{PriorityLow, QueueSeniorReview, 72},
		{PriorityCritical, QueueStandardReview, 24},
		{PriorityHigh, QueueStandardReview, 48},
		{PriorityMedium, QueueStandardReview, 72},
		{PriorityLow, QueueStandardReview, 120},
	}
}
