package domain

import "time"

// RiskFactor is one contributing signal from an ML scorer, ranked by
// absolute contribution.
type RiskFactor struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Description  string  `json:"description,omitempty"`
}

// ModelResult is a single scorer's opaque contract output. DCAL does
// not define how a model computes this; it only consumes the contract.
type ModelResult struct {
	ModelID           string        `json:"model_id"`
	ModelVersion      string        `json:"model_version"`
	ModelHash         string        `json:"model_hash"`
	RiskScore         float64       `json:"risk_score"`
	Confidence        float64       `json:"confidence"`
	RiskFactors       []RiskFactor  `json:"risk_factors,omitempty"`
	AnomalyIndicators []string      `json:"anomaly_indicators,omitempty"`
	ExecutionTime     time.Duration `json:"execution_time"`
	Degraded          bool          `json:"degraded,omitempty"`
}

// MLEngineResult is the aggregated output of all configured scorers for one
// claim. It is treated as an opaque advisory contract by everything
// downstream except the Decision Synthesizer.
type MLEngineResult struct {
	CombinedRiskScore  float64       `json:"combined_risk_score"`
	CombinedConfidence float64       `json:"combined_confidence"`
	Recommendation     string        `json:"recommendation"`
	ModelResults       []ModelResult `json:"model_results"`
	TopRiskFactors     []RiskFactor  `json:"top_risk_factors"`
	AnomalySummary     []string      `json:"anomaly_summary"`
	RequiresReview     bool          `json:"requires_review"`
}

// Clamp01 clamps x into [0,1].
func Clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
