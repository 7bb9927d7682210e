// Package mlscorer implements the ML Scorer Interface (C4): an adapter that
// invokes a configured set of opaque model scorers in parallel and
// aggregates their contracts into a single MLEngineResult. DCAL never
// inspects how a scorer computes its score; it only consumes the contract.
package mlscorer

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// Scorer is the abstract contract every ML model adapter implements.
// Implementations may call out to a remote inference service, an
// embedded model runtime, or a test double; the interface says nothing
// about internals.
type Scorer interface {
	ModelID() string
	Score(ctx context.Context, evalContext map[string]any) (domain.ModelResult, error)
}

// Weight pairs a scorer with its weight in the confidence average.
type Weight struct {
	Scorer Scorer
	Weight float64
}

// Config bounds the fan-out/fan-in of scorer invocation.
type Config struct {
	PerModelTimeout time.Duration
	FanInTimeout    time.Duration
	TopFactorsN     int
}

// Aggregator runs the configured scorers in parallel and combines their
// results.
type Aggregator struct {
	scorers []Weight
	config  Config
	log     *logrus.Logger
}

// New constructs an Aggregator over a fixed set of weighted scorers.
func New(scorers []Weight, config Config, log *logrus.Logger) *Aggregator {
	return &Aggregator{scorers: scorers, config: config, log: log}
}

type scorerOutcome struct {
	result    domain.ModelResult
	errored   bool
	cancelled bool
}

// Run invokes every configured scorer concurrently under PerModelTimeout,
// joins within FanInTimeout, and aggregates A scorer that errors,
// times out, or is cancelled by the overall pipeline budget contributes a
// degraded result (confidence=0, risk_score=0.5) rather than failing the
// claim.
func (a *Aggregator) Run(ctx context.Context, evalContext map[string]any) domain.MLEngineResult {
	if len(a.scorers) == 0 {
		return domain.MLEngineResult{
			CombinedRiskScore:  0.5,
			CombinedConfidence: 0,
			Recommendation:     "NO_SCORERS_CONFIGURED",
			RequiresReview:     true,
		}
	}

	fanInCtx, cancel := context.WithTimeout(ctx, a.config.FanInTimeout)
	defer cancel()

	// Scorer goroutines hand their outcome back over a buffered channel;
	// only this goroutine writes outcomes[], so a scorer finishing after
	// the fan-in cap can never race the degraded-slot fill below — its send
	// lands in the buffer and is simply never received.
	type indexed struct {
		i   int
		out scorerOutcome
	}
	results := make(chan indexed, len(a.scorers))
	for i, sw := range a.scorers {
		go func(i int, sw Weight) {
			results <- indexed{i: i, out: a.runOne(fanInCtx, sw, evalContext)}
		}(i, sw)
	}

	outcomes := make([]scorerOutcome, len(a.scorers))
	received := make([]bool, len(a.scorers))
	remaining := len(a.scorers)
	for remaining > 0 {
		select {
		case r := <-results:
			outcomes[r.i] = r.out
			received[r.i] = true
			remaining--
		case <-fanInCtx.Done():
			// Missing scorers (still running past the fan-in cap) are
			// treated as confidence=0 contributions.
			for i, sw := range a.scorers {
				if !received[i] {
					outcomes[i] = scorerOutcome{result: degradedResult(sw.Scorer.ModelID()), cancelled: true}
				}
			}
			remaining = 0
		}
	}

	return a.combine(outcomes)
}

func (a *Aggregator) runOne(ctx context.Context, sw Weight, evalContext map[string]any) scorerOutcome {
	callCtx, cancel := context.WithTimeout(ctx, a.config.PerModelTimeout)
	defer cancel()

	start := time.Now()
	result, err := sw.Scorer.Score(callCtx, evalContext)
	if err != nil {
		if a.log != nil {
			a.log.WithError(err).WithField("model_id", sw.Scorer.ModelID()).Warn("ML scorer failed; using degraded contribution")
		}
		return scorerOutcome{result: degradedResult(sw.Scorer.ModelID()), errored: true}
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}
	return scorerOutcome{result: result}
}

// degradedResult is the neutral, zero-confidence contribution a failed or
// cancelled scorer contributes.
func degradedResult(modelID string) domain.ModelResult {
	return domain.ModelResult{
		ModelID:    modelID,
		RiskScore:  0.5,
		Confidence: 0,
		Degraded:   true,
	}
}

// combine implements the aggregation: combined_risk_score is the max
// of individual scores (risk is worst-case); combined_confidence is the
// weighted mean, clamped; top_risk_factors is the union, deduped by feature
// name, sorted by absolute contribution, truncated to TopFactorsN.
func (a *Aggregator) combine(outcomes []scorerOutcome) domain.MLEngineResult {
	var (
		maxRisk        float64
		weightedConf   float64
		totalWeight    float64
		modelResults   = make([]domain.ModelResult, 0, len(outcomes))
		factorsByName  = make(map[string]domain.RiskFactor)
		anomalies      []string
		requiresReview bool
	)

	for i, o := range outcomes {
		modelResults = append(modelResults, o.result)
		if o.result.RiskScore > maxRisk {
			maxRisk = o.result.RiskScore
		}
		w := a.scorers[i].Weight
		weightedConf += w * o.result.Confidence
		totalWeight += w
		for _, rf := range o.result.RiskFactors {
			existing, ok := factorsByName[rf.Feature]
			if !ok || abs(rf.Contribution) > abs(existing.Contribution) {
				factorsByName[rf.Feature] = rf
			}
		}
		anomalies = append(anomalies, o.result.AnomalyIndicators...)
		if o.result.Degraded {
			requiresReview = true
		}
	}

	combinedConfidence := 0.0
	if totalWeight > 0 {
		combinedConfidence = domain.Clamp01(weightedConf / totalWeight)
	}

	topN := a.config.TopFactorsN
	if topN <= 0 {
		topN = 10
	}
	factors := make([]domain.RiskFactor, 0, len(factorsByName))
	for _, rf := range factorsByName {
		factors = append(factors, rf)
	}
	sort.Slice(factors, func(i, j int) bool {
		return abs(factors[i].Contribution) > abs(factors[j].Contribution)
	})
	if len(factors) > topN {
		factors = factors[:topN]
	}

	recommendation := "LOW_RISK"
	switch {
	case maxRisk >= 0.70:
		recommendation = "HIGH_RISK"
	case maxRisk >= 0.50:
		recommendation = "MEDIUM_RISK"
	case maxRisk >= 0.30:
		recommendation = "ELEVATED_RISK"
	}

	return domain.MLEngineResult{
		CombinedRiskScore:  domain.Clamp01(maxRisk),
		CombinedConfidence: combinedConfidence,
		Recommendation:     recommendation,
		ModelResults:       modelResults,
		TopRiskFactors:     factors,
		AnomalySummary:     dedupeStrings(anomalies),
		RequiresReview:     requiresReview,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
