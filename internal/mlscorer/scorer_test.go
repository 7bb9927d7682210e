package mlscorer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/domain"
)

type fakeScorer struct {
	id     string
	result domain.ModelResult
	err    error
	delay  time.Duration
}

func (f *fakeScorer) ModelID() string { return f.id }

func (f *fakeScorer) Score(ctx context.Context, _ map[string]any) (domain.ModelResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.ModelResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.ModelResult{}, f.err
	}
	return f.result, nil
}

func defaultConfig() Config {
	return Config{PerModelTimeout: 50 * time.Millisecond, FanInTimeout: 200 * time.Millisecond, TopFactorsN: 10}
}

func TestAggregator_CombinedRiskIsMax(t *testing.T) {
	scorers := []Weight{
		{Scorer: &fakeScorer{id: "m1", result: domain.ModelResult{ModelID: "m1", RiskScore: 0.2, Confidence: 0.9}}, Weight: 1},
		{Scorer: &fakeScorer{id: "m2", result: domain.ModelResult{ModelID: "m2", RiskScore: 0.8, Confidence: 0.7}}, Weight: 1},
	}
	agg := New(scorers, defaultConfig(), nil)
	out := agg.Run(context.Background(), nil)
	assert.InDelta(t, 0.8, out.CombinedRiskScore, 1e-9)
	assert.InDelta(t, 0.8, out.CombinedConfidence, 1e-9)
	require.Len(t, out.ModelResults, 2)
}

func TestAggregator_FailedScorerDegrades(t *testing.T) {
	scorers := []Weight{
		{Scorer: &fakeScorer{id: "m1", err: errors.New("timeout")}, Weight: 1},
		{Scorer: &fakeScorer{id: "m2", result: domain.ModelResult{ModelID: "m2", RiskScore: 0.1, Confidence: 1.0}}, Weight: 1},
	}
	agg := New(scorers, defaultConfig(), nil)
	out := agg.Run(context.Background(), nil)
	assert.InDelta(t, 0.5, out.CombinedRiskScore, 1e-9)
	assert.InDelta(t, 0.5, out.CombinedConfidence, 1e-9)
}

func TestAggregator_FanInCapCancelsSlowScorer(t *testing.T) {
	scorers := []Weight{
		{Scorer: &fakeScorer{id: "slow", delay: 500 * time.Millisecond, result: domain.ModelResult{ModelID: "slow", RiskScore: 0.9, Confidence: 0.9}}, Weight: 1},
	}
	cfg := Config{PerModelTimeout: time.Second, FanInTimeout: 20 * time.Millisecond, TopFactorsN: 10}
	agg := New(scorers, cfg, nil)
	start := time.Now()
	out := agg.Run(context.Background(), nil)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.InDelta(t, 0.5, out.CombinedRiskScore, 1e-9)
}

func TestAggregator_TopFactorsTruncatedAndDeduped(t *testing.T) {
	scorers := []Weight{
		{Scorer: &fakeScorer{id: "m1", result: domain.ModelResult{
			ModelID: "m1", RiskScore: 0.5, Confidence: 0.5,
			RiskFactors: []domain.RiskFactor{{Feature: "a", Contribution: 0.9}, {Feature: "b", Contribution: 0.1}},
		}}, Weight: 1},
		{Scorer: &fakeScorer{id: "m2", result: domain.ModelResult{
			ModelID: "m2", RiskScore: 0.5, Confidence: 0.5,
			RiskFactors: []domain.RiskFactor{{Feature: "a", Contribution: 0.3}},
		}}, Weight: 1},
	}
	cfg := Config{PerModelTimeout: 50 * time.Millisecond, FanInTimeout: 200 * time.Millisecond, TopFactorsN: 1}
	agg := New(scorers, cfg, nil)
	out := agg.Run(context.Background(), nil)
	require.Len(t, out.TopRiskFactors, 1)
	assert.Equal(t, "a", out.TopRiskFactors[0].Feature)
	assert.InDelta(t, 0.9, out.TopRiskFactors[0].Contribution, 1e-9)
}

func TestAggregator_NoScorersRequiresReview(t *testing.T) {
	agg := New(nil, defaultConfig(), nil)
	out := agg.Run(context.Background(), nil)
	assert.True(t, out.RequiresReview)
	assert.InDelta(t, 0.5, out.CombinedRiskScore, 1e-9)
}
