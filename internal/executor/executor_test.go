package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/domain"
)

func TestForLevel_EveryLevelHasAStrategy(t *testing.T) {
	for _, level := range []breaker.Level{
		breaker.L0Full, breaker.L1MLDegraded, breaker.L2HighLoad,
		breaker.L3RulesOnly, breaker.L4ManualOnly, breaker.L5Emergency,
	} {
		assert.Equal(t, level, ForLevel(level).Level())
	}
}

func TestPlans(t *testing.T) {
	cfg := domain.DefaultSynthesisConfig()

	full := ForLevel(breaker.L0Full).Plan(100, cfg)
	assert.True(t, full.RunML)
	assert.False(t, full.ForceManualReview)
	assert.False(t, full.SuppressPublication)

	highLoad := ForLevel(breaker.L2HighLoad).Plan(100, cfg)
	assert.True(t, highLoad.RunML)
	assert.InDelta(t, cfg.AutoApproveMLThreshold*0.5, highLoad.TightenedAutoApproveMLThreshold, 1e-9)

	rulesOnly := ForLevel(breaker.L3RulesOnly).Plan(100, cfg)
	assert.False(t, rulesOnly.RunML)
	assert.True(t, rulesOnly.RulesOnlyDecision)
	assert.Less(t, rulesOnly.TightenedAutoApproveMaxAmount, cfg.AutoApproveMaxAmount)

	manual := ForLevel(breaker.L4ManualOnly).Plan(100, cfg)
	assert.True(t, manual.ForceManualReview)
	assert.False(t, manual.SuppressPublication)

	emergency := ForLevel(breaker.L5Emergency).Plan(100, cfg)
	assert.True(t, emergency.ForceManualReview)
	assert.True(t, emergency.SuppressPublication)
}

func TestPriorityForAmount(t *testing.T) {
	assert.Equal(t, domain.PriorityLow, PriorityForAmount(500))
	assert.Equal(t, domain.PriorityMedium, PriorityForAmount(20_000))
	assert.Equal(t, domain.PriorityHigh, PriorityForAmount(75_000))
}
