package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dcal-health/dcal/internal/domain"
)

func TestManager_DefaultsToL0(t *testing.T) {
	m := NewManager(domain.DefaultDegradationConfig(), nil)
	assert.Equal(t, L0Full, m.Current())
}

func TestManager_MLUnhealthyIsL1(t *testing.T) {
	m := NewManager(domain.DefaultDegradationConfig(), nil)
	level := m.Evaluate(HealthSnapshot{AnyMLScorerUnhealthy: true})
	assert.Equal(t, L1MLDegraded, level)
}

func TestManager_StrictestLevelWins(t *testing.T) {
	m := NewManager(domain.DefaultDegradationConfig(), nil)
	level := m.Evaluate(HealthSnapshot{
		AnyMLScorerUnhealthy: true,
		RuleEngineUnhealthy:  true,
	})
	assert.Equal(t, L4ManualOnly, level)
}

func TestManager_AuditUnhealthyPastThresholdIsL5(t *testing.T) {
	cfg := domain.DefaultDegradationConfig()
	cfg.AuditUnhealthySeconds = 10 * time.Millisecond
	m := NewManager(cfg, nil)
	level := m.Evaluate(HealthSnapshot{AuditStoreUnhealthySince: time.Now().Add(-time.Second)})
	assert.Equal(t, L5Emergency, level)
}

func TestManager_CurrentPersistsBetweenEvaluates(t *testing.T) {
	m := NewManager(domain.DefaultDegradationConfig(), nil)
	m.Evaluate(HealthSnapshot{AnyMLScorerUnhealthy: true})
	assert.Equal(t, L1MLDegraded, m.Current())
}
