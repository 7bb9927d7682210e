package breaker

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// Level is one of the six degradation levels Lower numeric
// values are less degraded; the Manager always applies the strictest
// (highest) matching level.
type Level int

const (
	L0Full Level = iota
	L1MLDegraded
	L2HighLoad
	L3RulesOnly
	L4ManualOnly
	L5Emergency
)

func (l Level) String() string {
	switch l {
	case L0Full:
		return "L0_FULL"
	case L1MLDegraded:
		return "L1_ML_DEGRADED"
	case L2HighLoad:
		return "L2_HIGH_LOAD"
	case L3RulesOnly:
		return "L3_RULES_ONLY"
	case L4ManualOnly:
		return "L4_MANUAL_ONLY"
	case L5Emergency:
		return "L5_EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// HealthSnapshot is the set of signals the Manager polls on its fixed
// cadence.
type HealthSnapshot struct {
	AnyMLScorerUnhealthy     bool
	CPUUtilization           float64
	MemoryUtilization        float64
	IngestQueueDepth         int
	ErrorRate                float64
	RuleEngineUnhealthy      bool
	DecisionEngineUnhealthy  bool
	AuditStoreUnhealthySince time.Time // zero value means healthy
}

// Manager selects the strictest applicable degradation level from a
// HealthSnapshot and exposes it as an atomically-read value.
type Manager struct {
	config  domain.DegradationConfig
	current atomic.Int32
	log     *logrus.Logger
}

// NewManager constructs a Manager starting at L0.
func NewManager(config domain.DegradationConfig, log *logrus.Logger) *Manager {
	return &Manager{config: config, log: log}
}

// Current returns the level in effect for the next claim to start
// processing. A level change mid-claim never retroactively affects a claim
// already in flight.
func (m *Manager) Current() Level {
	return Level(m.current.Load())
}

// Evaluate applies snapshot against the configured thresholds and updates
// Current if the strictest matching level changed, logging the transition.
func (m *Manager) Evaluate(snap HealthSnapshot) Level {
	level := L0Full

	if snap.AnyMLScorerUnhealthy {
		level = max(level, L1MLDegraded)
	}
	if snap.CPUUtilization > m.config.CPUHighWatermark ||
		snap.MemoryUtilization > m.config.MemoryHighWatermark ||
		snap.IngestQueueDepth > m.config.QueueDepthHighWatermark {
		level = max(level, L2HighLoad)
	}
	if snap.ErrorRate > m.config.ErrorRateHighWatermark {
		level = max(level, L3RulesOnly)
	}
	if snap.RuleEngineUnhealthy || snap.DecisionEngineUnhealthy {
		level = max(level, L4ManualOnly)
	}
	if !snap.AuditStoreUnhealthySince.IsZero() &&
		time.Since(snap.AuditStoreUnhealthySince) >= m.config.AuditUnhealthySeconds {
		level = max(level, L5Emergency)
	}

	prev := Level(m.current.Swap(int32(level)))
	if prev != level && m.log != nil {
		m.log.WithFields(logrus.Fields{
			"from": prev.String(),
			"to":   level.String(),
		}).Warn("degradation level transition")
	}
	return level
}

func max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
