// Package executor implements the degraded-mode Executor strategies (C12):
// one strategy per degradation level. The pipeline consults the Degradation
// Manager once at the start of a claim to pick its Executor; a level change
// mid-claim never retroactively affects a claim already in flight.
package executor

import (
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/domain"
)

// Plan is what an Executor decides before the pipeline runs the rule
// engine and ML scorer for one claim.
type Plan struct {
	// RunML is false when the executor's level means ML scoring must be
	// skipped entirely (L3 and stricter).
	RunML bool
	// ForceManualReview is true when the executor's level means every
	// claim becomes MANUAL_REVIEW regardless of rule/ML outcome (L4).
	ForceManualReview bool
	// SuppressPublication is true when the executor's level means no
	// claims.analyzed event may be published at all (L5); the claim is
	// still ingested and journaled locally for later replay.
	SuppressPublication bool
	// TightenedAutoApproveMLThreshold overrides
	// SynthesisConfig.AutoApproveMLThreshold when non-zero (L2 tightens
	// thresholds by 50%).
	TightenedAutoApproveMLThreshold float64
	// RulesOnlyDecision is true when the decision must be made from the
	// rule outcome alone (L3): the pipeline substitutes a full-confidence,
	// zero-risk ML contribution so a rule PASS can still auto-approve,
	// gated by TightenedAutoApproveMaxAmount.
	RulesOnlyDecision bool
	// TightenedAutoApproveMaxAmount overrides
	// SynthesisConfig.AutoApproveMaxAmount when non-zero (L3: only small
	// amounts auto-approve).
	TightenedAutoApproveMaxAmount float64
	// Reason is recorded on the claim's trace explaining which executor
	// was selected.
	Reason string
}

// Executor is a strategy object selected once per claim by the
// Degradation Manager's current level.
type Executor interface {
	Level() breaker.Level
	Plan(claimBilledAmount float64, baseConfig domain.SynthesisConfig) Plan
}

// ForLevel returns the Executor strategy for a degradation level. Every
// level in breaker.L0Full..L5Emergency has exactly one implementation.
func ForLevel(level breaker.Level) Executor {
	switch level {
	case breaker.L1MLDegraded:
		return l1MLDegraded{}
	case breaker.L2HighLoad:
		return l2HighLoad{}
	case breaker.L3RulesOnly:
		return l3RulesOnly{}
	case breaker.L4ManualOnly:
		return l4ManualOnly{}
	case breaker.L5Emergency:
		return l5Emergency{}
	default:
		return l0Full{}
	}
}

type l0Full struct{}

func (l0Full) Level() breaker.Level { return breaker.L0Full }
func (l0Full) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{RunML: true, Reason: "L0_FULL: all dependencies healthy"}
}

// l1MLDegraded still runs ML, but any unhealthy scorer already contributes
// a neutral 0.5/0-confidence result; auto decisions remain
// possible only if the confidence gate still passes on that degraded
// contribution, which synthesis.Synthesizer enforces unconditionally — no
// extra plan field is needed beyond recording the reason.
type l1MLDegraded struct{}

func (l1MLDegraded) Level() breaker.Level { return breaker.L1MLDegraded }
func (l1MLDegraded) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{RunML: true, Reason: "L1_ML_DEGRADED: one or more ML scorers unhealthy, degraded contribution used"}
}

type l2HighLoad struct{}

func (l2HighLoad) Level() breaker.Level { return breaker.L2HighLoad }
func (l2HighLoad) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{
		RunML:                           true,
		TightenedAutoApproveMLThreshold: cfg.AutoApproveMLThreshold * 0.5,
		Reason:                          "L2_HIGH_LOAD: CPU/memory/queue-depth watermark exceeded, thresholds tightened",
	}
}

type l3RulesOnly struct{}

func (l3RulesOnly) Level() breaker.Level { return breaker.L3RulesOnly }
func (l3RulesOnly) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{
		RunML:                         false,
		RulesOnlyDecision:             true,
		TightenedAutoApproveMaxAmount: cfg.AutoApproveMaxAmount * 0.25,
		Reason:                        "L3_RULES_ONLY: error rate exceeded watermark, ML skipped",
	}
}

type l4ManualOnly struct{}

func (l4ManualOnly) Level() breaker.Level { return breaker.L4ManualOnly }
func (l4ManualOnly) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{RunML: false, ForceManualReview: true, Reason: "L4_MANUAL_ONLY: rule or decision engine unhealthy"}
}

type l5Emergency struct{}

func (l5Emergency) Level() breaker.Level { return breaker.L5Emergency }
func (l5Emergency) Plan(_ float64, cfg domain.SynthesisConfig) Plan {
	return Plan{RunML: false, ForceManualReview: true, SuppressPublication: true, Reason: "L5_EMERGENCY: audit store unhealthy, publication suppressed"}
}

// PriorityForAmount is used by L4's "priority per amount" rule: it
// assigns priority from billed amount alone since no rule/ML signal is
// trusted at this level.
func PriorityForAmount(amount float64) domain.Priority {
	switch {
	case amount > 50_000:
		return domain.PriorityHigh
	case amount > 10_000:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}
