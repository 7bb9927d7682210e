// Package ruleengine orchestrates rule evaluation: it consults the Rule
// Store for the applicable, ordered rules, invokes the expression
// evaluator for each, and aggregates the per-rule results into a
// RuleEngineResult.
package ruleengine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/evaluator"
)

// RuleProvider is the subset of the Rule Store's surface the engine
// depends on.
type RuleProvider interface {
	GetApplicable(claimType domain.ClaimType, jurisdiction string, now time.Time) ([]domain.RuleDefinition, error)
	ActiveRuleset() (domain.Ruleset, error)
}

// Config bounds a single claim's rule evaluation.
type Config struct {
	EngineTimeout  time.Duration
	PerRuleTimeout time.Duration
	EngineVersion  string
}

// Engine evaluates a claim's applicable rules in the fixed category
// order and produces the aggregate RuleEngineResult.
type Engine struct {
	store  RuleProvider
	config Config
	log    *logrus.Logger
}

// New constructs an Engine bound to a rule provider.
func New(store RuleProvider, config Config, log *logrus.Logger) *Engine {
	return &Engine{store: store, config: config, log: log}
}

// Evaluate runs every applicable rule against evalContext (the closed
// root entities the expression evaluator may address: claim, policy,
// provider, member, history, tariff, params) and aggregates the
// outcomes per the FAIL/FLAG/PASS invariant.
func (e *Engine) Evaluate(ctx context.Context, claimType domain.ClaimType, jurisdiction string, now time.Time, evalContext map[string]any) (domain.RuleEngineResult, error) {
	start := time.Now()

	rules, err := e.store.GetApplicable(claimType, jurisdiction, now)
	if err != nil {
		return domain.RuleEngineResult{}, err
	}
	ruleset, err := e.store.ActiveRuleset()
	if err != nil {
		return domain.RuleEngineResult{}, err
	}

	engineDeadline := start.Add(e.config.EngineTimeout)
	results := make([]domain.RuleResult, 0, len(rules))
	criticalFailed := false
	truncated := false

	for _, rule := range rules {
		if time.Now().After(engineDeadline) {
			truncated = true
			break
		}
		if criticalFailed && rule.Category != domain.CategoryCritical {
			results = append(results, domain.RuleResult{
				RuleID:      rule.RuleID,
				RuleVersion: rule.Version,
				Category:    rule.Category,
				Outcome:     domain.OutcomeSkip,
				Severity:    rule.Severity,
				Message:     "skipped: a CRITICAL rule already failed",
				Tags:        rule.Tags,
			})
			continue
		}

		result := e.evaluateRule(ctx, rule, evalContext, now)
		if result.Severity == domain.SeverityCritical && result.Outcome == domain.OutcomeFail {
			criticalFailed = true
		}
		results = append(results, result)
	}

	if truncated {
		for _, rule := range rules[len(results):] {
			results = append(results, domain.RuleResult{
				RuleID:      rule.RuleID,
				RuleVersion: rule.Version,
				Category:    rule.Category,
				Outcome:     domain.OutcomeSkip,
				Severity:    rule.Severity,
				Message:     "skipped: ENGINE_TIMEOUT",
				Tags:        rule.Tags,
			})
		}
	}

	aggregate, counts, triggered := domain.ComputeAggregate(results)
	if truncated && aggregate == domain.AggregatePass {
		aggregate = domain.AggregateFlag
	}

	if e.log != nil {
		e.log.WithFields(logrus.Fields{
			"ruleset_version": ruleset.Version,
			"aggregate":       aggregate,
			"evaluated":       counts.Evaluated,
			"truncated":       truncated,
		}).Info("Rule engine completed")
	}

	return domain.RuleEngineResult{
		AggregateOutcome: aggregate,
		Counts:           counts,
		Triggered:        triggered,
		AllResults:       results,
		EngineVersion:    e.config.EngineVersion,
		RulesetVersion:   ruleset.Version,
		ExecutionTime:    time.Since(start),
		Timestamp:        start,
	}, nil
}

// evaluateRule invokes the evaluator under a per-rule cooperative
// timeout. A per-rule timeout, parse failure, or evaluation failure all
// resolve to outcome=FLAG with the error recorded (never a hard stop).
func (e *Engine) evaluateRule(ctx context.Context, rule domain.RuleDefinition, evalContext map[string]any, now time.Time) domain.RuleResult {
	ruleCtx, cancel := context.WithTimeout(ctx, e.config.PerRuleTimeout)
	defer cancel()

	// Each rule sees the shared read-only context plus its own parameters
	// bound to the params root entity.
	ruleContext := make(map[string]any, len(evalContext)+1)
	for k, v := range evalContext {
		ruleContext[k] = v
	}
	ruleContext["params"] = rule.Parameters

	resultCh := make(chan evalOutcome, 1)
	start := time.Now()
	go func() {
		ok, err := evaluator.Evaluate(rule.ConditionExpression, ruleContext, now)
		resultCh <- evalOutcome{ok: ok, err: err}
	}()

	select {
	case out := <-resultCh:
		return mapOutcome(rule, out.ok, out.err, time.Since(start), ruleContext)
	case <-ruleCtx.Done():
		return domain.RuleResult{
			RuleID:        rule.RuleID,
			RuleVersion:   rule.Version,
			Category:      rule.Category,
			Outcome:       domain.OutcomeFlag,
			Severity:      rule.Severity,
			Message:       "rule evaluation timed out",
			ExecutionTime: time.Since(start),
			Tags:          rule.Tags,
		}
	}
}

type evalOutcome struct {
	ok  bool
	err error
}

func mapOutcome(rule domain.RuleDefinition, ok bool, err error, elapsed time.Duration, evalContext map[string]any) domain.RuleResult {
	base := domain.RuleResult{
		RuleID:              rule.RuleID,
		RuleVersion:         rule.Version,
		Category:            rule.Category,
		Severity:            rule.Severity,
		ExecutionTime:       elapsed,
		ExpressionEvaluated: rule.ConditionExpression,
		ParameterValues:     rule.Parameters,
		Tags:                rule.Tags,
		InputSnapshot:       snapshotFor(rule, evalContext),
	}

	if err != nil {
		base.Outcome = domain.OutcomeFlag
		base.Message = err.Error()
		return base
	}
	if ok {
		base.Outcome = domain.OutcomePass
		return base
	}
	if rule.Severity == domain.SeverityCritical {
		base.Outcome = domain.OutcomeFail
	} else {
		base.Outcome = domain.OutcomeFlag
	}
	base.Message = "condition evaluated to false"
	return base
}

// snapshotFor captures only the root entities a rule's own condition
// expression mentions — a coarse but cheap approximation, avoiding a full
// copy of the evaluation context on every rule.
func snapshotFor(rule domain.RuleDefinition, evalContext map[string]any) map[string]any {
	snapshot := make(map[string]any, 2)
	for name, value := range evalContext {
		if strings.Contains(rule.ConditionExpression, name) {
			snapshot[name] = value
		}
	}
	return snapshot
}
