package domain

import (
	"errors"
	"time"
)

// Severity is the clinical/fraud weight of a rule, used both to map a
// boolean evaluation to an outcome and to weight risk contribution.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityInfo     Severity = "INFO"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return true
	default:
		return false
	}
}

// RiskWeight is the per-severity contribution used by the synthesizer's
// risk-score computation.
func (s Severity) RiskWeight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityMajor:
		return 0.7
	case SeverityMinor:
		return 0.4
	case SeverityInfo:
		return 0.1
	default:
		return 0
	}
}

// RuleCategory is one of the nine ordered evaluation categories. The
// zero value is not a valid category; use CategoryOrder for iteration order.
type RuleCategory string

const (
	CategoryCritical            RuleCategory = "CRITICAL"
	CategoryPolicyCoverage      RuleCategory = "POLICY_COVERAGE"
	CategoryProviderEligibility RuleCategory = "PROVIDER_ELIGIBILITY"
	CategoryTariffCompliance    RuleCategory = "TARIFF_COMPLIANCE"
	CategoryCodingValidation    RuleCategory = "CODING_VALIDATION"
	CategoryTemporalValidation  RuleCategory = "TEMPORAL_VALIDATION"
	CategoryDuplicateDetection  RuleCategory = "DUPLICATE_DETECTION"
	CategoryBenefitLimits       RuleCategory = "BENEFIT_LIMITS"
	CategoryCustom              RuleCategory = "CUSTOM"
)

// CategoryOrder is the fixed evaluation order mandated.
var CategoryOrder = []RuleCategory{
	CategoryCritical,
	CategoryPolicyCoverage,
	CategoryProviderEligibility,
	CategoryTariffCompliance,
	CategoryCodingValidation,
	CategoryTemporalValidation,
	CategoryDuplicateDetection,
	CategoryBenefitLimits,
	CategoryCustom,
}

// CategoryRank returns the ordinal position of c in CategoryOrder, or
// len(CategoryOrder) for unknown categories (sorted last).
func CategoryRank(c RuleCategory) int {
	for i, v := range CategoryOrder {
		if v == c {
			return i
		}
	}
	return len(CategoryOrder)
}

// RuleDefinition is an immutable, checksummed rule. New logic is always a
// new version; a RuleDefinition value is never mutated in place.
type RuleDefinition struct {
	RuleID                 string         `json:"rule_id"`
	Version                string         `json:"version"`
	Name                   string         `json:"name"`
	Category               RuleCategory   `json:"category"`
	Severity               Severity       `json:"severity"`
	Enabled                bool           `json:"enabled"`
	ConditionExpression    string         `json:"condition_expression"`
	Parameters             map[string]any `json:"parameters"`
	AppliesToClaimTypes    []ClaimType    `json:"applies_to_claim_types"`
	AppliesToJurisdictions []string       `json:"applies_to_jurisdictions"`
	EffectiveDate          time.Time      `json:"effective_date"`
	ExpirationDate         *time.Time     `json:"expiration_date,omitempty"`
	Tags                   []string       `json:"tags,omitempty"`
	Checksum               string         `json:"checksum"`
}

// checksumPayload is the canonical subset covered by Checksum.
type checksumPayload struct {
	RuleID              string         `json:"rule_id"`
	Version             string         `json:"version"`
	ConditionExpression string         `json:"condition_expression"`
	Parameters          map[string]any `json:"parameters"`
}

// ComputeChecksum recomputes the checksum independent of the stored value;
// the Rule Store compares this against RuleDefinition.Checksum on every load.
func (r *RuleDefinition) ComputeChecksum() (string, error) {
	return SHA256HexOf(checksumPayload{
		RuleID:              r.RuleID,
		Version:             r.Version,
		ConditionExpression: r.ConditionExpression,
		Parameters:          r.Parameters,
	})
}

// VerifyChecksum reports whether the stored Checksum matches the recomputed
// value.
func (r *RuleDefinition) VerifyChecksum() (bool, error) {
	got, err := r.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return got == r.Checksum, nil
}

// AppliesTo reports whether this rule is applicable to claimType under
// jurisdiction at instant now: enabled, not expired, and within its
// applicability sets.
func (r *RuleDefinition) AppliesTo(claimType ClaimType, jurisdiction string, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if now.Before(r.EffectiveDate) {
		return false
	}
	if r.ExpirationDate != nil && now.After(*r.ExpirationDate) {
		return false
	}
	if len(r.AppliesToClaimTypes) > 0 {
		found := false
		for _, ct := range r.AppliesToClaimTypes {
			if ct == claimType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.AppliesToJurisdictions) > 0 {
		found := false
		for _, j := range r.AppliesToJurisdictions {
			if j == jurisdiction {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasTag reports whether the rule carries tag (used for FRAUD routing).
func (r *RuleDefinition) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RulesetStatus is the lifecycle state of a Ruleset.
type RulesetStatus string

const (
	RulesetDraft      RulesetStatus = "DRAFT"
	RulesetTesting    RulesetStatus = "TESTING"
	RulesetCanary     RulesetStatus = "CANARY"
	RulesetActive     RulesetStatus = "ACTIVE"
	RulesetDeprecated RulesetStatus = "DEPRECATED"
)

// Ruleset is an immutable, versioned bundle of rule IDs. Exactly one
// Ruleset is ACTIVE at a time per environment.
type Ruleset struct {
	Version     string        `json:"version"`
	Status      RulesetStatus `json:"status"`
	RuleIDs     []string      `json:"rule_ids"`
	ActivatedAt time.Time     `json:"activated_at"`
}

// RuleOutcome is the per-rule evaluation result.
type RuleOutcome string

const (
	OutcomePass RuleOutcome = "PASS"
	OutcomeFail RuleOutcome = "FAIL"
	OutcomeFlag RuleOutcome = "FLAG"
	OutcomeSkip RuleOutcome = "SKIP"
)

// RuleResult is the per-rule evaluation record. The invariant binding
// Outcome to Severity and the raw boolean/error is enforced by the caller
// (internal/ruleengine), never by this struct itself.
type RuleResult struct {
	RuleID              string         `json:"rule_id"`
	RuleVersion         string         `json:"rule_version"`
	Category            RuleCategory   `json:"category"`
	Outcome             RuleOutcome    `json:"outcome"`
	Severity            Severity       `json:"severity"`
	Message             string         `json:"message"`
	Details             map[string]any `json:"details,omitempty"`
	ExecutionTime       time.Duration  `json:"execution_time"`
	InputSnapshot       map[string]any `json:"input_snapshot,omitempty"`
	ExpressionEvaluated string         `json:"expression_evaluated"`
	ParameterValues     map[string]any `json:"parameter_values,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
}

// HasTag reports whether this rule result carries tag, mirroring
// RuleDefinition.HasTag (used by the queue router's FRAUD-tag check).
func (r RuleResult) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AggregateOutcome is the rule-engine-wide outcome.
type AggregateOutcome string

const (
	AggregatePass AggregateOutcome = "PASS"
	AggregateFail AggregateOutcome = "FAIL"
	AggregateFlag AggregateOutcome = "FLAG"
)

// RuleCounts summarizes per-outcome tallies for a RuleEngineResult.
type RuleCounts struct {
	Evaluated int `json:"evaluated"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Flagged   int `json:"flagged"`
	Skipped   int `json:"skipped"`
}

// RuleEngineResult is the aggregate produced by the Rule Engine for one
// claim. AggregateOutcome follows the invariant: FAIL iff any rule
// FAILed; else FLAG iff any rule FLAGged; else PASS. SKIP never changes the
// aggregate.
type RuleEngineResult struct {
	AggregateOutcome AggregateOutcome `json:"aggregate_outcome"`
	Counts           RuleCounts       `json:"counts"`
	Triggered        []RuleResult     `json:"triggered"`
	AllResults       []RuleResult     `json:"all_results"`
	EngineVersion    string           `json:"engine_version"`
	RulesetVersion   string           `json:"ruleset_version"`
	ExecutionTime    time.Duration    `json:"execution_time"`
	Timestamp        time.Time        `json:"timestamp"`
}

// ComputeAggregate derives AggregateOutcome and Counts from AllResults per
// the invariant It is the single source of truth for aggregation;
// internal/ruleengine calls this rather than re-deriving the logic inline.
func ComputeAggregate(results []RuleResult) (AggregateOutcome, RuleCounts, []RuleResult) {
	var counts RuleCounts
	var triggered []RuleResult
	anyFail, anyFlag := false, false
	for _, r := range results {
		counts.Evaluated++
		switch r.Outcome {
		case OutcomePass:
			counts.Passed++
		case OutcomeFail:
			counts.Failed++
			anyFail = true
			triggered = append(triggered, r)
		case OutcomeFlag:
			counts.Flagged++
			anyFlag = true
			triggered = append(triggered, r)
		case OutcomeSkip:
			counts.Skipped++
		}
	}
	agg := AggregatePass
	switch {
	case anyFail:
		agg = AggregateFail
	case anyFlag:
		agg = AggregateFlag
	}
	return agg, counts, triggered
}

var (
	ErrRulesetChecksumMismatch = errors.New("rule checksum does not match stored value")
	ErrNoActiveRuleset         = errors.New("no ACTIVE ruleset is loaded")
)
