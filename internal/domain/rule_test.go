package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleDefinitionChecksum_RoundTrip(t *testing.T) {
	rd := &RuleDefinition{
		RuleID:              "DUP-001",
		Version:             "1.0.0",
		ConditionExpression: "claim.billed_amount > 0",
		Parameters:          map[string]any{"window_days": 30},
	}
	checksum, err := rd.ComputeChecksum()
	require.NoError(t, err)
	rd.Checksum = checksum

	ok, err := rd.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRuleDefinitionChecksum_MismatchOnTamper(t *testing.T) {
	rd := &RuleDefinition{
		RuleID:              "DUP-001",
		Version:             "1.0.0",
		ConditionExpression: "claim.billed_amount > 0",
		Parameters:          map[string]any{"window_days": 30},
	}
	checksum, err := rd.ComputeChecksum()
	require.NoError(t, err)
	rd.Checksum = checksum

	rd.ConditionExpression = "claim.billed_amount > 100"
	ok, err := rd.VerifyChecksum()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRuleDefinitionAppliesTo(t *testing.T) {
	now := time.Now()
	rd := &RuleDefinition{
		Enabled:             true,
		EffectiveDate:       now.Add(-24 * time.Hour),
		AppliesToClaimTypes: []ClaimType{ClaimProfessional},
	}
	assert.True(t, rd.AppliesTo(ClaimProfessional, "US", now))
	assert.False(t, rd.AppliesTo(ClaimDental, "US", now))

	expired := now.Add(-1 * time.Hour)
	rd.ExpirationDate = &expired
	assert.False(t, rd.AppliesTo(ClaimProfessional, "US", now))
}

func TestComputeAggregate_FailDominates(t *testing.T) {
	results := []RuleResult{
		{Outcome: OutcomePass},
		{Outcome: OutcomeFlag},
		{Outcome: OutcomeFail},
		{Outcome: OutcomeSkip},
	}
	agg, counts, triggered := ComputeAggregate(results)
	assert.Equal(t, AggregateFail, agg)
	assert.Equal(t, 4, counts.Evaluated)
	assert.Equal(t, 1, counts.Passed)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Flagged)
	assert.Equal(t, 1, counts.Skipped)
	assert.Len(t, triggered, 2)
}

func TestComputeAggregate_FlagWithoutFail(t *testing.T) {
	results := []RuleResult{{Outcome: OutcomePass}, {Outcome: OutcomeFlag}, {Outcome: OutcomeSkip}}
	agg, _, _ := ComputeAggregate(results)
	assert.Equal(t, AggregateFlag, agg)
}

func TestComputeAggregate_SkipNeverFlips(t *testing.T) {
	results := []RuleResult{{Outcome: OutcomePass}, {Outcome: OutcomeSkip}, {Outcome: OutcomeSkip}}
	agg, _, _ := ComputeAggregate(results)
	assert.Equal(t, AggregatePass, agg)
}

func TestCategoryOrder_Stable(t *testing.T) {
	assert.Less(t, CategoryRank(CategoryCritical), CategoryRank(CategoryPolicyCoverage))
	assert.Less(t, CategoryRank(CategoryDuplicateDetection), CategoryRank(CategoryBenefitLimits))
	assert.Less(t, CategoryRank(CategoryBenefitLimits), CategoryRank(CategoryCustom))
}
