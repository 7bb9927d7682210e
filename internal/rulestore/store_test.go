package rulestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcal-health/dcal/internal/domain"
)

func mustRule(t *testing.T, ruleID, version string, category domain.RuleCategory, claimTypes []domain.ClaimType) domain.RuleDefinition {
	t.Helper()
	r := domain.RuleDefinition{
		RuleID:              ruleID,
		Version:             version,
		Category:            category,
		Severity:            domain.SeverityMajor,
		Enabled:             true,
		ConditionExpression: "claim.billed_amount > 0",
		Parameters:          map[string]any{},
		AppliesToClaimTypes: claimTypes,
		EffectiveDate:       time.Now().Add(-24 * time.Hour),
	}
	checksum, err := r.ComputeChecksum()
	require.NoError(t, err)
	r.Checksum = checksum
	return r
}

func TestStore_ReloadAndGetApplicable(t *testing.T) {
	loader := &MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive, RuleIDs: []string{"DUP-001", "COV-001"}},
		Rules: []domain.RuleDefinition{
			mustRule(t, "DUP-001", "1.0.0", domain.CategoryDuplicateDetection, []domain.ClaimType{domain.ClaimProfessional}),
			mustRule(t, "COV-001", "1.0.0", domain.CategoryPolicyCoverage, []domain.ClaimType{domain.ClaimProfessional}),
		},
	}
	store := New(loader)
	require.NoError(t, store.Reload(context.Background()))

	applicable, err := store.GetApplicable(domain.ClaimProfessional, "US", time.Now())
	require.NoError(t, err)
	require.Len(t, applicable, 2)
	assert.Equal(t, domain.CategoryPolicyCoverage, applicable[0].Category)
	assert.Equal(t, domain.CategoryDuplicateDetection, applicable[1].Category)

	_, err = store.GetApplicable(domain.ClaimDental, "US", time.Now())
	require.NoError(t, err)
}

func TestStore_ReloadRejectsChecksumMismatch(t *testing.T) {
	rule := mustRule(t, "DUP-001", "1.0.0", domain.CategoryDuplicateDetection, []domain.ClaimType{domain.ClaimProfessional})
	rule.ConditionExpression = "tampered"

	loader := &MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive, RuleIDs: []string{"DUP-001"}},
		Rules:   []domain.RuleDefinition{rule},
	}
	store := New(loader)
	err := store.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRulesetChecksumMismatch)
}

func TestStore_GetApplicableBeforeReload(t *testing.T) {
	store := New(&MemoryLoader{})
	_, err := store.GetApplicable(domain.ClaimProfessional, "US", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoActiveRuleset)
}

func TestStore_ReloadPreservesPreviousSnapshotOnFailure(t *testing.T) {
	good := &MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive, RuleIDs: []string{"DUP-001"}},
		Rules:   []domain.RuleDefinition{mustRule(t, "DUP-001", "1.0.0", domain.CategoryDuplicateDetection, []domain.ClaimType{domain.ClaimProfessional})},
	}
	store := New(good)
	require.NoError(t, store.Reload(context.Background()))

	badRule := mustRule(t, "DUP-002", "1.0.0", domain.CategoryDuplicateDetection, []domain.ClaimType{domain.ClaimProfessional})
	badRule.Parameters = map[string]any{"tampered": true}
	badRule.Checksum = "0000"
	bad := &MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.2", Status: domain.RulesetActive, RuleIDs: []string{"DUP-002"}},
		Rules:   []domain.RuleDefinition{badRule},
	}
	store.loader = bad
	err := store.Reload(context.Background())
	require.Error(t, err)

	ruleset, err := store.ActiveRuleset()
	require.NoError(t, err)
	assert.Equal(t, "2026.1", ruleset.Version)
}

func TestStore_ReloadRejectsNonSemverRuleVersion(t *testing.T) {
	rule := mustRule(t, "DUP-003", "not-a-version", domain.CategoryDuplicateDetection, []domain.ClaimType{domain.ClaimProfessional})
	loader := &MemoryLoader{
		Ruleset: domain.Ruleset{Version: "2026.1", Status: domain.RulesetActive, RuleIDs: []string{"DUP-003"}},
		Rules:   []domain.RuleDefinition{rule},
	}
	err := New(loader).Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-semver")
}
