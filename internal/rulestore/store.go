// Package rulestore loads, checksums, and serves immutable ruleset
// versions. A Store is copy-on-reload: readers always observe a
// consistent snapshot, and a reload atomically swaps the snapshot
// pointer rather than mutating rules in place.
package rulestore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/dcal-health/dcal/internal/domain"
)

// Loader fetches the currently ACTIVE ruleset and its rules from a
// versioned backing store. Implementations may read from a database, a
// file bundle, or a remote config service; the Store itself is agnostic.
type Loader interface {
	LoadActive(ctx context.Context) (domain.Ruleset, []domain.RuleDefinition, error)
}

// snapshot is the immutable, already-validated state served to readers.
// Rules are pre-sorted within each category by rule_id so GetApplicable
// never needs to re-sort on the hot path.
type snapshot struct {
	ruleset domain.Ruleset
	rules   []domain.RuleDefinition
}

// Store serves the current ACTIVE ruleset via copy-on-reload semantics.
type Store struct {
	loader  Loader
	current atomic.Pointer[snapshot]
}

// New constructs a Store without loading; call Reload to populate it.
func New(loader Loader) *Store {
	return &Store{loader: loader}
}

// Reload loads the current ACTIVE ruleset from the backing store,
// verifies every rule's checksum, and atomically swaps the served
// snapshot. A checksum mismatch is a hard error: the reload is rejected
// and the previously served snapshot (if any) remains in effect.
func (s *Store) Reload(ctx context.Context) error {
	ruleset, rules, err := s.loader.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("rulestore: load active ruleset: %w", err)
	}
	for i := range rules {
		if _, err := semver.NewVersion(rules[i].Version); err != nil {
			return fmt.Errorf("rulestore: rule %s has non-semver version %q: %w", rules[i].RuleID, rules[i].Version, err)
		}
		ok, err := rules[i].VerifyChecksum()
		if err != nil {
			return fmt.Errorf("rulestore: compute checksum for rule %s: %w", rules[i].RuleID, err)
		}
		if !ok {
			return fmt.Errorf("rulestore: rule %s version %s: %w", rules[i].RuleID, rules[i].Version, domain.ErrRulesetChecksumMismatch)
		}
	}

	sorted := make([]domain.RuleDefinition, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := domain.CategoryRank(sorted[i].Category), domain.CategoryRank(sorted[j].Category)
		if ci != cj {
			return ci < cj
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	s.current.Store(&snapshot{ruleset: ruleset, rules: sorted})
	return nil
}

// GetApplicable returns the enabled, non-expired, category-ordered rules
// whose applicability set includes claimType and jurisdiction, as of now.
// Returns domain.ErrNoActiveRuleset if Reload has never succeeded.
func (s *Store) GetApplicable(claimType domain.ClaimType, jurisdiction string, now time.Time) ([]domain.RuleDefinition, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, domain.ErrNoActiveRuleset
	}
	out := make([]domain.RuleDefinition, 0, len(snap.rules))
	for _, r := range snap.rules {
		if r.AppliesTo(claimType, jurisdiction, now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ActiveRuleset returns the ruleset metadata for the currently served
// snapshot. Returns domain.ErrNoActiveRuleset if none has loaded yet.
func (s *Store) ActiveRuleset() (domain.Ruleset, error) {
	snap := s.current.Load()
	if snap == nil {
		return domain.Ruleset{}, domain.ErrNoActiveRuleset
	}
	return snap.ruleset, nil
}
