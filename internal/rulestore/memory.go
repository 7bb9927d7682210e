package rulestore

import (
	"context"

	"github.com/dcal-health/dcal/internal/domain"
)

// MemoryLoader serves a fixed, in-process ruleset. Used by tests and, as an
// empty ruleset, by the CLI when no database DSN is configured.
type MemoryLoader struct {
	Ruleset domain.Ruleset
	Rules   []domain.RuleDefinition
}

// LoadActive returns the fixed ruleset and rules unconditionally.
func (m *MemoryLoader) LoadActive(ctx context.Context) (domain.Ruleset, []domain.RuleDefinition, error) {
	return m.Ruleset, m.Rules, nil
}
