package rulestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// PGLoader loads the current ACTIVE ruleset and its rules from Postgres.
type PGLoader struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPGLoader constructs a PGLoader.
func NewPGLoader(db *pgxpool.Pool, logger *logrus.Logger) *PGLoader {
	return &PGLoader{db: db, log: logger}
}

// LoadActive fetches the one ACTIVE ruleset row and every rule whose
// rule_id is a member of its rule_ids array.
func (l *PGLoader) LoadActive(ctx context.Context) (domain.Ruleset, []domain.RuleDefinition, error) {
	ruleset, err := l.loadActiveRuleset(ctx)
	if err != nil {
		return domain.Ruleset{}, nil, err
	}

	rules, err := l.loadRules(ctx, ruleset.RuleIDs)
	if err != nil {
		return domain.Ruleset{}, nil, err
	}

	l.log.WithFields(logrus.Fields{
		"ruleset_version": ruleset.Version,
		"rule_count":      len(rules),
	}).Info("Loaded active ruleset")

	return ruleset, rules, nil
}

func (l *PGLoader) loadActiveRuleset(ctx context.Context) (domain.Ruleset, error) {
	query := `
		SELECT version, status, rule_ids, activated_at
		FROM rulesets
		WHERE status = 'ACTIVE'
		ORDER BY activated_at DESC
		LIMIT 1`

	var ruleset domain.Ruleset
	var ruleIDsJSON []byte

	err := l.db.QueryRow(ctx, query).Scan(&ruleset.Version, &ruleset.Status, &ruleIDsJSON, &ruleset.ActivatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Ruleset{}, fmt.Errorf("active ruleset: %w", domain.ErrNoActiveRuleset)
		}
		l.log.WithField("error", err).Error("Failed to load active ruleset")
		return domain.Ruleset{}, fmt.Errorf("loading active ruleset: %w", err)
	}
	if err := json.Unmarshal(ruleIDsJSON, &ruleset.RuleIDs); err != nil {
		return domain.Ruleset{}, fmt.Errorf("decoding rule_ids: %w", err)
	}
	return ruleset, nil
}

func (l *PGLoader) loadRules(ctx context.Context, ruleIDs []string) ([]domain.RuleDefinition, error) {
	if len(ruleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT rule_id, version, name, category, severity, enabled,
		       condition_expression, parameters, applies_to_claim_types,
		       applies_to_jurisdictions, effective_date, expiration_date,
		       tags, checksum
		FROM rule_definitions
		WHERE rule_id = ANY($1)`

	rows, err := l.db.Query(ctx, query, ruleIDs)
	if err != nil {
		l.log.WithField("error", err).Error("Failed to load rule definitions")
		return nil, fmt.Errorf("loading rule definitions: %w", err)
	}
	defer rows.Close()

	var rules []domain.RuleDefinition
	for rows.Next() {
		var r domain.RuleDefinition
		var parametersJSON, claimTypesJSON, jurisdictionsJSON, tagsJSON []byte
		var expiration *time.Time

		err := rows.Scan(
			&r.RuleID, &r.Version, &r.Name, &r.Category, &r.Severity, &r.Enabled,
			&r.ConditionExpression, &parametersJSON, &claimTypesJSON,
			&jurisdictionsJSON, &r.EffectiveDate, &expiration,
			&tagsJSON, &r.Checksum,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning rule definition row: %w", err)
		}
		r.ExpirationDate = expiration

		if err := json.Unmarshal(parametersJSON, &r.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters for rule %s: %w", r.RuleID, err)
		}
		if err := json.Unmarshal(claimTypesJSON, &r.AppliesToClaimTypes); err != nil {
			return nil, fmt.Errorf("decoding applies_to_claim_types for rule %s: %w", r.RuleID, err)
		}
		if err := json.Unmarshal(jurisdictionsJSON, &r.AppliesToJurisdictions); err != nil {
			return nil, fmt.Errorf("decoding applies_to_jurisdictions for rule %s: %w", r.RuleID, err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
				return nil, fmt.Errorf("decoding tags for rule %s: %w", r.RuleID, err)
			}
		}

		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule definition rows: %w", err)
	}

	return rules, nil
}
