// Package queue implements the Queue Router & SLA table (C6): a pure
// function mapping (triggered rule results, combined ML risk, billed
// amount, queue depths) to a review queue, plus the SLA lookup table from
package queue

import (
	"time"

	"github.com/dcal-health/dcal/internal/domain"
)

// Capacity reports the current load of a named queue as a fraction of its
// configured capacity, used for the capacity fallback.
type Capacity interface {
	Utilization(queue domain.Queue) float64
}

// Config bounds the router's amount thresholds; the routing rules
// themselves live in code, not configuration.
type Config struct {
	MedicalDirectorAmountThreshold float64
	SeniorReviewAmountThreshold    float64
	CapacityEscalationThreshold    float64 // default 0.90
	BusinessHoursOnlySLA           bool
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MedicalDirectorAmountThreshold: 50_000,
		SeniorReviewAmountThreshold:    50_000,
		CapacityEscalationThreshold:    0.90,
	}
}

// Adapter binds a Config and Capacity source into a value satisfying the
// Decision Synthesizer's Router interface (synthesis.Router), so the
// synthesizer never needs to know about queue.Config or queue.Capacity.
type Adapter struct {
	Config   Config
	Capacity Capacity
}

// Route satisfies synthesis.Router by duck typing: same method signature,
// no import of internal/synthesis required.
func (a Adapter) Route(triggered []domain.RuleResult, combinedRiskScore, billedAmount float64) domain.Queue {
	return Route(a.Config, triggered, combinedRiskScore, billedAmount, a.Capacity)
}

// Route chooses the review queue for a MANUAL_REVIEW claim per the ordered
// rules It is called only when the Decision Synthesizer has
// already decided MANUAL_REVIEW is warranted; it is a pure function of its
// inputs.
func Route(cfg Config, triggered []domain.RuleResult, combinedRiskScore, billedAmount float64, cap Capacity) domain.Queue {
	if hasFraudSignal(triggered) || combinedRiskScore >= 0.70 {
		return domain.QueueFraudInvestigation
	}
	if hasCategoryOrTag(triggered, domain.CategoryCodingValidation, "MEDICAL_NECESSITY") && billedAmount > cfg.MedicalDirectorAmountThreshold {
		return domain.QueueMedicalDirector
	}
	if hasCategoryOrTag(triggered, domain.CategoryPolicyCoverage, "COMPLIANCE") {
		return domain.QueueComplianceReview
	}
	if billedAmount > cfg.SeniorReviewAmountThreshold || len(triggered) >= 3 {
		return domain.QueueSeniorReview
	}

	chosen := domain.QueueStandardReview
	if cap != nil && cap.Utilization(chosen) >= escalationThreshold(cfg) {
		return domain.QueueSeniorReview
	}
	return chosen
}

func escalationThreshold(cfg Config) float64 {
	if cfg.CapacityEscalationThreshold <= 0 {
		return 0.90
	}
	return cfg.CapacityEscalationThreshold
}

func hasFraudSignal(triggered []domain.RuleResult) bool {
	for _, r := range triggered {
		if r.Category == domain.CategoryDuplicateDetection || r.HasTag("FRAUD") {
			return true
		}
	}
	return false
}

func hasCategoryOrTag(triggered []domain.RuleResult, category domain.RuleCategory, tag string) bool {
	for _, r := range triggered {
		if r.Category == category || r.HasTag(tag) {
			return true
		}
	}
	return false
}

// SLAHours looks up the deadline in hours for (priority, queue) from the
// table. Falls back to the most conservative (120h) entry if the pair
// is not present, which should never happen for a well-formed call.
func SLAHours(priority domain.Priority, q domain.Queue) int {
	for _, e := range domain.DefaultSLATable() {
		if e.Priority == priority && e.Queue == q {
			return e.Hours
		}
	}
	return 120
}

// Deadline computes the wall-clock or business-hours-only deadline for a
// claim given its SLA hours. In business-hours mode only hours
// within 09:00-17:00 local, Monday-Friday, count toward the deadline.
func Deadline(from time.Time, slaHours int, businessHoursOnly bool) time.Time {
	if !businessHoursOnly {
		return from.Add(time.Duration(slaHours) * time.Hour)
	}
	remaining := slaHours
	cursor := from
	for remaining > 0 {
		if isBusinessHour(cursor) {
			remaining--
		}
		cursor = cursor.Add(time.Hour)
	}
	return cursor
}

func isBusinessHour(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	h := t.Hour()
	return h >= 9 && h < 17
}
