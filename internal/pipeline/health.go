package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
)

// HealthProbes gathers the signals the Degradation Manager polls on its
// fixed cadence. Every func field is optional; a nil probe reports
// healthy/zero.
type HealthProbes struct {
	Audit      audit.Writer
	MLBreakers []*breaker.Breaker
	RuleEngine func(ctx context.Context) bool // true = healthy
	CPU        func() float64
	Memory     func() float64
	QueueDepth func() int
	ErrorRate  func() float64

	mu                  sync.Mutex
	auditUnhealthySince time.Time
}

// Collect builds one HealthSnapshot, tracking how long the audit store has
// been continuously unhealthy so the Manager can apply the L5 grace window.
func (h *HealthProbes) Collect(ctx context.Context) breaker.HealthSnapshot {
	snap := breaker.HealthSnapshot{}

	for _, b := range h.MLBreakers {
		if !b.Healthy() {
			snap.AnyMLScorerUnhealthy = true
			break
		}
	}
	if h.RuleEngine != nil && !h.RuleEngine(ctx) {
		snap.RuleEngineUnhealthy = true
	}
	if h.CPU != nil {
		snap.CPUUtilization = h.CPU()
	}
	if h.Memory != nil {
		snap.MemoryUtilization = h.Memory()
	}
	if h.QueueDepth != nil {
		snap.IngestQueueDepth = h.QueueDepth()
	}
	if h.ErrorRate != nil {
		snap.ErrorRate = h.ErrorRate()
	}

	if h.Audit != nil {
		h.mu.Lock()
		if h.Audit.Healthy(ctx) {
			h.auditUnhealthySince = time.Time{}
		} else if h.auditUnhealthySince.IsZero() {
			h.auditUnhealthySince = time.Now()
		}
		snap.AuditStoreUnhealthySince = h.auditUnhealthySince
		h.mu.Unlock()
	}
	return snap
}

// RunMonitor polls probes on interval and feeds each snapshot to the
// Degradation Manager until ctx is cancelled.
func RunMonitor(ctx context.Context, mgr *breaker.Manager, probes *HealthProbes, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Evaluate(probes.Collect(ctx))
		}
	}
}
