// Package breaker implements the Circuit Breaker & Degradation Manager
// (C8): one gobreaker-backed breaker per external dependency (Rule Store
// reloader, each ML scorer, Audit Store, Result Publisher), plus the L0-L5
// degradation level selection described.
package breaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/domain"
)

// Breaker wraps one gobreaker.CircuitBreaker for one named dependency
// (rule store reloader, each ML model, audit store, publisher).
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Logger
}

// New constructs a Breaker named name with the given config. State
// transitions are logged, matching "All state changes are logged."
func New(name string, cfg domain.BreakerConfig, log *logrus.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Interval:    0, // counts never reset on a timer; only on state transition
		Timeout:     cfg.TimeoutSeconds,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			}
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

// Execute runs fn through the breaker. When the breaker is OPEN, fn is not
// invoked and gobreaker.ErrOpenState is returned immediately.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State reports the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Healthy reports whether the breaker is not OPEN — the simple health
// signal the Degradation Manager polls.
func (b *Breaker) Healthy() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// HealthProbe is a cooperative, cancellable health check for a dependency
// not naturally wrapped by Execute (e.g. a periodic Postgres ping).
type HealthProbe func(ctx context.Context) error

// PollHealth runs probe under a short timeout and records the outcome
// through the breaker so its state reflects the dependency's real health
// even when no claim traffic is currently exercising it.
func (b *Breaker) PollHealth(ctx context.Context, probe HealthProbe, timeout time.Duration) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _ = b.Execute(func() (any, error) {
		return nil, probe(pollCtx)
	})
}
