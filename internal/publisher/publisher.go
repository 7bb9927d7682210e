// Package publisher implements the Result Publisher (C10): fire-and-forget
// emission of IntelligenceReport and feedback events with a bounded
// outbound buffer, exponential-backoff retry, and a durable outbox for
// events that exhaust their retry budget.
package publisher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/domain"
)

// ErrBufferFull is returned by Publish when the outbound buffer is
// saturated. Per this is backpressure applied to the Decision
// Synthesizer, not to the backend: the caller (pipeline) must decide how to
// react (e.g. treat the claim as PARKED) rather than the publisher blocking
// indefinitely.
var ErrBufferFull = errors.New("publisher: outbound buffer is full")

// Topics used for outbound events.
const (
	TopicClaimsAnalyzed = "claims.analyzed"
	TopicClaimsFeedback = "claims.feedback"
)

// job is one queued outbound publish.
type job struct {
	topic      string
	key        string
	payload    []byte
	analysisID string
}

// Config bounds the publisher's buffer and retry behavior.
type Config struct {
	BufferSize      int
	Workers         int
	MaxRetryElapsed time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig returns reasonable publisher defaults; leaves the
// exact buffer size and backoff cap as an implementation choice.
func DefaultConfig() Config {
	return Config{
		BufferSize:      10_000,
		Workers:         4,
		MaxRetryElapsed: 5 * time.Second,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
	}
}

// Publisher fans queued events out to the broker, retrying transient
// failures with exponential backoff and parking events that exhaust their
// retry budget in the durable Outbox.
type Publisher struct {
	producer broker.Producer
	outbox   Outbox
	breaker  *breaker.Breaker
	config   Config
	log      *logrus.Logger

	buffer     chan job
	wg         sync.WaitGroup
	signingKey []byte
}

// New constructs a Publisher. Start must be called to begin draining the
// buffer.
func New(producer broker.Producer, outbox Outbox, br *breaker.Breaker, cfg Config, log *logrus.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		outbox:   outbox,
		breaker:  br,
		config:   cfg,
		log:      log,
		buffer:   make(chan job, cfg.BufferSize),
	}
}

// Start launches the configured number of worker goroutines draining the
// buffer. Stop when ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until all worker goroutines have exited (after ctx
// cancellation and buffer drain).
func (p *Publisher) Wait() {
	p.wg.Wait()
}

// NewAnalyzedEvent builds the claims.analyzed wire event from a sealed
// IntelligenceReport plus the rule/ML detail it was synthesized from.
// Exposed so the pipeline can park the identical payload when audit or
// publication is unavailable.
func NewAnalyzedEvent(report domain.IntelligenceReport, ruleResult domain.RuleEngineResult, mlResult domain.MLEngineResult) domain.ClaimAnalyzedEvent {
	return domain.ClaimAnalyzedEvent{
		EnvelopeVersion:   "1.0.0",
		ClaimID:           report.ClaimID,
		AnalysisID:        report.AnalysisID,
		Timestamp:         report.Timestamp,
		Recommendation:    report.Recommendation,
		ConfidenceScore:   report.ConfidenceScore,
		RiskScore:         report.RiskScore,
		AssignedQueue:     report.AssignedQueue,
		Priority:          report.Priority,
		SLAHours:          report.SLAHours,
		RuleEngineOutcome: report.RuleEngineOutcome,
		RuleEngineDetails: ruleResult,
		MLEngineOutcome:   report.MLEngineOutcome,
		MLEngineDetails:   mlResult,
		PrimaryReasons:    report.PrimaryReasons,
		SecondaryFactors:  report.SecondaryFactors,
		RiskIndicators:    report.RiskIndicators,
		SuggestedActions:  report.SuggestedActions,
		RelatedClaims:     report.RelatedClaims,
		HistoricalContext: report.HistoricalContext,
		DecisionTrace:     report.DecisionTrace,
		ProcessingTimeMS:  report.ProcessingTime.Milliseconds(),
	}
}

// PublishReport enqueues a claims.analyzed event for a sealed report.
func (p *Publisher) PublishReport(ctx context.Context, report domain.IntelligenceReport, ruleResult domain.RuleEngineResult, mlResult domain.MLEngineResult) error {
	return p.PublishAnalyzed(ctx, NewAnalyzedEvent(report, ruleResult, mlResult))
}

// SetSigningKey installs the HMAC key used to sign outbound analyzed
// events. Without a key, events go out unsigned.
func (p *Publisher) SetSigningKey(key []byte) {
	p.signingKey = key
}

// PublishAnalyzed enqueues a pre-built claims.analyzed event, signing it
// when an outbound key is configured. The signature covers the canonical
// JSON of the event with the signature field empty.
func (p *Publisher) PublishAnalyzed(ctx context.Context, event domain.ClaimAnalyzedEvent) error {
	if p.signingKey != nil {
		event.Signature = ""
		canonical, err := domain.CanonicalJSON(event)
		if err != nil {
			return fmt.Errorf("publisher: canonicalizing analyzed event: %w", err)
		}
		mac := hmac.New(sha256.New, p.signingKey)
		mac.Write(canonical)
		event.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return p.publish(ctx, TopicClaimsAnalyzed, event.ClaimID, event.AnalysisID, event)
}

// PublishFeedback enqueues a derived claims.feedback event.
func (p *Publisher) PublishFeedback(ctx context.Context, event domain.ClaimFeedbackEvent) error {
	return p.publish(ctx, TopicClaimsFeedback, event.AnalysisID, event.AnalysisID, event)
}

func (p *Publisher) publish(ctx context.Context, topic, key, analysisID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("publisher: marshaling %s event: %w", topic, err)
	}
	j := job{topic: topic, key: key, payload: payload, analysisID: analysisID}
	select {
	case p.buffer <- j:
		return nil
	default:
		return ErrBufferFull
	}
}

// worker drains the buffer, publishing each job with a bounded
// exponential-backoff retry before parking it in the outbox.
func (p *Publisher) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.buffer:
			if !ok {
				return
			}
			p.deliver(ctx, j)
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, j job) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.InitialBackoff
	bo.MaxInterval = p.config.MaxBackoff
	bo.MaxElapsedTime = p.config.MaxRetryElapsed
	bounded := backoff.WithContext(bo, ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, execErr := p.breaker.Execute(func() (any, error) {
			return nil, p.producer.Publish(ctx, j.topic, j.key, j.payload)
		})
		return execErr
	}, bounded)

	fields := logrus.Fields{"topic": j.topic, "analysis_id": j.analysisID, "attempts": attempt}
	if err == nil {
		if p.log != nil {
			p.log.WithFields(fields).Info("published event")
		}
		return
	}

	if p.log != nil {
		p.log.WithFields(fields).WithError(err).Warn("publish retries exhausted, parking in outbox")
	}
	entry := OutboxEntry{
		AnalysisID: j.analysisID,
		Topic:      j.topic,
		Key:        j.key,
		Payload:    j.payload,
		Attempts:   attempt,
		CreatedAt:  time.Now().UTC(),
	}
	if _, saveErr := p.outbox.Save(context.Background(), entry); saveErr != nil && p.log != nil {
		p.log.WithFields(fields).WithError(saveErr).Error("failed to park event in outbox")
	}
}

// Replay attempts to redeliver up to limit pending outbox entries,
// marking each delivered on success. Used by the `replay-outbox` CLI path
// ; consumers must dedupe by analysis_id since replay can re-send an
// event already delivered before the process crashed.
func (p *Publisher) Replay(ctx context.Context, limit int) (delivered, failed int, err error) {
	entries, err := p.outbox.Pending(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("publisher: listing pending outbox entries: %w", err)
	}
	for _, e := range entries {
		// Entries still awaiting their AuditRecord are not deliverable yet;
		// the pipeline's replay path re-appends the record and clears the
		// flag first.
		if e.AuditPending {
			continue
		}
		_, execErr := p.breaker.Execute(func() (any, error) {
			return nil, p.producer.Publish(ctx, e.Topic, e.Key, e.Payload)
		})
		if execErr != nil {
			failed++
			_ = p.outbox.IncrementAttempts(ctx, e.ID)
			if p.log != nil {
				p.log.WithFields(logrus.Fields{"analysis_id": e.AnalysisID, "topic": e.Topic}).WithError(execErr).Warn("outbox replay failed")
			}
			continue
		}
		delivered++
		if err := p.outbox.MarkDelivered(ctx, e.ID); err != nil && p.log != nil {
			p.log.WithFields(logrus.Fields{"analysis_id": e.AnalysisID}).WithError(err).Error("failed to mark outbox entry delivered")
		}
	}
	return delivered, failed, nil
}
