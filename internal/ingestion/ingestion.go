// Package ingestion implements the Ingestion Layer (C9): the consumer
// loop, HMAC signature verification, schema/field validation, replay-window
// enforcement, idempotency deduplication, and token-bucket rate limiting
// described.
package ingestion

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/dcalerr"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/trace"
)

// KeyResolver resolves the HMAC signing key registered for a submitting
// provider.
type KeyResolver interface {
	SigningKey(providerID string) ([]byte, bool)
}

// StaticKeys is the simplest KeyResolver: a fixed map loaded once from the
// secrets provider at startup.
type StaticKeys map[string][]byte

func (k StaticKeys) SigningKey(providerID string) ([]byte, bool) {
	key, ok := k[providerID]
	return key, ok
}

// Config bounds the consumer loop.
type Config struct {
	RateLimitPerSecond   int
	RateLimitBurst       int
	MaxSkew              time.Duration
	IdempotencyCacheSize int
	BatchSize            int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	ing := domain.DefaultIngestionConfig()
	return Config{
		RateLimitPerSecond:   ing.RateLimitPerSecond,
		RateLimitBurst:       ing.RateLimitBurst,
		MaxSkew:              ing.MaxSkew,
		IdempotencyCacheSize: ing.IdempotencyCacheSize,
		BatchSize:            100,
	}
}

// Outcome classifies what happened to one fetched message.
type Outcome string

const (
	OutcomeAccepted    Outcome = "ACCEPTED"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeDropped     Outcome = "DROPPED"
	OutcomeRateLimited Outcome = "RATE_LIMITED"
)

// Handler processes one validated claim. The Consumer commits the broker
// offset only after Handler returns.
type Handler func(ctx context.Context, tc trace.Context, claim domain.Claim) error

// Consumer implements the consumer loop against one broker topic.
type Consumer struct {
	broker  broker.Consumer
	keys    KeyResolver
	config  Config
	limiter *rate.Limiter
	idem    *lru.Cache[string, struct{}]
	log     *logrus.Logger

	metrics counters
}

// Metrics is a point-in-time snapshot of the in-process counter set
// exposed on the operational health endpoint.
type Metrics struct {
	Accepted      int64
	SignatureFail int64
	SchemaFail    int64
	ReplayDropped int64
	Duplicates    int64
	RateLimited   int64
}

// counters is the live counter set. The consumer loop increments these
// while the operational HTTP surface reads them concurrently, so every
// field is atomic.
type counters struct {
	accepted      atomic.Int64
	signatureFail atomic.Int64
	schemaFail    atomic.Int64
	replayDropped atomic.Int64
	duplicates    atomic.Int64
	rateLimited   atomic.Int64
}

// NewConsumer constructs a Consumer over a broker topic consumer and key
// resolver.
func NewConsumer(b broker.Consumer, keys KeyResolver, cfg Config, log *logrus.Logger) (*Consumer, error) {
	cache, err := lru.New[string, struct{}](cfg.IdempotencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ingestion: building idempotency cache: %w", err)
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	return &Consumer{broker: b, keys: keys, config: cfg, limiter: limiter, idem: cache, log: log}, nil
}

// Run pulls batches from topic until ctx is cancelled, validating and
// dispatching each accepted claim to handle. It never returns an error for
// a single bad message — only ctx cancellation or a broker Fetch or Commit
// failure stops the loop.
func (c *Consumer) Run(ctx context.Context, topic string, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := c.broker.Fetch(ctx, topic, c.config.BatchSize)
		if err != nil {
			return fmt.Errorf("ingestion: fetch: %w", err)
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		for _, msg := range msgs {
			// Cooperative sleep, never drop, on rate-limit exceeded.
			if !c.limiter.Allow() {
				c.metrics.rateLimited.Add(1)
				if err := c.limiter.Wait(ctx); err != nil {
					return ctx.Err()
				}
			}

			outcome, claim, tc := c.process(ctx, msg.Payload, time.Now().UTC())
			if outcome == OutcomeAccepted {
				if err := handle(ctx, tc, claim); err != nil && c.log != nil {
					c.log.WithFields(tc.Fields()).WithError(err).Error("claim handler failed")
				}
			}
			if err := c.broker.Commit(ctx, topic, msg.Partition, msg.Offset); err != nil {
				return fmt.Errorf("ingestion: commit offset: %w", err)
			}
		}
	}
}

// process runs the full validation pipeline for one raw message and
// returns the outcome plus (when accepted) the validated claim and its
// fresh trace context.
func (c *Consumer) process(ctx context.Context, raw []byte, now time.Time) (Outcome, domain.Claim, trace.Context) {
	var envelope domain.ClaimSubmittedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.reject(dcalerr.CodeValidation, "", "malformed envelope: "+err.Error())
		c.metrics.schemaFail.Add(1)
		return OutcomeRejected, domain.Claim{}, trace.Context{}
	}

	tc := trace.New(envelope.Payload.ClaimID, "")

	if envelope.EnvelopeVersion != "1.0.0" {
		c.reject(dcalerr.CodeSchemaVersionMismatch, envelope.Payload.ClaimID, "unsupported envelope_version "+envelope.EnvelopeVersion)
		c.metrics.schemaFail.Add(1)
		return OutcomeRejected, domain.Claim{}, tc
	}

	if err := c.verifySignature(envelope); err != nil {
		c.securityAlert(envelope.Payload.ClaimID, err)
		c.metrics.signatureFail.Add(1)
		return OutcomeRejected, domain.Claim{}, tc
	}

	if diff := absDuration(now.Sub(envelope.Timestamp)); diff > c.config.MaxSkew {
		c.reject(dcalerr.CodeValidation, envelope.Payload.ClaimID, fmt.Sprintf("envelope timestamp skew %s exceeds max_skew %s", diff, c.config.MaxSkew))
		c.metrics.replayDropped.Add(1)
		return OutcomeDropped, domain.Claim{}, tc
	}

	claim := envelope.Payload
	if err := claim.Validate(now); err != nil {
		c.reject(dcalerr.CodeValidation, claim.ClaimID, err.Error())
		c.metrics.schemaFail.Add(1)
		return OutcomeRejected, domain.Claim{}, tc
	}

	envelopeHash := domain.SHA256Hex(raw)
	idemKey := claim.ClaimID + ":" + envelopeHash
	if _, seen := c.idem.Get(idemKey); seen {
		if c.log != nil {
			c.log.WithFields(tc.Fields()).Info("dropped exact duplicate delivery")
		}
		c.metrics.duplicates.Add(1)
		return OutcomeDropped, domain.Claim{}, tc
	}
	c.idem.Add(idemKey, struct{}{})

	c.metrics.accepted.Add(1)
	return OutcomeAccepted, claim, tc
}

// verifySignature recomputes the HMAC-SHA256 over the canonical JSON of the
// payload object alone.
func (c *Consumer) verifySignature(envelope domain.ClaimSubmittedEnvelope) error {
	key, ok := c.keys.SigningKey(envelope.Payload.ProviderID)
	if !ok {
		return fmt.Errorf("no signing key registered for provider %s", envelope.Payload.ProviderID)
	}
	canonical, err := domain.CanonicalJSON(envelope.Payload)
	if err != nil {
		return fmt.Errorf("canonicalizing payload: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(envelope.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (c *Consumer) reject(code dcalerr.Code, claimID, detail string) {
	if c.log == nil {
		return
	}
	c.log.WithFields(logrus.Fields{"claim_id": claimID, "code": code}).Warn(detail)
}

func (c *Consumer) securityAlert(claimID string, err error) {
	if c.log == nil {
		return
	}
	c.log.WithFields(logrus.Fields{"claim_id": claimID, "code": dcalerr.CodeSignatureInvalid}).
		WithError(err).Error("security alert: signature verification failed")
}

// Metrics returns a snapshot of the accumulated counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Accepted:      c.metrics.accepted.Load(),
		SignatureFail: c.metrics.signatureFail.Load(),
		SchemaFail:    c.metrics.schemaFail.Load(),
		ReplayDropped: c.metrics.replayDropped.Load(),
		Duplicates:    c.metrics.duplicates.Load(),
		RateLimited:   c.metrics.rateLimited.Load(),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
