// Command dcal runs the Dynamic Claims Automation Layer: the broker-driven
// claim-analysis pipeline plus its operational subcommands.
//
// Exit codes: 0 normal shutdown; 1 fatal configuration; 2 rule integrity
// failure at startup; 3 audit integrity failure at startup.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dcal-health/dcal/internal/api"
	"github.com/dcal-health/dcal/internal/audit"
	"github.com/dcal-health/dcal/internal/breaker"
	"github.com/dcal-health/dcal/internal/broker"
	"github.com/dcal-health/dcal/internal/config"
	"github.com/dcal-health/dcal/internal/database"
	"github.com/dcal-health/dcal/internal/domain"
	"github.com/dcal-health/dcal/internal/ingestion"
	"github.com/dcal-health/dcal/internal/mlscorer"
	"github.com/dcal-health/dcal/internal/pipeline"
	"github.com/dcal-health/dcal/internal/publisher"
	"github.com/dcal-health/dcal/internal/queue"
	"github.com/dcal-health/dcal/internal/ruleengine"
	"github.com/dcal-health/dcal/internal/rulestore"
	"github.com/dcal-health/dcal/internal/trace"
)

const (
	exitOK             = 0
	exitConfig         = 1
	exitRuleIntegrity  = 2
	exitAuditIntegrity = 3
)

var rootCmd = &cobra.Command{
	Use:           "dcal",
	Short:         "Dynamic Claims Automation Layer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd(), verifyAuditCmd(), replayOutboxCmd(), reloadRulesCmd())
	if err := rootCmd.Execute(); err != nil {
		var coded *exitError
		if errors.As(err, &coded) {
			fmt.Fprintln(os.Stderr, coded.Error())
			os.Exit(coded.code)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(exitConfig)
	}
	os.Exit(exitOK)
}

// exitError carries a process exit code through cobra's RunE plumbing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// bootstrap loads and validates configuration and builds the logger. Every
// subcommand starts here; a failure is a fatal configuration error.
func bootstrap() (*config.Manager, *logrus.Logger, error) {
	manager, err := config.NewManager()
	if err != nil {
		return nil, nil, exitWith(exitConfig, err)
	}
	cfg := manager.Config()

	log := logrus.New()
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, exitWith(exitConfig, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err))
	}
	log.SetLevel(level)
	return manager, log, nil
}

// openAuditStore returns the Postgres-backed audit store when a DSN is
// configured, or the in-process store for local development.
func openAuditStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (audit.Writer, func(), error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database DSN configured; using in-memory audit store (development only)")
		return audit.NewMemoryStore(log), func() {}, nil
	}

	runner, err := database.NewMigrationRunner(cfg.Database.DSN, cfg.Database.MigrationsPath, log)
	if err != nil {
		return nil, nil, exitWith(exitConfig, err)
	}
	defer runner.Close()
	if err := runner.Up(); err != nil {
		return nil, nil, exitWith(exitConfig, err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, exitWith(exitConfig, fmt.Errorf("connecting to audit store: %w", err))
	}
	return audit.NewPGStore(pool, log), pool.Close, nil
}

// openRuleStore builds the rule store over Postgres or, without a DSN, an
// empty in-memory loader. The initial Reload verifies every rule checksum;
// a mismatch refuses startup.
func openRuleStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*rulestore.Store, func(), error) {
	var loader rulestore.Loader
	cleanup := func() {}
	if cfg.Database.DSN == "" {
		log.Warn("no database DSN configured; using empty in-memory ruleset (development only)")
		loader = &rulestore.MemoryLoader{}
	} else {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, exitWith(exitConfig, fmt.Errorf("connecting to rule store: %w", err))
		}
		loader = rulestore.NewPGLoader(pool, log)
		cleanup = pool.Close
	}

	store := rulestore.New(loader)
	if err := store.Reload(ctx); err != nil {
		cleanup()
		return nil, nil, exitWith(exitRuleIntegrity, err)
	}
	return store, cleanup, nil
}

// loadSigningKeys reads HMAC key material from the configured directory:
// one file per provider, file name = provider_id, contents the hex-encoded
// key.
func loadSigningKeys(path string, log *logrus.Logger) (ingestion.StaticKeys, error) {
	keys := ingestion.StaticKeys{}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Warn("signing keys directory missing; no inbound signatures will verify")
			return keys, nil
		}
		return nil, fmt.Errorf("reading signing keys: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading signing key %s: %w", entry.Name(), err)
		}
		key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decoding signing key %s: %w", entry.Name(), err)
		}
		keys[entry.Name()] = key
	}
	log.WithField("providers", len(keys)).Info("loaded signing keys")
	return keys, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the claim-analysis pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, log, err := bootstrap()
			if err != nil {
				return err
			}
			cfg := manager.Config()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutdown signal received")
				cancel()
			}()

			auditStore, closeAudit, err := openAuditStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeAudit()

			// Startup audit integrity check.
			broken, err := auditStore.Verify(ctx, 0, math.MaxInt64)
			if err != nil {
				return exitWith(exitAuditIntegrity, fmt.Errorf("audit verification failed: %w", err))
			}
			if len(broken) > 0 {
				return exitWith(exitAuditIntegrity, fmt.Errorf("audit chain has %d broken links", len(broken)))
			}

			rules, closeRules, err := openRuleStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeRules()

			keys, err := loadSigningKeys(cfg.Security.SigningKeysPath, log)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			// The broker is an opaque FIFO transport; deployments bind
			// their own adapter here. The in-process transport keeps the
			// pipeline runnable end to end without external infrastructure.
			transport := broker.NewInMemory()

			outbox, err := publisher.NewSQLiteOutbox(cfg.Outbox.Path)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			defer outbox.Close()

			pubBreaker := breaker.New("publisher", cfg.Breaker, log)
			pub := publisher.New(transport, outbox, pubBreaker, publisher.DefaultConfig(), log)
			// The outbound signing key, when provisioned, sits in the same
			// keys directory under the reserved _outbound name.
			if key, ok := keys.SigningKey("_outbound"); ok {
				pub.SetSigningKey(key)
			}
			pub.Start(ctx)

			engine := ruleengine.New(rules, ruleengine.Config{
				EngineTimeout:  cfg.Budgets.RuleEngine,
				PerRuleTimeout: cfg.Budgets.RuleEngine / 5,
				EngineVersion:  "dcal-1",
			}, log)

			// ML scorers are opaque external models plugged in per
			// deployment; none are bundled. With no scorers configured the
			// aggregator emits a requires-review neutral contribution.
			ml := mlscorer.New(nil, mlscorer.Config{
				PerModelTimeout: cfg.Budgets.MLPerModel,
				FanInTimeout:    cfg.Budgets.MLFanIn,
				TopFactorsN:     cfg.Synthesis.TopRiskFactorsN,
			}, log)

			degradation := breaker.NewManager(cfg.Degradation, log)

			pipe, err := pipeline.New(engine, ml, degradation, auditStore, pub, outbox, nil, nil, pipeline.Config{
				Budgets:   cfg.Budgets,
				Synthesis: cfg.Synthesis,
				Queue: queue.Config{
					MedicalDirectorAmountThreshold: cfg.Synthesis.MedicalDirectorAmountThreshold,
					SeniorReviewAmountThreshold:    cfg.Synthesis.SeniorReviewAmountThreshold,
					CapacityEscalationThreshold:    0.90,
					BusinessHoursOnlySLA:           cfg.Synthesis.BusinessHoursOnlySLA,
				},
			}, log)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			consumer, err := ingestion.NewConsumer(transport, keys, ingestion.Config{
				RateLimitPerSecond:   cfg.Ingestion.RateLimitPerSecond,
				RateLimitBurst:       cfg.Ingestion.RateLimitBurst,
				MaxSkew:              cfg.Ingestion.MaxSkew,
				IdempotencyCacheSize: cfg.Ingestion.IdempotencyCacheSize,
				BatchSize:            100,
			}, log)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			probes := &pipeline.HealthProbes{Audit: auditStore}
			go pipeline.RunMonitor(ctx, degradation, probes, cfg.Degradation.PollInterval)

			go func() {
				err := consumer.Run(ctx, cfg.Broker.SubmittedTopic, func(ctx context.Context, tc trace.Context, claim domain.Claim) error {
					_, err := pipe.Process(ctx, tc, claim)
					return err
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("consumer loop stopped")
					cancel()
				}
			}()

			go func() {
				err := pipe.RunReviewLoop(ctx, transport, cfg.Broker.ReviewedTopic)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("review loop stopped")
				}
			}()

			server := api.NewServer(api.Config{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				Debug:        cfg.Logging.Level == "debug",
			}, rules, auditStore, degradation, consumer, log)

			log.WithFields(logrus.Fields{
				"host": cfg.Server.Host,
				"port": cfg.Server.Port,
			}).Info("DCAL serving")

			if err := server.Start(ctx); err != nil {
				return exitWith(exitConfig, err)
			}
			pub.Wait()
			log.Info("DCAL stopped")
			return nil
		},
	}
}

func verifyAuditCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute and verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, log, err := bootstrap()
			if err != nil {
				return err
			}
			cfg := manager.Config()

			ctx := cmd.Context()
			store, closeStore, err := openAuditStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			broken, err := store.Verify(ctx, from, to)
			if err != nil {
				return exitWith(exitAuditIntegrity, err)
			}
			if len(broken) > 0 {
				for _, b := range broken {
					log.WithFields(logrus.Fields{
						"sequence_number": b.SequenceNumber,
						"reason":          b.Reason,
					}).Error("broken audit link")
				}
				return exitWith(exitAuditIntegrity, fmt.Errorf("audit chain has %d broken links", len(broken)))
			}
			log.WithFields(logrus.Fields{"from": from, "to": to}).Info("audit chain intact")
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence number to verify")
	cmd.Flags().Int64Var(&to, "to", math.MaxInt64, "last sequence number to verify")
	return cmd
}

func replayOutboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay-outbox",
		Short: "Replay parked analyzed events after an outage",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, log, err := bootstrap()
			if err != nil {
				return err
			}
			cfg := manager.Config()
			ctx := cmd.Context()

			auditStore, closeAudit, err := openAuditStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeAudit()

			outbox, err := publisher.NewSQLiteOutbox(cfg.Outbox.Path)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			defer outbox.Close()

			transport := broker.NewInMemory()
			pub := publisher.New(transport, outbox, breaker.New("publisher", cfg.Breaker, log), publisher.DefaultConfig(), log)

			pipe, err := pipeline.New(nil, nil, breaker.NewManager(cfg.Degradation, log), auditStore, pub, outbox, nil, nil, pipeline.Config{
				Budgets:   cfg.Budgets,
				Synthesis: cfg.Synthesis,
			}, log)
			if err != nil {
				return exitWith(exitConfig, err)
			}

			delivered, failed, err := pipe.ReplayOutbox(ctx, limit)
			if err != nil {
				return exitWith(exitConfig, err)
			}
			log.WithFields(logrus.Fields{
				"delivered": delivered,
				"failed":    failed,
			}).Info("outbox replay finished")
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum entries to replay")
	return cmd
}

func reloadRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload-rules",
		Short: "Reload and verify the ACTIVE ruleset",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, log, err := bootstrap()
			if err != nil {
				return err
			}
			cfg := manager.Config()
			ctx := cmd.Context()

			store, closeStore, err := openRuleStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			ruleset, err := store.ActiveRuleset()
			if err != nil {
				return exitWith(exitRuleIntegrity, err)
			}
			log.WithFields(logrus.Fields{
				"ruleset_version": ruleset.Version,
				"status":          ruleset.Status,
			}).Info("ruleset reloaded")
			return nil
		},
	}
}
