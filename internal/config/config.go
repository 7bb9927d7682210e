// Package config loads DCAL's threshold, budget, breaker, and ingestion
// configuration via Viper: a Manager wrapping a typed Config struct,
// defaults set with
// viper.SetDefault, environment binding via SetEnvPrefix+AutomaticEnv, and an
// optional YAML file. Every decision threshold is read-only once loaded; a
// reload produces a brand-new Config value rather than mutating the live
// one in place.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dcal-health/dcal/internal/domain"
)

// BrokerConfig names the opaque broker endpoints DCAL connects to.
type BrokerConfig struct {
	SubmittedTopic string `mapstructure:"submitted_topic"`
	AnalyzedTopic  string `mapstructure:"analyzed_topic"`
	ReviewedTopic  string `mapstructure:"reviewed_topic"`
	FeedbackTopic  string `mapstructure:"feedback_topic"`
}

// SecurityConfig locates the signing key material used to verify inbound
// envelopes.
type SecurityConfig struct {
	SigningKeysPath string `mapstructure:"signing_keys_path"`
}

// DatabaseConfig is the audit store / rule store DSN and pool settings.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MigrationsPath string `mapstructure:"migrations_path"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
}

// OutboxConfig locates the durable sqlite-backed publisher outbox and the
// L5 emergency local journal.
type OutboxConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig is the operational HTTP surface (healthz/metrics/admin).
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig controls the logrus output format and level.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete, read-only process configuration snapshot.
type Config struct {
	Environment string `mapstructure:"environment"`

	Server      ServerConfig             `mapstructure:"server"`
	Logging     LoggingConfig            `mapstructure:"logging"`
	Broker      BrokerConfig             `mapstructure:"broker"`
	Security    SecurityConfig           `mapstructure:"security"`
	Database    DatabaseConfig           `mapstructure:"database"`
	Outbox      OutboxConfig             `mapstructure:"outbox"`
	Synthesis   domain.SynthesisConfig   `mapstructure:"synthesis"`
	Budgets     domain.Budgets           `mapstructure:"budgets"`
	Breaker     domain.BreakerConfig     `mapstructure:"breaker"`
	Ingestion   domain.IngestionConfig   `mapstructure:"ingestion"`
	Degradation domain.DegradationConfig `mapstructure:"degradation"`
}

// Manager wraps a loaded, validated Config and knows how to reload it.
type Manager struct {
	config *Config
}

// NewManager loads configuration from environment variables, an optional
// YAML file, and the defaults below, then validates it.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dcal/")

	viper.SetEnvPrefix("DCAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables.
	}

	cfg := &Config{}
	// viper.Unmarshal composes mapstructure.StringToTimeDurationHookFunc by
	// default, so the "5s"-shaped defaults from setDefaults decode straight into the
	// time.Duration fields in domain.Budgets/BreakerConfig/etc.
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.config = cfg
	return nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8081)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.submitted_topic", "claims.submitted")
	viper.SetDefault("broker.analyzed_topic", "claims.analyzed")
	viper.SetDefault("broker.reviewed_topic", "claims.reviewed")
	viper.SetDefault("broker.feedback_topic", "claims.feedback")

	viper.SetDefault("security.signing_keys_path", "/etc/dcal/keys")

	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.migrations_path", "internal/database/migrations")
	viper.SetDefault("database.max_open_conns", 25)

	viper.SetDefault("outbox.path", "./dcal-outbox.db")

	d := domain.DefaultSynthesisConfig()
	viper.SetDefault("synthesis.high_risk_threshold", d.HighRiskThreshold)
	viper.SetDefault("synthesis.medium_risk_threshold", d.MediumRiskThreshold)
	viper.SetDefault("synthesis.auto_approve_ml_threshold", d.AutoApproveMLThreshold)
	viper.SetDefault("synthesis.min_confidence_for_auto", d.MinConfidenceForAuto)
	viper.SetDefault("synthesis.auto_approve_max_amount", d.AutoApproveMaxAmount)
	viper.SetDefault("synthesis.senior_review_amount_threshold", d.SeniorReviewAmountThreshold)
	viper.SetDefault("synthesis.medical_director_amount_threshold", d.MedicalDirectorAmountThreshold)
	viper.SetDefault("synthesis.related_claims_top_n", d.RelatedClaimsTopN)
	viper.SetDefault("synthesis.top_risk_factors_n", d.TopRiskFactorsN)
	viper.SetDefault("synthesis.business_hours_only_sla", d.BusinessHoursOnlySLA)

	b := domain.DefaultBudgets()
	viper.SetDefault("budgets.rule_engine", b.RuleEngine.String())
	viper.SetDefault("budgets.ml_per_model", b.MLPerModel.String())
	viper.SetDefault("budgets.ml_fan_in", b.MLFanIn.String())
	viper.SetDefault("budgets.synthesis", b.Synthesis.String())
	viper.SetDefault("budgets.audit_write", b.AuditWrite.String())
	viper.SetDefault("budgets.publish", b.Publish.String())
	viper.SetDefault("budgets.total_per_claim", b.TotalPerClaim.String())

	brk := domain.DefaultBreakerConfig()
	viper.SetDefault("breaker.failure_threshold", brk.FailureThreshold)
	viper.SetDefault("breaker.timeout_seconds", brk.TimeoutSeconds.String())
	viper.SetDefault("breaker.half_open_max_calls", brk.HalfOpenMaxCalls)
	viper.SetDefault("breaker.success_threshold", brk.SuccessThreshold)

	ing := domain.DefaultIngestionConfig()
	viper.SetDefault("ingestion.rate_limit_per_second", ing.RateLimitPerSecond)
	viper.SetDefault("ingestion.rate_limit_burst", ing.RateLimitBurst)
	viper.SetDefault("ingestion.max_skew", ing.MaxSkew.String())
	viper.SetDefault("ingestion.idempotency_cache_size", ing.IdempotencyCacheSize)

	deg := domain.DefaultDegradationConfig()
	viper.SetDefault("degradation.cpu_high_watermark", deg.CPUHighWatermark)
	viper.SetDefault("degradation.memory_high_watermark", deg.MemoryHighWatermark)
	viper.SetDefault("degradation.queue_depth_high_watermark", deg.QueueDepthHighWatermark)
	viper.SetDefault("degradation.error_rate_high_watermark", deg.ErrorRateHighWatermark)
	viper.SetDefault("degradation.audit_unhealthy_seconds", deg.AuditUnhealthySeconds.String())
	viper.SetDefault("degradation.poll_interval", deg.PollInterval.String())
}

// Config returns the loaded, validated configuration snapshot.
func (m *Manager) Config() *Config {
	return m.config
}

// Reload re-reads configuration from the environment and file system and
// validates it, returning a new Config rather than mutating the live one —
// callers swap their own reference atomically.
func (m *Manager) Reload() (*Config, error) {
	fresh := &Manager{}
	if err := fresh.loadConfig(); err != nil {
		return nil, err
	}
	if err := fresh.Validate(); err != nil {
		return nil, err
	}
	return fresh.config, nil
}

// Validate enforces the handful of invariants a malformed config could
// otherwise violate silently; a validation failure is a fatal startup error.
func (m *Manager) Validate() error {
	cfg := m.config
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Synthesis.AutoApproveMLThreshold <= 0 || cfg.Synthesis.AutoApproveMLThreshold > 1 {
		return fmt.Errorf("synthesis.auto_approve_ml_threshold must be in (0,1]")
	}
	if cfg.Synthesis.MinConfidenceForAuto <= 0 || cfg.Synthesis.MinConfidenceForAuto > 1 {
		return fmt.Errorf("synthesis.min_confidence_for_auto must be in (0,1]")
	}
	if cfg.Synthesis.MediumRiskThreshold >= cfg.Synthesis.HighRiskThreshold {
		return fmt.Errorf("synthesis.medium_risk_threshold must be below high_risk_threshold")
	}
	if cfg.Ingestion.RateLimitPerSecond <= 0 {
		return fmt.Errorf("ingestion.rate_limit_per_second must be positive")
	}
	if cfg.Budgets.TotalPerClaim <= 0 {
		return fmt.Errorf("budgets.total_per_claim must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	return nil
}

// IsProduction reports whether the environment field names a production
// deployment.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}
