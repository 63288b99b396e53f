package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openpolicy/civicsync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" mapstructure:"ratelimit"`
	Quality      QualityConfig      `yaml:"quality" mapstructure:"quality"`
	Rollout      RolloutConfig      `yaml:"rollout" mapstructure:"rollout"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres, sqlite or memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// OrchestratorConfig configures scheduling, workers and retries.
type OrchestratorConfig struct {
	WorkerPoolSize      int           `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	MaxRetries          int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	CollectorTimeout    time.Duration `yaml:"collector_timeout" mapstructure:"collector_timeout"`
	SchedulerTick       time.Duration `yaml:"scheduler_tick" mapstructure:"scheduler_tick"`
	LeaseReaperInterval time.Duration `yaml:"lease_reaper_interval" mapstructure:"lease_reaper_interval"`
	CatalogPath         string        `yaml:"catalog_path" mapstructure:"catalog_path"`
	UserAgent           string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// RateLimitConfig configures the outbound courtesy limiter and the inbound
// API limiter.
type RateLimitConfig struct {
	CourtesyIntervalPerDomain time.Duration  `yaml:"courtesy_interval_per_domain" mapstructure:"courtesy_interval_per_domain"`
	CourtesyMaxWait           time.Duration  `yaml:"courtesy_max_wait" mapstructure:"courtesy_max_wait"`
	APILimits                 map[string]int `yaml:"api_limits" mapstructure:"api_limits"` // role -> requests per hour
	APIWindow                 time.Duration  `yaml:"api_window" mapstructure:"api_window"`
}

// QualityConfig configures the validator.
type QualityConfig struct {
	AcceptanceRatio  float64  `yaml:"acceptance_ratio" mapstructure:"acceptance_ratio"`
	MinTitleLength   int      `yaml:"min_title_length" mapstructure:"min_title_length"`
	CriticalKeywords []string `yaml:"critical_keywords" mapstructure:"critical_keywords"`
}

// RolloutConfig configures the phased rollout manager.
type RolloutConfig struct {
	PollInterval time.Duration        `yaml:"poll_interval" mapstructure:"poll_interval"`
	Phases       []model.RolloutPhase `yaml:"rollout_phase_definitions" mapstructure:"rollout_phase_definitions"`
}

// MonitoringConfig configures alerting and staleness checks.
type MonitoringConfig struct {
	WebhookURL             string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeout         time.Duration `yaml:"webhook_timeout" mapstructure:"webhook_timeout"`
	StalenessCheckInterval time.Duration `yaml:"staleness_check_interval" mapstructure:"staleness_check_interval"`
	StalenessFactor        float64       `yaml:"staleness_factor" mapstructure:"staleness_factor"`
	LookbackWindow         time.Duration `yaml:"lookback_window" mapstructure:"lookback_window"`
	FailureRateThreshold   float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DeadLetterThreshold    int           `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CIVICSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "civicsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("orchestrator.worker_pool_size", 4)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.retry_base_delay", "30s")
	v.SetDefault("orchestrator.retry_max_delay", "30m")
	v.SetDefault("orchestrator.collector_timeout", "5m")
	v.SetDefault("orchestrator.scheduler_tick", "60s")
	v.SetDefault("orchestrator.lease_reaper_interval", "30s")
	v.SetDefault("orchestrator.catalog_path", "jurisdictions.yaml")
	v.SetDefault("orchestrator.user_agent", "civicsync/1.0 (+https://openpolicy.ca/bot)")
	v.SetDefault("ratelimit.courtesy_interval_per_domain", "1500ms")
	v.SetDefault("ratelimit.courtesy_max_wait", "5s")
	v.SetDefault("ratelimit.api_window", "1h")
	v.SetDefault("ratelimit.api_limits", map[string]int{
		"anonymous": 1000,
		"user":      5000,
		"partner":   20000,
		"admin":     50000,
	})
	v.SetDefault("quality.acceptance_ratio", 0.95)
	v.SetDefault("quality.min_title_length", 5)
	v.SetDefault("quality.critical_keywords", []string{"budget", "emergency", "appropriation", "supply", "confidence"})
	v.SetDefault("rollout.poll_interval", "30s")
	v.SetDefault("monitoring.webhook_timeout", "10s")
	v.SetDefault("monitoring.staleness_check_interval", "15m")
	v.SetDefault("monitoring.staleness_factor", 2.0)
	v.SetDefault("monitoring.lookback_window", "24h")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dead_letter_threshold", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Rollout.Phases) == 0 {
		cfg.Rollout.Phases = model.DefaultRolloutPhases()
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger.With(zap.String("service", "civicsync")))

	return nil
}
