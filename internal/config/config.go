package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Signals    SignalsConfig    `yaml:"signals" mapstructure:"signals"`
	Refiner    RefinerConfig    `yaml:"refiner" mapstructure:"refiner"`
	Rescore    RescoreConfig    `yaml:"rescore" mapstructure:"rescore"`
	Expander   ExpanderConfig   `yaml:"expander" mapstructure:"expander"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScoringConfig holds the tier thresholds applied to a lead's total score.
type ScoringConfig struct {
	HighFit   float64 `yaml:"high_fit" mapstructure:"high_fit"`
	MediumFit float64 `yaml:"medium_fit" mapstructure:"medium_fit"`
}

// SignalsConfig bounds the weights the Signal Store will accept.
type SignalsConfig struct {
	SeedFile        string  `yaml:"seed_file" mapstructure:"seed_file"`
	Floor           float64 `yaml:"floor" mapstructure:"floor"`
	Ceiling         float64 `yaml:"ceiling" mapstructure:"ceiling"`
	ConflictRetries int     `yaml:"conflict_retries" mapstructure:"conflict_retries"`
}

// Cap modes for RefinerConfig.CapMode.
const (
	CapModeAbsolute = "absolute"
	CapModeRelative = "relative"
)

// RefinerConfig configures the adaptive weight loop.
type RefinerConfig struct {
	MinSample         int     `yaml:"min_sample" mapstructure:"min_sample"`
	CapMode           string  `yaml:"cap_mode" mapstructure:"cap_mode"`
	MaxAbsDelta       float64 `yaml:"max_abs_delta" mapstructure:"max_abs_delta"`
	MaxRelDelta       float64 `yaml:"max_rel_delta" mapstructure:"max_rel_delta"`
	Gain              float64 `yaml:"gain" mapstructure:"gain"`
	MinLift           float64 `yaml:"min_lift" mapstructure:"min_lift"`
	OptOutPenaltyRate float64 `yaml:"opt_out_penalty_rate" mapstructure:"opt_out_penalty_rate"`
	LookbackDays      int     `yaml:"lookback_days" mapstructure:"lookback_days"`
	AutoApply         bool    `yaml:"auto_apply" mapstructure:"auto_apply"`
}

// RescoreConfig configures the re-scoring sweep.
type RescoreConfig struct {
	MaxAgeHours int     `yaml:"max_age_hours" mapstructure:"max_age_hours"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BatchSize   int     `yaml:"batch_size" mapstructure:"batch_size"`
	ReopenStale bool    `yaml:"reopen_stale" mapstructure:"reopen_stale"`
}

// ExpanderConfig configures discovery query mining.
type ExpanderConfig struct {
	MaxQueries int      `yaml:"max_queries" mapstructure:"max_queries"`
	MaxTokens  int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	MinSupport int      `yaml:"min_support" mapstructure:"min_support"`
	Templates  []string `yaml:"templates" mapstructure:"templates"`
	Stopwords  []string `yaml:"stopwords" mapstructure:"stopwords"`
}

// MonitoringConfig configures pipeline health checks and alert delivery.
type MonitoringConfig struct {
	WindowHours   int            `yaml:"window_hours" mapstructure:"window_hours"`
	WarningRate   float64        `yaml:"warning_rate" mapstructure:"warning_rate"`
	CriticalRate  float64        `yaml:"critical_rate" mapstructure:"critical_rate"`
	MinSample     int            `yaml:"min_sample" mapstructure:"min_sample"`
	WebhookURL    string         `yaml:"webhook_url" mapstructure:"webhook_url"`
	BacklogLimits map[string]int `yaml:"backlog_limits" mapstructure:"backlog_limits"`
	ActivityHours int            `yaml:"activity_hours" mapstructure:"activity_hours"`
}

// SchedulerConfig holds per-task intervals in minutes. A zero interval
// disables the task.
type SchedulerConfig struct {
	Enabled   bool           `yaml:"enabled" mapstructure:"enabled"`
	Intervals map[string]int `yaml:"intervals" mapstructure:"intervals"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultBacklogLimits are the lead counts a stage may hold before the
// monitor flags it as stalled. Stages without a positive limit are never
// flagged.
var DefaultBacklogLimits = map[string]int{
	"discovered": 50,
	"scraped":    20,
}

// DefaultIntervals are the task cadences in minutes.
var DefaultIntervals = map[string]int{
	"scraping":            60,
	"scoring":             30,
	"enrichment":          45,
	"outreach":            120,
	"inbox_monitor":       15,
	"outcome_tracking":    360,
	"scoring_refinement":  1440,
	"rescoring":           720,
	"discovery_expansion": 1440,
	"pipeline_health":     120,
	"full_cycle":          1440,
}

// DefaultQueryTemplates seed the expander when no templates are configured.
var DefaultQueryTemplates = []string{
	"{token} AI agent platform startup",
	"{token} autonomous workflow company",
	"companies using {token} for enterprise automation",
	"{token} agent orchestration startup funding",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "prospect.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("scoring.high_fit", 15)
	v.SetDefault("scoring.medium_fit", 7)
	v.SetDefault("signals.floor", 0)
	v.SetDefault("signals.ceiling", 20)
	v.SetDefault("signals.conflict_retries", 3)
	v.SetDefault("refiner.min_sample", 10)
	v.SetDefault("refiner.cap_mode", CapModeAbsolute)
	v.SetDefault("refiner.max_abs_delta", 1.0)
	v.SetDefault("refiner.max_rel_delta", 0.2)
	v.SetDefault("refiner.gain", 1.0)
	v.SetDefault("refiner.min_lift", 0.2)
	v.SetDefault("refiner.opt_out_penalty_rate", 0.10)
	v.SetDefault("refiner.lookback_days", 0)
	v.SetDefault("refiner.auto_apply", true)
	v.SetDefault("rescore.max_age_hours", 7*24)
	v.SetDefault("rescore.concurrency", 4)
	v.SetDefault("rescore.rate_per_sec", 50)
	v.SetDefault("rescore.batch_size", 500)
	v.SetDefault("rescore.reopen_stale", false)
	v.SetDefault("expander.max_queries", 25)
	v.SetDefault("expander.max_tokens", 10)
	v.SetDefault("expander.min_support", 2)
	v.SetDefault("expander.templates", DefaultQueryTemplates)
	v.SetDefault("monitoring.window_hours", 7*24)
	v.SetDefault("monitoring.warning_rate", 0.25)
	v.SetDefault("monitoring.critical_rate", 0.10)
	v.SetDefault("monitoring.min_sample", 5)
	v.SetDefault("monitoring.backlog_limits", DefaultBacklogLimits)
	v.SetDefault("monitoring.activity_hours", 24)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.intervals", DefaultIntervals)

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

	return &cfg, nil
}

// Interval returns the configured interval for task in minutes, falling
// back to DefaultIntervals.
func (c SchedulerConfig) Interval(task string) int {
	if m, ok := c.Intervals[task]; ok {
		return m
	}
	return DefaultIntervals[task]
}

// Validate checks the config for the given command mode ("engine" or "serve").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "engine":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be 1-65535 (got %d)", c.Server.Port))
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres (got %q)", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres (PROSPECT_STORE_DATABASE_URL)")
	}

	if c.Scoring.MediumFit > c.Scoring.HighFit {
		errs = append(errs, "scoring.medium_fit must be <= scoring.high_fit")
	}
	if c.Signals.Ceiling < c.Signals.Floor {
		errs = append(errs, "signals.ceiling must be >= signals.floor")
	}
	if c.Signals.ConflictRetries < 1 {
		errs = append(errs, "signals.conflict_retries must be >= 1")
	}

	if c.Refiner.MinSample < 1 {
		errs = append(errs, "refiner.min_sample must be >= 1")
	}
	switch c.Refiner.CapMode {
	case CapModeAbsolute:
		if c.Refiner.MaxAbsDelta <= 0 {
			errs = append(errs, "refiner.max_abs_delta must be > 0")
		}
	case CapModeRelative:
		if c.Refiner.MaxRelDelta <= 0 || c.Refiner.MaxRelDelta > 1 {
			errs = append(errs, "refiner.max_rel_delta must be in (0, 1]")
		}
	default:
		errs = append(errs, fmt.Sprintf("refiner.cap_mode must be absolute or relative (got %q)", c.Refiner.CapMode))
	}
	if c.Refiner.Gain <= 0 || math.IsInf(c.Refiner.Gain, 0) {
		errs = append(errs, "refiner.gain must be > 0")
	}

	if c.Rescore.Concurrency < 1 {
		errs = append(errs, "rescore.concurrency must be >= 1")
	}
	if c.Rescore.MaxAgeHours < 0 {
		errs = append(errs, "rescore.max_age_hours must be >= 0")
	}

	if c.Expander.MaxQueries < 1 {
		errs = append(errs, "expander.max_queries must be >= 1")
	}

	if c.Monitoring.CriticalRate > c.Monitoring.WarningRate {
		errs = append(errs, "monitoring.critical_rate must be <= monitoring.warning_rate")
	}
	if c.Monitoring.WindowHours <= 0 {
		errs = append(errs, "monitoring.window_hours must be > 0")
	}

	if c.Monitoring.ActivityHours < 0 {
		errs = append(errs, "monitoring.activity_hours must be >= 0")
	}
	for stage, limit := range c.Monitoring.BacklogLimits {
		if limit < 0 {
			errs = append(errs, fmt.Sprintf("monitoring.backlog_limits.%s must be >= 0", stage))
		}
	}

	for task, minutes := range c.Scheduler.Intervals {
		if minutes < 0 {
			errs = append(errs, fmt.Sprintf("scheduler.intervals.%s must be >= 0", task))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
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
	zap.ReplaceGlobals(logger)

	return nil
}
