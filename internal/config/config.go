package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable runtime configuration. It is loaded once in main
// and passed by value into every component constructor; no package reads
// process-wide mutable state.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Search     SearchConfig     `mapstructure:"search"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Synthesis  SynthesisConfig  `mapstructure:"synthesis"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Retry      RetryConfig      `mapstructure:"retry"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Breaker    BreakerConfig    `mapstructure:"circuit_breaker"`
	Validation ValidationConfig `mapstructure:"validation"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Acquire    AcquireConfig    `mapstructure:"acquire"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Stages     StagesConfig     `mapstructure:"stages"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

type SearchConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	MaxResults   int           `mapstructure:"max_results"`
	TopToFetch   int           `mapstructure:"top_results_to_fetch"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RequestsPerS float64       `mapstructure:"requests_per_second"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	MaxChars     int           `mapstructure:"max_chars"`
	RequestsPerS float64       `mapstructure:"requests_per_second"`
}

type SynthesisConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	MaxOutputUnits int           `mapstructure:"max_output_units"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// BudgetConfig defines the token allocation for one synthesis call.
type BudgetConfig struct {
	ContextCeiling     int `mapstructure:"context_ceiling"`
	InstructionReserve int `mapstructure:"instruction_reserve"`
	OutputReserve      int `mapstructure:"output_reserve"`
	SafetyMargin       int `mapstructure:"safety_margin"`
	MaxSources         int `mapstructure:"max_sources"`
	MinUsefulSlice     int `mapstructure:"min_useful_slice"`
}

// ContentBudget returns the units available for evidence content.
func (b BudgetConfig) ContentBudget() int {
	return b.ContextCeiling - b.InstructionReserve - b.OutputReserve - b.SafetyMargin
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseWait    time.Duration `mapstructure:"base_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type RateLimitConfig struct {
	SearchBaseDelay    time.Duration `mapstructure:"search_base_delay"`
	FetchBaseDelay     time.Duration `mapstructure:"fetch_base_delay"`
	SynthesisBaseDelay time.Duration `mapstructure:"synthesis_base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	BackoffFactor      float64       `mapstructure:"backoff_factor"`
	DecayAfter         int           `mapstructure:"decay_after"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	MaxHalfOpen      uint32        `mapstructure:"max_half_open"`
}

type ValidationConfig struct {
	Strict              bool `mapstructure:"strict"`
	MinRowsPerTable     int  `mapstructure:"min_rows_per_table"`
	MaxPlaceholders     int  `mapstructure:"max_placeholders"`
	MaxSynthesisRetries int  `mapstructure:"max_synthesis_retries"`
}

type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // "memory", "redis", "none"
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type AcquireConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type PathsConfig struct {
	SessionDir string `mapstructure:"session_dir"`
	CostDir    string `mapstructure:"cost_dir"`
	OutputDir  string `mapstructure:"output_dir"`
}

type LedgerConfig struct {
	Driver string `mapstructure:"driver"` // "", "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

type PricingConfig struct {
	Path string `mapstructure:"path"`
}

type StagesConfig struct {
	Path string `mapstructure:"path"` // empty = built-in stage set
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

// Load reads the config file (path, or JOURNEYBUILDER_CONFIG, or
// ./config/journeybuilder.yaml), merges JB_* env overrides, and validates.
// A missing file yields defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("JOURNEYBUILDER_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("journeybuilder")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("JB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// API keys come from the environment, never from the file on disk.
	if cfg.Search.APIKey == "" {
		cfg.Search.APIKey = os.Getenv("SEARCH_API_KEY")
	}
	if cfg.Synthesis.APIKey == "" {
		cfg.Synthesis.APIKey = os.Getenv("SYNTHESIS_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.RateLimit.BackoffFactor < 1 {
		return fmt.Errorf("rate_limit.backoff_factor must be >= 1, got %g", c.RateLimit.BackoffFactor)
	}
	if c.Budget.ContentBudget() <= 0 {
		return fmt.Errorf("budget reserves exceed context ceiling (%d available)", c.Budget.ContentBudget())
	}
	if c.Budget.MinUsefulSlice <= 0 {
		return fmt.Errorf("budget.min_useful_slice must be positive")
	}
	if c.Validation.MaxSynthesisRetries < 0 {
		return fmt.Errorf("validation.max_synthesis_retries must be >= 0")
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("cache.backend must be memory, redis or none, got %q", c.Cache.Backend)
	}
	if c.Acquire.Concurrency < 1 {
		return fmt.Errorf("acquire.concurrency must be >= 1")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("search.base_url", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.top_results_to_fetch", 3)
	v.SetDefault("search.timeout", 30*time.Second)
	v.SetDefault("search.requests_per_second", 1.0)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_body_bytes", int64(5*1024*1024))
	v.SetDefault("fetch.max_chars", 16000)
	v.SetDefault("fetch.requests_per_second", 2.0)

	v.SetDefault("synthesis.base_url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("synthesis.model", "claude-sonnet-4-20250514")
	v.SetDefault("synthesis.max_output_units", 8000)
	v.SetDefault("synthesis.timeout", 5*time.Minute)

	v.SetDefault("budget.context_ceiling", 180000)
	v.SetDefault("budget.instruction_reserve", 5000)
	v.SetDefault("budget.output_reserve", 8000)
	v.SetDefault("budget.safety_margin", 5000)
	v.SetDefault("budget.max_sources", 15)
	v.SetDefault("budget.min_useful_slice", 1000)

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_wait", 2*time.Second)
	v.SetDefault("retry.max_wait", 60*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("rate_limit.search_base_delay", time.Second)
	v.SetDefault("rate_limit.fetch_base_delay", 500*time.Millisecond)
	v.SetDefault("rate_limit.synthesis_base_delay", 2*time.Second)
	v.SetDefault("rate_limit.max_delay", 30*time.Second)
	v.SetDefault("rate_limit.backoff_factor", 2.0)
	v.SetDefault("rate_limit.decay_after", 5)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.max_half_open", 2)

	v.SetDefault("validation.strict", false)
	v.SetDefault("validation.min_rows_per_table", 2)
	v.SetDefault("validation.max_placeholders", 10)
	v.SetDefault("validation.max_synthesis_retries", 2)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl", 7*24*time.Hour)

	v.SetDefault("acquire.concurrency", 4)

	v.SetDefault("paths.session_dir", "data/sessions")
	v.SetDefault("paths.cost_dir", "data/costs")
	v.SetDefault("paths.output_dir", "data/outputs")

	v.SetDefault("pricing.path", "config/models.yaml")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "journeybuilder")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}
