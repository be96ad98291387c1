package llmgate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hardik936/llmgate/store"
)

// QuotaMode selects soft (warn) or hard (reject) quota enforcement.
type QuotaMode = store.QuotaMode

const (
	QuotaSoft = store.QuotaSoft
	QuotaHard = store.QuotaHard
)

// Config is the top-level configuration. Start from DefaultConfig or
// LoadConfig: zero values of RateLimitEnabled and Retry.Jitter are
// meaningful and are not defaulted, so a bare literal runs with rate
// limiting and quota enforcement off and no jitter.
type Config struct {
	RateLimitEnabled bool             `yaml:"rate_limit_enabled"`
	SharedStore      string           `yaml:"shared_store"`
	AcquireTimeout   time.Duration    `yaml:"acquire_timeout"`
	Providers        []ProviderConfig `yaml:"providers"`
	Quota            QuotaConfig      `yaml:"quota"`
	Routing          RoutingConfig    `yaml:"routing"`
	Breaker          BreakerConfig    `yaml:"breaker"`
	Retry            RetryConfig      `yaml:"retry"`
	Server           ServerConfig     `yaml:"server"`
}

// ServerConfig configures the HTTP server run by `llmgate serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig configures a single provider.
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"` // lower is preferred

	// RatePerSec is the token bucket refill rate. Burst is its capacity and
	// defaults to RatePerSec.
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      float64 `yaml:"burst"`

	CostPerToken    float64       `yaml:"cost_per_token"`
	LatencyEstimate time.Duration `yaml:"latency_estimate"`

	// Cooldown is how long the provider is skipped after a failover.
	Cooldown time.Duration `yaml:"cooldown"`

	// Endpoint of an OpenAI-compatible API, used by the llmgate server.
	// Library users inject their own CallFunc and may leave these empty.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// QuotaConfig configures rolling-window quotas.
type QuotaConfig struct {
	WindowDays              int              `yaml:"window_days"`
	DefaultTokens           int64            `yaml:"default_tokens"`
	Enforcement             QuotaMode        `yaml:"enforcement"`
	DefaultTokensPerRequest int64            `yaml:"default_tokens_per_request"`
	Limits                  map[string]int64 `yaml:"limits"` // scope key -> limit
}

// Window returns the window length.
func (q QuotaConfig) Window() time.Duration {
	return time.Duration(q.WindowDays) * 24 * time.Hour
}

// RoutingConfig configures provider selection and failover.
type RoutingConfig struct {
	Policy      RoutingPolicy `yaml:"policy"`
	MaxAttempts int           `yaml:"max_attempts"` // providers tried per call
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig configures per-provider retry backoff.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
	Jitter      float64       `yaml:"jitter"`
}

// Defaults.
const (
	DefaultAcquireTimeout          = 5 * time.Second
	DefaultQuotaWindowDays         = 30
	DefaultQuotaTokens             = 100000
	DefaultTokensPerRequest        = 1
	DefaultProviderCooldown        = 60 * time.Second
	DefaultFailoverAttempts        = 3
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerRecoveryTimeout  = 30 * time.Second
	DefaultServerAddr              = ":8080"
	DefaultShutdownTimeout         = 10 * time.Second
)

// DefaultConfig returns a Config with every default applied and no providers.
func DefaultConfig() Config {
	return Config{
		RateLimitEnabled: true,
		AcquireTimeout:   DefaultAcquireTimeout,
		Quota: QuotaConfig{
			WindowDays:              DefaultQuotaWindowDays,
			DefaultTokens:           DefaultQuotaTokens,
			Enforcement:             QuotaSoft,
			DefaultTokensPerRequest: DefaultTokensPerRequest,
		},
		Routing: RoutingConfig{
			Policy:      PolicyPrimary,
			MaxAttempts: DefaultFailoverAttempts,
		},
		Breaker: BreakerConfig{
			FailureThreshold: DefaultBreakerFailureThreshold,
			RecoveryTimeout:  DefaultBreakerRecoveryTimeout,
		},
		Retry: RetryConfig{
			BaseDelay:   DefaultBackoff.Base,
			MaxDelay:    DefaultBackoff.Max,
			Multiplier:  DefaultBackoff.Multiplier,
			MaxAttempts: DefaultBackoff.MaxAttempts,
			Jitter:      DefaultBackoff.Jitter,
		},
		Server: ServerConfig{
			Addr:            DefaultServerAddr,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing,
// and LLMGATE_* variables override the parsed values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("llmgate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("llmgate: parse config: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("LLMGATE_SHARED_STORE"); ok {
		c.SharedStore = v
	}
	if v, ok := lookup("LLMGATE_RATE_LIMIT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "LLMGATE_RATE_LIMIT_ENABLED", Reason: fmt.Sprintf("invalid bool %q", v)}
		}
		c.RateLimitEnabled = b
	}
	if v, ok := lookup("LLMGATE_ROUTING_POLICY"); ok {
		c.Routing.Policy = RoutingPolicy(strings.ToLower(v))
	}
	if v, ok := lookup("LLMGATE_QUOTA_ENFORCEMENT"); ok {
		c.Quota.Enforcement = QuotaMode(strings.ToLower(v))
	}
	if v, ok := lookup("LLMGATE_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	return nil
}

// withDefaults fills zero-valued fields that have a natural default.
func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}

	providers := make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		if p.Burst == 0 {
			p.Burst = p.RatePerSec
		}
		if p.Cooldown == 0 {
			p.Cooldown = DefaultProviderCooldown
		}
		providers[i] = p
	}
	c.Providers = providers

	if c.Quota.WindowDays == 0 {
		c.Quota.WindowDays = d.Quota.WindowDays
	}
	if c.Quota.DefaultTokens == 0 {
		c.Quota.DefaultTokens = d.Quota.DefaultTokens
	}
	if c.Quota.Enforcement == "" {
		c.Quota.Enforcement = d.Quota.Enforcement
	}
	if c.Quota.DefaultTokensPerRequest == 0 {
		c.Quota.DefaultTokensPerRequest = d.Quota.DefaultTokensPerRequest
	}

	if c.Routing.Policy == "" {
		c.Routing.Policy = d.Routing.Policy
	}
	if c.Routing.MaxAttempts == 0 {
		c.Routing.MaxAttempts = d.Routing.MaxAttempts
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.RecoveryTimeout == 0 {
		c.Breaker.RecoveryTimeout = d.Breaker.RecoveryTimeout
	}

	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return &ConfigError{Field: "providers", Reason: "at least one provider is required"}
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			return &ConfigError{Field: field + ".name", Reason: "is required"}
		}
		if names[p.Name] {
			return &ConfigError{Field: field + ".name", Reason: fmt.Sprintf("duplicate provider %q", p.Name)}
		}
		names[p.Name] = true

		if p.RatePerSec < 0 {
			return &ConfigError{Field: field + ".rate_per_sec", Reason: "must be non-negative"}
		}
		if p.Burst < 0 {
			return &ConfigError{Field: field + ".burst", Reason: "must be non-negative"}
		}
		if c.RateLimitEnabled && p.Burst == 0 && p.RatePerSec == 0 {
			return &ConfigError{Field: field + ".rate_per_sec", Reason: "rate_per_sec or burst must be positive while rate limiting is enabled"}
		}
		if p.CostPerToken < 0 {
			return &ConfigError{Field: field + ".cost_per_token", Reason: "must be non-negative"}
		}
		if p.LatencyEstimate < 0 {
			return &ConfigError{Field: field + ".latency_estimate", Reason: "must be non-negative"}
		}
		if p.Cooldown < 0 {
			return &ConfigError{Field: field + ".cooldown", Reason: "must be non-negative"}
		}
	}

	if c.AcquireTimeout < 0 {
		return &ConfigError{Field: "acquire_timeout", Reason: "must be non-negative"}
	}
	if c.SharedStore != "" {
		if _, err := storeKind(c.SharedStore); err != nil {
			return &ConfigError{Field: "shared_store", Reason: err.Error()}
		}
	}

	if c.Quota.WindowDays <= 0 {
		return &ConfigError{Field: "quota.window_days", Reason: "must be positive"}
	}
	if c.Quota.DefaultTokens < 0 {
		return &ConfigError{Field: "quota.default_tokens", Reason: "must be non-negative"}
	}
	if c.Quota.Enforcement != QuotaSoft && c.Quota.Enforcement != QuotaHard {
		return &ConfigError{Field: "quota.enforcement", Reason: fmt.Sprintf("invalid mode %q (want soft or hard)", c.Quota.Enforcement)}
	}
	if c.Quota.DefaultTokensPerRequest < 0 {
		return &ConfigError{Field: "quota.default_tokens_per_request", Reason: "must be non-negative"}
	}
	for key, limit := range c.Quota.Limits {
		if _, err := ParseScope(key); err != nil {
			return &ConfigError{Field: "quota.limits", Reason: err.Error()}
		}
		if limit < 0 {
			return &ConfigError{Field: "quota.limits." + key, Reason: "must be non-negative"}
		}
	}

	if !c.Routing.Policy.Valid() {
		return &ConfigError{Field: "routing.policy", Reason: fmt.Sprintf("invalid policy %q (want primary, cost_weighted or latency_weighted)", c.Routing.Policy)}
	}
	if c.Routing.MaxAttempts <= 0 {
		return &ConfigError{Field: "routing.max_attempts", Reason: "must be positive"}
	}

	if c.Breaker.FailureThreshold <= 0 {
		return &ConfigError{Field: "breaker.failure_threshold", Reason: "must be positive"}
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return &ConfigError{Field: "breaker.recovery_timeout", Reason: "must be positive"}
	}

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return &ConfigError{Field: "retry", Reason: "delays must be non-negative"}
	}
	if c.Retry.Multiplier < 1 {
		return &ConfigError{Field: "retry.multiplier", Reason: "must be at least 1"}
	}
	if c.Retry.MaxAttempts <= 0 {
		return &ConfigError{Field: "retry.max_attempts", Reason: "must be positive"}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return &ConfigError{Field: "retry.jitter", Reason: "must be in [0, 1)"}
	}

	return nil
}

// Provider returns the configuration of the named provider.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
