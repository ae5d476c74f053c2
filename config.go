package pennant

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/OrlandoBitencourt/pennant/internal/circuit"
	"github.com/OrlandoBitencourt/pennant/internal/engine"
	"github.com/OrlandoBitencourt/pennant/internal/logging"
	"github.com/OrlandoBitencourt/pennant/internal/observe"
)

// EnvPrefix prefixes every variable read by LoadConfigFromEnv.
const EnvPrefix = "PENNANT_"

// Config holds the tunables of a Pennant client.
type Config struct {
	// RefreshTimeout bounds each source's refresh.
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"30s"`

	// RefreshInterval starts a background refresh loop when positive.
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"0s"`

	// EventBufferSize is the per-subscriber change event buffer. The
	// oldest event is dropped when it overflows.
	EventBufferSize int `env:"EVENT_BUFFER_SIZE" envDefault:"64"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// CircuitThreshold is the number of consecutive refresh failures
	// before a source's breaker opens.
	CircuitThreshold int `env:"CIRCUIT_THRESHOLD" envDefault:"3"`

	// CircuitCooldown is how long an open breaker waits before letting
	// one trial refresh through.
	CircuitCooldown time.Duration `env:"CIRCUIT_COOLDOWN" envDefault:"30s"`

	// TargetedCacheSize bounds the cache of Evaluate results, keyed by flag
	// and targeting context. Zero disables it.
	TargetedCacheSize int64 `env:"TARGETED_CACHE_SIZE" envDefault:"10000"`
}

// DefaultConfig returns recommended default configuration.
func DefaultConfig() Config {
	return Config{
		RefreshTimeout:         engine.DefaultRefreshTimeout,
		EventBufferSize:        observe.DefaultBufferSize,
		LogLevel:               "info",
		CircuitThreshold:       circuit.DefaultConfig().Threshold,
		CircuitCooldown:        circuit.DefaultConfig().Cooldown,
		TargetedCacheSize:      engine.DefaultTargetedCacheSize,
	}
}

// LoadConfigFromEnv reads PENNANT_* variables over the defaults and
// validates the result.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	if c.RefreshTimeout <= 0 {
		return &ConfigError{Field: "RefreshTimeout", Message: "must be positive"}
	}
	if c.RefreshInterval < 0 {
		return &ConfigError{Field: "RefreshInterval", Message: "cannot be negative"}
	}
	if c.EventBufferSize <= 0 {
		return &ConfigError{Field: "EventBufferSize", Message: "must be positive"}
	}
	if !logging.ValidLevel(c.LogLevel) {
		return &ConfigError{Field: "LogLevel", Message: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	if c.CircuitThreshold <= 0 {
		return &ConfigError{Field: "CircuitThreshold", Message: "must be positive"}
	}
	if c.CircuitCooldown <= 0 {
		return &ConfigError{Field: "CircuitCooldown", Message: "must be positive"}
	}
	if c.TargetedCacheSize < 0 {
		return &ConfigError{Field: "TargetedCacheSize", Message: "cannot be negative"}
	}
	return nil
}
