package pennant

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/source"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Option configures a Pennant client.
type Option func(*clientConfig) error

// clientConfig holds internal configuration.
type clientConfig struct {
	Config

	sources    []source.Source
	evaluators []evaluator.Evaluator
	rollout    bool
	evalCtx    domain.Context

	logger     *zap.Logger
	dispatcher Dispatcher

	otelEnabled    bool
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

func newClientConfig() *clientConfig {
	return &clientConfig{Config: DefaultConfig()}
}

// WithSources adds flag sources. Lookups consult them from highest to
// lowest priority; equal priorities keep the order given here.
func WithSources(sources ...Source) Option {
	return func(c *clientConfig) error {
		for i, src := range sources {
			if src == nil {
				return domain.NewValidationError(fmt.Sprintf("source %d is nil", i))
			}
		}
		c.sources = append(c.sources, sources...)
		return nil
	}
}

// WithText adds a source parsed lazily from flag definition text.
//
// Example:
//
//	pennant.WithText("features:\n  dark_mode: true\n")
func WithText(text string, opts ...SourceOption) Option {
	return WithSources(source.NewText(source.FromString(text), opts...))
}

// WithFile adds a source parsed lazily from a flag definition file.
func WithFile(path string, opts ...SourceOption) Option {
	return func(c *clientConfig) error {
		if path == "" {
			return &ConfigError{Field: "File", Message: "path cannot be empty"}
		}
		c.sources = append(c.sources, source.NewText(source.FromFile(path), opts...))
		return nil
	}
}

// WithEvaluators appends evaluators, applied in order after a source
// provides a record.
func WithEvaluators(evaluators ...Evaluator) Option {
	return func(c *clientConfig) error {
		c.evaluators = append(c.evaluators, evaluators...)
		return nil
	}
}

// WithPercentageRollout appends the percentage rollout evaluator. Records
// carrying "rollout" metadata are enabled for that share of user ids.
func WithPercentageRollout() Option {
	return func(c *clientConfig) error {
		c.rollout = true
		return nil
	}
}

// WithContext sets the targeting context used by IsEnabled, Value and the
// observation streams.
func WithContext(ctx Context) Option {
	return func(c *clientConfig) error {
		c.evalCtx = ctx
		return nil
	}
}

// WithLogger sets the logger. It takes precedence over WithLogLevel.
func WithLogger(logger *zap.Logger) Option {
	return func(c *clientConfig) error {
		if logger == nil {
			return &ConfigError{Field: "Logger", Message: "cannot be nil"}
		}
		c.logger = logger
		return nil
	}
}

// WithLogLevel sets the level of the default JSON logger.
func WithLogLevel(level string) Option {
	return func(c *clientConfig) error {
		c.LogLevel = level
		return nil
	}
}

// WithOpenTelemetry records metrics and spans through OpenTelemetry. Nil
// providers fall back to the global ones.
func WithOpenTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) Option {
	return func(c *clientConfig) error {
		c.otelEnabled = true
		c.meterProvider = mp
		c.tracerProvider = tp
		return nil
	}
}

// WithRefreshTimeout bounds each source's refresh.
// Default: 30 seconds
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) error {
		c.RefreshTimeout = timeout
		return nil
	}
}

// WithRefreshInterval refreshes in the background on this interval.
// Default: 0 (refresh only when asked)
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		c.RefreshInterval = interval
		return nil
	}
}

// WithCircuitBreaker configures the per-source refresh breakers.
//
// Example: pennant.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *clientConfig) error {
		c.CircuitThreshold = threshold
		c.CircuitCooldown = cooldown
		return nil
	}
}

// WithEventBufferSize sets the per-subscriber change event buffer.
func WithEventBufferSize(size int) Option {
	return func(c *clientConfig) error {
		c.EventBufferSize = size
		return nil
	}
}

// WithTargetedCacheSize bounds the cache of Evaluate results.
// Default: 10000 entries. Zero disables it.
func WithTargetedCacheSize(size int64) Option {
	return func(c *clientConfig) error {
		c.TargetedCacheSize = size
		return nil
	}
}

// WithDispatcher delivers change notifications on d, which the caller
// keeps ownership of. By default the client owns a serial dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(c *clientConfig) error {
		if d == nil {
			return &ConfigError{Field: "Dispatcher", Message: "cannot be nil"}
		}
		c.dispatcher = d
		return nil
	}
}

// WithConfig applies a full Config struct.
// This is an alternative to using individual options.
func WithConfig(cfg Config) Option {
	return func(c *clientConfig) error {
		c.Config = cfg
		return nil
	}
}

func (c *clientConfig) buildTelemetry() (telemetry.Provider, error) {
	if !c.otelEnabled {
		return telemetry.NewNoOp(), nil
	}

	var opts []telemetry.OTelOption
	if c.meterProvider != nil {
		opts = append(opts, telemetry.WithMeterProvider(c.meterProvider))
	}
	if c.tracerProvider != nil {
		opts = append(opts, telemetry.WithTracerProvider(c.tracerProvider))
	}
	provider, err := telemetry.NewOTel(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	return provider, nil
}
