package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/circuit"
	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// DefaultRefreshTimeout bounds each source's Refresh call.
const DefaultRefreshTimeout = 30 * time.Second

// Option configures an Engine.
type Option func(*config)

type config struct {
	logger          *zap.Logger
	telemetry       telemetry.Provider
	registry        *domain.Registry
	evaluators      []evaluator.Evaluator
	evalCtx         domain.Context
	refreshTimeout  time.Duration
	refreshInterval time.Duration
	breaker         circuit.Config

	targetedCacheSize int64
}

func defaultConfig() config {
	return config{
		logger:         zap.NewNop(),
		telemetry:      telemetry.NewNoOp(),
		refreshTimeout: DefaultRefreshTimeout,
		breaker:        circuit.DefaultConfig(),

		targetedCacheSize: DefaultTargetedCacheSize,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTelemetry(p telemetry.Provider) Option {
	return func(c *config) {
		if p != nil {
			c.telemetry = p
		}
	}
}

// WithRegistry shares a key registry. By default each engine owns one.
func WithRegistry(r *domain.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithEvaluators appends evaluators to the chain, applied in order.
// Evaluators with a Close() error method are closed with the engine.
func WithEvaluators(evals ...evaluator.Evaluator) Option {
	return func(c *config) { c.evaluators = append(c.evaluators, evals...) }
}

// WithContext sets the targeting context used by cached lookups.
func WithContext(evalCtx domain.Context) Option {
	return func(c *config) { c.evalCtx = evalCtx }
}

// WithRefreshTimeout bounds each source's refresh. Non-positive values keep
// the default.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithRefreshInterval starts a background refresh loop owned by the engine.
// Zero disables it.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *config) { c.refreshInterval = d }
}

// WithCircuitBreaker configures the per-source refresh breakers.
func WithCircuitBreaker(cfg circuit.Config) Option {
	return func(c *config) { c.breaker = cfg }
}

// WithTargetedCacheSize bounds the LookupWithContext result cache. Zero or
// less disables it.
func WithTargetedCacheSize(size int64) Option {
	return func(c *config) { c.targetedCacheSize = size }
}
