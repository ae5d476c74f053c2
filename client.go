// Package pennant is a client-side feature flag engine.
//
// Flags come from an ordered set of sources (in-memory maps, flag
// definition text), pass through a chain of evaluators for targeting and
// percentage rollout, and are cached until the next refresh or
// invalidation. Changes between refreshes are published as events.
package pennant

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/circuit"
	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/engine"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/logging"
	"github.com/OrlandoBitencourt/pennant/internal/observe"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// Client is the main entry point for Pennant.
type Client struct {
	engine    *engine.Engine
	observer  *observe.Observer
	telemetry telemetry.Provider
	logger    *zap.Logger

	closeOnce sync.Once
}

// New builds a client and discovers every flag its sources define.
//
// Misconfiguration fails here: no sources, invalid config, or flag text
// that does not parse. Sources that fail for other reasons are logged and
// skipped.
//
// Example:
//
//	client, err := pennant.New(
//	    pennant.WithFile("flags.yaml"),
//	    pennant.WithPercentageRollout(),
//	    pennant.WithContext(pennant.NewContext("user-123").WithCountry("BR")),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := newClientConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.sources) == 0 {
		return nil, domain.NewValidationError("at least one source is required")
	}

	logger := cfg.logger
	if logger == nil {
		logger = logging.New(cfg.LogLevel)
	}

	provider, err := cfg.buildTelemetry()
	if err != nil {
		return nil, err
	}

	evaluators := cfg.evaluators
	if cfg.rollout {
		evaluators = append(evaluators, evaluator.NewPercentageRollout())
	}

	eng, err := engine.New(cfg.sources,
		engine.WithLogger(logger),
		engine.WithTelemetry(provider),
		engine.WithEvaluators(evaluators...),
		engine.WithContext(cfg.evalCtx),
		engine.WithRefreshTimeout(cfg.RefreshTimeout),
		engine.WithRefreshInterval(cfg.RefreshInterval),
		engine.WithTargetedCacheSize(cfg.TargetedCacheSize),
		engine.WithCircuitBreaker(circuit.Config{
			Threshold: cfg.CircuitThreshold,
			Cooldown:  cfg.CircuitCooldown,
		}),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RefreshTimeout)
	defer cancel()

	if _, err := eng.DiscoverKeys(ctx); err != nil {
		if domain.IsParseError(err) {
			_ = eng.Close()
			return nil, fmt.Errorf("failed to load flag definitions: %w", err)
		}
		logger.Warn("some sources could not list their flags", zap.Error(err))
	}

	observerOpts := []observe.Option{
		observe.WithLogger(logger),
		observe.WithBufferSize(cfg.EventBufferSize),
	}
	if cfg.dispatcher != nil {
		observerOpts = append(observerOpts, observe.WithDispatcher(cfg.dispatcher))
	}

	obs, err := observe.New(ctx, eng, observerOpts...)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	logger.Info("pennant client started",
		zap.Int("sources", len(cfg.sources)),
		zap.Int("flags", eng.Registry().Len()),
	)

	return &Client{
		engine:    eng,
		observer:  obs,
		telemetry: provider,
		logger:    logger,
	}, nil
}

// IsEnabled reports whether the flag is on. It never fails: unknown flags,
// blank keys and source errors all read as disabled.
//
// Example:
//
//	if client.IsEnabled(ctx, "new_checkout") {
//	    // ...
//	}
func (c *Client) IsEnabled(ctx context.Context, key string) bool {
	return c.observer.IsEnabled(ctx, key)
}

// Value returns the full record for key. Only a blank key is an error.
func (c *Client) Value(ctx context.Context, key string) (FlagRecord, error) {
	return c.engine.Lookup(ctx, key)
}

// Values resolves several keys at once.
func (c *Client) Values(ctx context.Context, keys ...string) (map[string]FlagRecord, error) {
	return c.engine.LookupAll(ctx, keys)
}

// Evaluate resolves key for a one-off targeting context. Results are cached
// per flag and context apart from the client's own context, and dropped on
// the next refresh or invalidation.
func (c *Client) Evaluate(ctx context.Context, key string, evalCtx Context) (FlagRecord, error) {
	return c.engine.LookupWithContext(ctx, key, evalCtx)
}

// Flags returns the last observed value of every known flag.
func (c *Client) Flags() map[string]bool {
	return c.observer.Snapshot()
}

// Observe returns the observable value of key. Repeated calls return the
// same *FlagValue.
func (c *Client) Observe(ctx context.Context, key string) (*FlagValue, error) {
	return c.observer.Observe(ctx, key)
}

// Changes subscribes to change events until ctx is done or the client
// closes.
func (c *Client) Changes(ctx context.Context) *Subscription {
	return c.observer.Subscribe(ctx)
}

// AddObserver calls callback whenever key changes.
func (c *Client) AddObserver(key string, callback func(ChangeEvent)) (*Registration, error) {
	return c.observer.AddObserver(key, callback)
}

// Refresh refreshes every source and publishes what changed. It fails only
// when every source fails.
func (c *Client) Refresh(ctx context.Context) error {
	return c.observer.Refresh(ctx)
}

// Invalidate re-resolves one flag on its next use.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	return c.observer.Invalidate(ctx, key)
}

// InvalidateAll re-resolves every flag on its next use.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.observer.InvalidateAll(ctx)
}

// Stats returns engine statistics.
func (c *Client) Stats() Stats {
	return c.engine.Stats()
}

// Close releases the client. Source close failures are logged, not
// returned. Calling Close again does nothing.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.observer.Close()
		err = multierr.Combine(
			c.engine.Close(),
			c.telemetry.Shutdown(context.Background()),
		)
		_ = c.logger.Sync()
	})
	return err
}
