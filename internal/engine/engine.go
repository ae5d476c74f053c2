// Package engine ties sources, evaluators and the resolution cache together
// and owns their lifecycle.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/circuit"
	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/resolver"
	"github.com/OrlandoBitencourt/pennant/internal/source"
	"github.com/OrlandoBitencourt/pennant/internal/telemetry"
)

// State is the engine lifecycle state. The only transition is Active to
// Disposed.
type State int32

const (
	StateActive State = iota
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type closer interface {
	Close() error
}

// Engine resolves flags through a cache over a fixed, priority-ordered set
// of sources. All methods are safe for concurrent use.
type Engine struct {
	sources  []source.Source
	breakers []*circuit.Breaker
	base     *resolver.SourceResolver
	cache    *resolver.CachingResolver
	targeted *targetedCache
	registry *domain.Registry
	closers  []closer

	logger         *zap.Logger
	telemetry      telemetry.Provider
	refreshTimeout time.Duration

	state     atomic.Int32
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu             sync.Mutex
	refreshes      int64
	lastRefresh    time.Time
	lastRefreshErr error
}

// New builds an engine. An empty source list is a ValidationError. The
// source list cannot change afterwards.
func New(sources []source.Source, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = domain.NewRegistry()
	}

	base, err := resolver.NewSourceResolver(sources,
		resolver.WithEvaluator(evaluator.Chain(cfg.evaluators...)),
		resolver.WithContext(cfg.evalCtx),
		resolver.WithLogger(cfg.logger),
		resolver.WithTelemetry(cfg.telemetry),
	)
	if err != nil {
		return nil, err
	}

	targeted, err := newTargetedCache(cfg.targetedCacheSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sources:        base.Sources(),
		base:           base,
		cache:          resolver.NewCachingResolver(base, resolver.WithCacheTelemetry(cfg.telemetry)),
		targeted:       targeted,
		registry:       cfg.registry,
		logger:         cfg.logger,
		telemetry:      cfg.telemetry,
		refreshTimeout: cfg.refreshTimeout,
		cancel:         cancel,
	}

	for _, ev := range cfg.evaluators {
		if c, ok := ev.(closer); ok {
			e.closers = append(e.closers, c)
		}
	}

	breakerCfg := cfg.breaker
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		e.logger.Info("refresh circuit changed state",
			zap.String("source", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		e.telemetry.RecordCircuitState(context.Background(), name, to.String())
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	e.breakers = make([]*circuit.Breaker, len(e.sources))
	for i, src := range e.sources {
		e.breakers[i] = circuit.New(src.Name(), breakerCfg)
	}

	if cfg.refreshInterval > 0 {
		e.wg.Add(1)
		go e.refreshLoop(ctx, cfg.refreshInterval)
	}

	return e, nil
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) disposed() bool {
	return e.State() == StateDisposed
}

// Registry returns the registry of known keys: those listed by DiscoverKeys,
// those some source resolved during a lookup, and those registered by callers.
func (e *Engine) Registry() *domain.Registry {
	return e.registry
}

// Sources returns the sources in scan order.
func (e *Engine) Sources() []source.Source {
	return slices.Clone(e.sources)
}

// Lookup resolves key through the cache. A blank key is a ValidationError;
// anything else yields a record. After Close it returns a disabled record
// tagged "disposed". Keys that fall through to the default record are not
// registered.
func (e *Engine) Lookup(ctx context.Context, key string) (domain.FlagRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return domain.FlagRecord{}, err
	}
	if e.disposed() {
		return domain.DisposedRecord(key), nil
	}
	record := e.cache.Resolve(ctx, key)
	e.remember(record)
	return record, nil
}

// remember registers a key once some source has defined it.
func (e *Engine) remember(record domain.FlagRecord) {
	if record.Source() != domain.SourceDefault {
		_, _ = e.registry.Key(record.Key())
	}
}

// IsEnabled is Lookup reduced to a boolean. It never fails; invalid keys
// are reported as disabled.
func (e *Engine) IsEnabled(ctx context.Context, key string) bool {
	record, err := e.Lookup(ctx, key)
	if err != nil {
		e.logger.Warn("flag check rejected", zap.String("flag.key", key), zap.Error(err))
		return false
	}
	return record.Enabled()
}

// LookupAll resolves keys in one batch, sending only cache misses to the
// sources.
func (e *Engine) LookupAll(ctx context.Context, keys []string) (map[string]domain.FlagRecord, error) {
	for _, key := range keys {
		if err := domain.ValidateKey(key); err != nil {
			return nil, err
		}
	}

	if e.disposed() {
		out := make(map[string]domain.FlagRecord, len(keys))
		for _, key := range keys {
			out[key] = domain.DisposedRecord(key)
		}
		return out, nil
	}
	out := e.cache.ResolveAll(ctx, keys)
	for _, record := range out {
		e.remember(record)
	}
	return out, nil
}

// LookupWithContext resolves key for a one-off targeting context. Results
// live in a bounded cache of their own, keyed by key and context; the cache
// used by Lookup is never touched. Both are dropped by any invalidation.
func (e *Engine) LookupWithContext(ctx context.Context, key string, evalCtx domain.Context) (domain.FlagRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return domain.FlagRecord{}, err
	}
	if e.disposed() {
		return domain.DisposedRecord(key), nil
	}

	id := targetedID(key, evalCtx)
	if record, ok := e.targeted.get(id); ok {
		return record, nil
	}
	gen := e.targeted.generation()
	record := e.base.ResolveFor(ctx, key, evalCtx)
	e.targeted.set(id, gen, record)
	e.remember(record)
	return record, nil
}

// AllFlags resolves every key in the registry.
func (e *Engine) AllFlags(ctx context.Context) map[string]domain.FlagRecord {
	out, _ := e.LookupAll(ctx, e.registry.Names())
	return out
}

// DiscoverKeys registers every key any source can list. Sources that fail
// are skipped and their errors returned together; keys from the other
// sources are still registered.
func (e *Engine) DiscoverKeys(ctx context.Context) ([]string, error) {
	if e.disposed() {
		return nil, domain.ErrDisposed
	}

	var errs error
	for _, src := range e.sources {
		records, err := listSource(ctx, src)
		if err != nil {
			e.logger.Warn("source listing failed", zap.String("source", src.Name()), zap.Error(err))
			e.telemetry.RecordSourceError(ctx, src.Name(), "get_all")
			errs = multierr.Append(errs, err)
			continue
		}
		for _, record := range records {
			if _, err := e.registry.Key(record.Key()); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return e.registry.Names(), errs
}

func listSource(ctx context.Context, src source.Source) (records []domain.FlagRecord, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.NewSourceError(src.Name(), "get_all", fmt.Errorf("panic: %v", p))
		}
	}()

	records, err = src.GetAll(ctx)
	if err != nil && !domain.IsSourceError(err) {
		err = domain.NewSourceError(src.Name(), "get_all", err)
	}
	return records, err
}

// Invalidate drops the cached result for key.
func (e *Engine) Invalidate(key string) {
	if e.disposed() {
		return
	}
	e.cache.Invalidate(key)
	e.targeted.invalidate()
}

// InvalidateAll drops every cached result.
func (e *Engine) InvalidateAll() {
	if e.disposed() {
		return
	}
	e.invalidateAll()
}

func (e *Engine) invalidateAll() {
	e.cache.InvalidateAll()
	e.targeted.invalidate()
}

// Close disposes the engine: the cache is cleared, every source is closed
// and the background refresh loop is stopped. Close failures are logged,
// not returned. Calling Close again does nothing.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateDisposed))

		e.cancel()
		e.wg.Wait()

		e.cache.InvalidateAll()
		e.targeted.close()

		var errs error
		for _, src := range e.sources {
			errs = multierr.Append(errs, closeSource(src))
		}
		for _, c := range e.closers {
			errs = multierr.Append(errs, c.Close())
		}
		for _, err := range multierr.Errors(errs) {
			e.logger.Warn("close failed during disposal", zap.Error(err))
		}

		e.logger.Info("engine disposed", zap.Int("sources", len(e.sources)))
	})
	return nil
}

func closeSource(src source.Source) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.NewSourceError(src.Name(), "close", fmt.Errorf("panic: %v", p))
		}
	}()

	if err := src.Close(); err != nil {
		return domain.NewSourceError(src.Name(), "close", err)
	}
	return nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	State            State
	Sources          int
	CachedFlags      int
	RegisteredKeys   int
	Refreshes        int64
	LastRefresh      time.Time
	LastRefreshError error
	Breakers         []circuit.Stats
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	refreshes, last, lastErr := e.refreshes, e.lastRefresh, e.lastRefreshErr
	e.mu.Unlock()

	breakers := make([]circuit.Stats, len(e.breakers))
	for i, b := range e.breakers {
		breakers[i] = b.Stats()
	}

	return Stats{
		State:            e.State(),
		Sources:          len(e.sources),
		CachedFlags:      e.cache.Len(),
		RegisteredKeys:   e.registry.Len(),
		Refreshes:        refreshes,
		LastRefresh:      last,
		LastRefreshError: lastErr,
		Breakers:         breakers,
	}
}
