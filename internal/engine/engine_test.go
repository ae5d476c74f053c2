package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/OrlandoBitencourt/pennant/internal/circuit"
	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/evaluator"
	"github.com/OrlandoBitencourt/pennant/internal/source"
)

// stubSource is a memory source with scriptable Refresh and Close and call
// counters.
type stubSource struct {
	*source.MemorySource

	refresh  func(ctx context.Context) error
	closeErr error

	gets      atomic.Int32
	refreshes atomic.Int32
	closes    atomic.Int32
}

func newStub(name string, priority int) *stubSource {
	return &stubSource{MemorySource: source.NewMemory(source.WithName(name), source.WithPriority(priority))}
}

func (s *stubSource) Get(ctx context.Context, key string) (*domain.FlagRecord, error) {
	s.gets.Add(1)
	return s.MemorySource.Get(ctx, key)
}

func (s *stubSource) Refresh(ctx context.Context) error {
	s.refreshes.Add(1)
	if s.refresh != nil {
		return s.refresh(ctx)
	}
	return nil
}

func (s *stubSource) Close() error {
	s.closes.Add(1)
	_ = s.MemorySource.Close()
	return s.closeErr
}

func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newEngine(t *testing.T, sources []source.Source, opts ...Option) *Engine {
	t.Helper()
	e, err := New(sources, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

//
// ----------------------
// Lookup Tests
// ----------------------
//

func TestNew_RequiresSources(t *testing.T) {
	_, err := New(nil)
	assert.True(t, domain.IsValidationError(err))
}

func TestLookup(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("dark_mode", true))
	e := newEngine(t, []source.Source{src})
	ctx := context.Background()

	got, err := e.Lookup(ctx, "dark_mode")
	require.NoError(t, err)
	assert.True(t, got.Enabled())

	_, err = e.Lookup(ctx, "dark_mode")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.gets.Load(), "second lookup is served from cache")

	missing, err := e.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, missing.Enabled())
	assert.Equal(t, domain.SourceDefault, missing.Source())

	assert.Equal(t, []string{"dark_mode"}, e.Registry().Names(), "keys no source defines stay unregistered")

	_, err = e.LookupAll(ctx, []string{"typo_1", "typo_2"})
	require.NoError(t, err)
	_, err = e.LookupWithContext(ctx, "typo_3", domain.NewContext("u"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Registry().Len())
	assert.Len(t, e.AllFlags(ctx), 1)

	require.NoError(t, src.SetEnabled("nope", true))
	e.Invalidate("nope")
	_, err = e.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, []string{"dark_mode", "nope"}, e.Registry().Names())
}

func TestLookup_BlankKey(t *testing.T) {
	e := newEngine(t, []source.Source{newStub("memory", 1)})

	_, err := e.Lookup(context.Background(), "  ")
	assert.True(t, domain.IsValidationError(err))

	_, err = e.LookupAll(context.Background(), []string{"ok", ""})
	assert.True(t, domain.IsValidationError(err))

	assert.False(t, e.IsEnabled(context.Background(), ""))
}

func TestLookupAll_AndAllFlags(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("a", true))
	require.NoError(t, src.SetEnabled("b", false))
	e := newEngine(t, []source.Source{src})
	ctx := context.Background()

	got, err := e.LookupAll(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.True(t, got["a"].Enabled())
	assert.False(t, got["b"].Enabled())

	all := e.AllFlags(ctx)
	assert.Len(t, all, 2)
	assert.Equal(t, int32(2), src.gets.Load())
}

func TestLookupWithContext_BypassesCache(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("checkout", true))

	e := newEngine(t, []source.Source{src},
		WithEvaluators(evaluator.When(evaluator.MustExpr(`country == "US"`), evaluator.Disable)),
		WithContext(domain.NewContext("u").WithCountry("BR")),
	)
	ctx := context.Background()

	assert.True(t, e.IsEnabled(ctx, "checkout"))

	us, err := e.LookupWithContext(ctx, "checkout", domain.NewContext("u").WithCountry("US"))
	require.NoError(t, err)
	assert.False(t, us.Enabled())

	assert.True(t, e.IsEnabled(ctx, "checkout"), "per-call context does not touch the shared cache")
}

// wait blocks until pending cache writes are applied.
func (c *targetedCache) wait() { c.cache.Wait() }

func TestLookupWithContext_CachedPerContext(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("checkout", true))

	e := newEngine(t, []source.Source{src},
		WithEvaluators(evaluator.When(evaluator.MustExpr(`country == "US"`), evaluator.Disable)),
	)
	ctx := context.Background()
	us := domain.NewContext("u").WithCountry("US")
	br := domain.NewContext("u").WithCountry("BR")

	first, err := e.LookupWithContext(ctx, "checkout", us)
	require.NoError(t, err)
	assert.False(t, first.Enabled())
	e.targeted.wait()

	again, err := e.LookupWithContext(ctx, "checkout", us)
	require.NoError(t, err)
	assert.True(t, first.Equal(again))
	assert.Equal(t, int32(1), src.gets.Load(), "same context is served from the cache")

	other, err := e.LookupWithContext(ctx, "checkout", br)
	require.NoError(t, err)
	assert.True(t, other.Enabled())
	assert.Equal(t, int32(2), src.gets.Load())
	e.targeted.wait()

	require.NoError(t, src.SetEnabled("checkout", false))
	e.Invalidate("checkout")

	after, err := e.LookupWithContext(ctx, "checkout", br)
	require.NoError(t, err)
	assert.False(t, after.Enabled(), "invalidation drops per-context results")
	assert.Equal(t, int32(3), src.gets.Load())
}

func TestLookupWithContext_RefreshDropsResults(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("checkout", true))
	e := newEngine(t, []source.Source{src})
	ctx := context.Background()
	evalCtx := domain.NewContext("u")

	_, err := e.LookupWithContext(ctx, "checkout", evalCtx)
	require.NoError(t, err)
	e.targeted.wait()

	require.NoError(t, src.SetEnabled("checkout", false))
	require.NoError(t, e.Refresh(ctx))

	record, err := e.LookupWithContext(ctx, "checkout", evalCtx)
	require.NoError(t, err)
	assert.False(t, record.Enabled())
}

func TestLookupWithContext_CacheDisabled(t *testing.T) {
	src := newStub("memory", 1)
	require.NoError(t, src.SetEnabled("checkout", true))
	e := newEngine(t, []source.Source{src}, WithTargetedCacheSize(0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.LookupWithContext(ctx, "checkout", domain.NewContext("u"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), src.gets.Load())
	assert.Nil(t, e.targeted)
}

func TestTargetedID(t *testing.T) {
	base := domain.NewContext("u")

	tests := []struct {
		name string
		a, b string
	}{
		{"key", targetedID("a", base), targetedID("b", base)},
		{"field boundaries", targetedID("a|", domain.NewContext("")), targetedID("a", domain.NewContext("|"))},
		{"country", targetedID("a", base.WithCountry("BR")), targetedID("a", base.WithCountry("US"))},
		{"attribute type", targetedID("a", base.WithAttribute("n", domain.IntValue(1))), targetedID("a", base.WithAttribute("n", domain.StringValue("1")))},
		{"attribute value", targetedID("a", base.WithAttribute("n", domain.LongValue(1))), targetedID("a", base.WithAttribute("n", domain.LongValue(2)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a, tt.b)
		})
	}

	ordered := base.WithAttribute("x", domain.BoolValue(true)).WithAttribute("y", domain.DoubleValue(1.5))
	reversed := base.WithAttribute("y", domain.DoubleValue(1.5)).WithAttribute("x", domain.BoolValue(true))
	assert.Equal(t, targetedID("a", ordered), targetedID("a", reversed))
}

func TestDiscoverKeys(t *testing.T) {
	mem := newStub("memory", 10)
	require.NoError(t, mem.SetEnabled("override", true))
	broken := source.NewText(source.FromString("features:\n  x: maybe\n"), source.WithName("bundled"))

	e := newEngine(t, []source.Source{mem, broken})

	keys, err := e.DiscoverKeys(context.Background())
	assert.Equal(t, []string{"override"}, keys)
	require.Error(t, err)
	assert.True(t, domain.IsParseError(err))
}

//
// ----------------------
// Refresh Tests
// ----------------------
//

func TestRefresh_InvalidatesCache(t *testing.T) {
	text := source.NewText(source.FromString("features:\n  dark_mode: true\n"))
	e := newEngine(t, []source.Source{text})
	ctx := context.Background()

	assert.True(t, e.IsEnabled(ctx, "dark_mode"))

	text.Swap(source.FromString("features:\n  dark_mode: false\n"))
	assert.True(t, e.IsEnabled(ctx, "dark_mode"), "still cached before refresh")

	require.NoError(t, e.Refresh(ctx))
	assert.False(t, e.IsEnabled(ctx, "dark_mode"))
}

func TestRefresh_PartialFailureIsSuccess(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	a := newStub("a", 3)
	b := newStub("b", 2)
	slow := newStub("slow", 1)
	slow.refresh = hang

	e := newEngine(t, []source.Source{a, b, slow},
		WithRefreshTimeout(50*time.Millisecond),
		WithLogger(zap.New(core)),
	)

	start := time.Now()
	require.NoError(t, e.Refresh(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	for _, s := range []*stubSource{a, b, slow} {
		assert.Equal(t, int32(1), s.refreshes.Load(), s.Name())
	}

	failures := logs.FilterMessage("source refresh failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "slow", failures[0].ContextMap()["source"])

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Refreshes)
	assert.NoError(t, stats.LastRefreshError)
	assert.False(t, stats.LastRefresh.IsZero())
}

func TestRefresh_UncooperativeSourceIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := newStub("stuck", 1)
	stuck.refresh = func(context.Context) error {
		<-release
		return nil
	}
	ok := newStub("ok", 2)

	e := newEngine(t, []source.Source{ok, stuck}, WithRefreshTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- e.Refresh(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh waited on a source that ignores its timeout")
	}
}

func TestRefresh_AllFail(t *testing.T) {
	boom := errors.New("upstream down")
	a := newStub("a", 2)
	a.refresh = func(context.Context) error { return boom }
	b := newStub("b", 1)
	b.refresh = func(context.Context) error { panic("refresh exploded") }

	e := newEngine(t, []source.Source{a, b})

	err := e.Refresh(context.Background())
	require.Error(t, err)

	var agg *domain.AggregateRefreshError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 2)
	assert.ErrorIs(t, err, boom)
	for _, inner := range agg.Errors {
		assert.True(t, domain.IsSourceError(inner))
	}
	assert.Equal(t, err, e.Stats().LastRefreshError)
}

func TestRefresh_CircuitBreakerSkipsFailingSource(t *testing.T) {
	flaky := newStub("flaky", 2)
	flaky.refresh = func(context.Context) error { return errors.New("nope") }
	healthy := newStub("healthy", 1)

	var transitions atomic.Int32
	e := newEngine(t, []source.Source{flaky, healthy},
		WithCircuitBreaker(circuit.Config{
			Threshold:     1,
			Cooldown:      time.Hour,
			OnStateChange: func(string, circuit.State, circuit.State) { transitions.Add(1) },
		}),
	)
	ctx := context.Background()

	require.NoError(t, e.Refresh(ctx))
	require.NoError(t, e.Refresh(ctx))

	assert.Equal(t, int32(1), flaky.refreshes.Load(), "open breaker must not call the source")
	assert.Equal(t, int32(2), healthy.refreshes.Load())
	assert.Equal(t, int32(1), transitions.Load())

	stats := e.Stats()
	require.Len(t, stats.Breakers, 2)
	assert.Equal(t, "flaky", stats.Breakers[0].Source)
	assert.Equal(t, circuit.StateOpen, stats.Breakers[0].State)
	assert.Equal(t, int64(1), stats.Breakers[0].TotalRejections)
}

func TestRefresh_CallerCancellation(t *testing.T) {
	slow := newStub("slow", 1)
	slow.refresh = hang
	e := newEngine(t, []source.Source{slow})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Refresh(ctx)
	assert.True(t, domain.IsAggregateRefreshError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefreshLoop(t *testing.T) {
	src := newStub("memory", 1)
	e, err := New([]source.Source{src}, WithRefreshInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.refreshes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
	after := src.refreshes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, src.refreshes.Load(), "loop stops on close")
}

//
// ----------------------
// Disposal Tests
// ----------------------
//

type closingEvaluator struct {
	closed atomic.Int32
}

func (c *closingEvaluator) Evaluate(r domain.FlagRecord, _ domain.Context) (domain.FlagRecord, error) {
	return r, nil
}

func (c *closingEvaluator) Close() error {
	c.closed.Add(1)
	return nil
}

func TestClose(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	a := newStub("a", 2)
	require.NoError(t, a.SetEnabled("k", true))
	b := newStub("b", 1)
	b.closeErr = errors.New("close failed")
	ev := &closingEvaluator{}

	e, err := New([]source.Source{a, b}, WithLogger(zap.New(core)), WithEvaluators(ev))
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, e.IsEnabled(ctx, "k"))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "second close is a no-op")

	assert.Equal(t, StateDisposed, e.State())
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Equal(t, int32(1), ev.closed.Load())
	assert.Equal(t, 0, e.Stats().CachedFlags)
	assert.Equal(t, 1, logs.FilterMessage("close failed during disposal").Len())
	assert.Equal(t, 1, logs.FilterMessage("engine disposed").Len())

	got, err := e.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, got.Enabled())
	assert.Equal(t, domain.SourceDisposed, got.Source())

	all, err := e.LookupAll(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDisposed, all["k"].Source())

	withCtx, err := e.LookupWithContext(ctx, "k", domain.NewContext("u"))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceDisposed, withCtx.Source())

	assert.ErrorIs(t, e.Refresh(ctx), domain.ErrDisposed)
	_, err = e.DiscoverKeys(ctx)
	assert.ErrorIs(t, err, domain.ErrDisposed)
	e.Invalidate("k")
	e.InvalidateAll()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "disposed", StateDisposed.String())
}
