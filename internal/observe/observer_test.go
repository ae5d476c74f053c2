package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
	"github.com/OrlandoBitencourt/pennant/internal/engine"
	"github.com/OrlandoBitencourt/pennant/internal/source"
)

type hangingSource struct {
	*source.MemorySource
}

func (h hangingSource) Refresh(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// panicEngine wraps an engine and panics on Lookup.
type panicEngine struct {
	*engine.Engine
}

func (panicEngine) Lookup(context.Context, string) (domain.FlagRecord, error) {
	panic("lookup exploded")
}

type fixture struct {
	primary   *source.MemorySource
	secondary *source.MemorySource
	engine    *engine.Engine
	observer  *Observer
}

func newFixture(t *testing.T, flags map[string]bool, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	primary := source.NewMemory(source.WithName("primary"), source.WithPriority(10))
	secondary := source.NewMemory(source.WithName("secondary"), source.WithPriority(5))
	slow := hangingSource{source.NewMemory(source.WithName("slow"), source.WithPriority(1))}

	for key, enabled := range flags {
		require.NoError(t, secondary.SetEnabled(key, enabled))
	}

	eng, err := engine.New([]source.Source{primary, secondary, slow},
		engine.WithRefreshTimeout(30*time.Millisecond))
	require.NoError(t, err)
	_, err = eng.DiscoverKeys(ctx)
	require.NoError(t, err)

	obs, err := New(ctx, eng, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		obs.Close()
		_ = eng.Close()
	})
	return &fixture{primary: primary, secondary: secondary, engine: eng, observer: obs}
}

func drain(sub *Subscription) []ChangeEvent {
	var out []ChangeEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

//
// ----------------------
// State Tests
// ----------------------
//

func TestNew_SeedsFromRegistry(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": true, "b": false})

	assert.Equal(t, map[string]bool{"a": true, "b": false}, f.observer.Snapshot())
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.True(t, domain.IsValidationError(err))
}

func TestIsEnabled_NeverFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, map[string]bool{"a": true}, WithLogger(zap.New(core)))
	ctx := context.Background()

	assert.True(t, f.observer.IsEnabled(ctx, "a"))
	assert.False(t, f.observer.IsEnabled(ctx, "missing"))
	assert.False(t, f.observer.IsEnabled(ctx, " "))
	assert.Equal(t, 1, logs.FilterMessage("flag check failed").Len())

	broken, err := New(ctx, f.engine, WithLogger(zap.New(core)))
	require.NoError(t, err)
	defer broken.Close()
	broken.engine = panicEngine{f.engine}

	assert.False(t, broken.IsEnabled(ctx, "a"))
	assert.Equal(t, 1, logs.FilterMessage("flag check panicked").Len())
}

func TestObserve_Memoized(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": true})
	ctx := context.Background()

	v1, err := f.observer.Observe(ctx, "a")
	require.NoError(t, err)
	v2, err := f.observer.Observe(ctx, "a")
	require.NoError(t, err)

	assert.Same(t, v1, v2)
	assert.Equal(t, "a", v1.Key())
	assert.True(t, v1.Get())

	_, err = f.observer.Observe(ctx, "")
	assert.True(t, domain.IsValidationError(err))
}

func TestObserve_TracksNewKey(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": true}, WithDispatcher(Inline))
	ctx := context.Background()
	sub := f.observer.Subscribe(ctx)

	require.NoError(t, f.primary.SetEnabled("late", true))
	v, err := f.observer.Observe(ctx, "late")
	require.NoError(t, err)

	assert.True(t, v.Get())
	assert.Contains(t, f.observer.Snapshot(), "late")
	assert.Empty(t, drain(sub), "tracking a key is not a change")
}

func TestDiff_UnionTreatsAbsentAsDisabled(t *testing.T) {
	old := map[string]bool{"kept": true, "gone_on": true, "gone_off": false, "flip": false}
	next := map[string]bool{"kept": true, "flip": true, "new_on": true, "new_off": false}

	assert.Equal(t, []string{"flip", "gone_on", "new_on"}, diff(old, next))
	assert.Empty(t, diff(nil, map[string]bool{"x": false}))
}

//
// ----------------------
// Refresh Tests
// ----------------------
//

func TestRefresh_EmitsOnlyChangedKeys(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": true, "b": false, "c": true}, WithDispatcher(Inline))
	ctx := context.Background()
	sub := f.observer.Subscribe(ctx)

	// b flips; c is overridden with the same value; a is untouched.
	require.NoError(t, f.primary.SetEnabled("b", true))
	require.NoError(t, f.primary.SetEnabled("c", true))

	require.NoError(t, f.observer.Refresh(ctx), "one slow source must not fail the refresh")

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Key)
	assert.False(t, events[0].OldValue)
	assert.True(t, events[0].NewValue)
	assert.False(t, events[0].Timestamp.IsZero())

	require.NoError(t, f.observer.Refresh(ctx))
	assert.Empty(t, drain(sub), "nothing changed on the second refresh")
}

func TestInvalidate_SingleKey(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false, "b": false}, WithDispatcher(Inline))
	ctx := context.Background()
	sub := f.observer.Subscribe(ctx)

	require.NoError(t, f.primary.SetEnabled("a", true))
	require.NoError(t, f.primary.SetEnabled("b", true))

	require.NoError(t, f.observer.Invalidate(ctx, "a"))

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, f.observer.Snapshot())

	require.NoError(t, f.observer.Invalidate(ctx, "a"))
	assert.Empty(t, drain(sub))

	require.NoError(t, f.observer.InvalidateAll(ctx))
	events = drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Key)

	assert.True(t, domain.IsValidationError(f.observer.Invalidate(ctx, "")))
}

//
// ----------------------
// Notification Tests
// ----------------------
//

func TestAddObserver(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	f := newFixture(t, map[string]bool{"a": false}, WithDispatcher(Inline), WithLogger(zap.New(core)))
	ctx := context.Background()

	_, err := f.observer.AddObserver("a", func(ChangeEvent) { panic("bad observer") })
	require.NoError(t, err)

	var got []ChangeEvent
	reg, err := f.observer.AddObserver("a", func(ev ChangeEvent) { got = append(got, ev) })
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ID)

	require.NoError(t, f.primary.SetEnabled("a", true))
	require.NoError(t, f.observer.Refresh(ctx))

	require.Len(t, got, 1)
	assert.True(t, got[0].NewValue)
	assert.Equal(t, 1, logs.FilterMessage("observer callback panicked").Len())

	reg.Unsubscribe()
	reg.Unsubscribe()
	require.NoError(t, f.primary.SetEnabled("a", false))
	require.NoError(t, f.observer.Refresh(ctx))
	assert.Len(t, got, 1)

	_, err = f.observer.AddObserver("a", nil)
	assert.True(t, domain.IsValidationError(err))
	_, err = f.observer.AddObserver("", func(ChangeEvent) {})
	assert.True(t, domain.IsValidationError(err))
}

func TestAddObserver_CallbackReentersObserver(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false, "b": false}, WithDispatcher(Inline))
	ctx := context.Background()

	var seen []string
	_, err := f.observer.AddObserver("a", func(ev ChangeEvent) {
		seen = append(seen, ev.Key)

		_, err := f.observer.Observe(ctx, "brand_new")
		assert.NoError(t, err)
		assert.NoError(t, f.primary.SetEnabled("b", true))
		assert.NoError(t, f.observer.Invalidate(ctx, "b"))
	})
	require.NoError(t, err)
	_, err = f.observer.AddObserver("b", func(ev ChangeEvent) { seen = append(seen, ev.Key) })
	require.NoError(t, err)

	require.NoError(t, f.primary.SetEnabled("a", true))

	done := make(chan error, 1)
	go func() { done <- f.observer.Refresh(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh blocked on a callback that called back into the observer")
	}

	assert.Equal(t, []string{"a", "b"}, seen, "nested changes are delivered after the current one")
	assert.Equal(t, map[string]bool{"a": true, "b": true, "brand_new": false}, f.observer.Snapshot())
}

func TestSubscription_DropsOldest(t *testing.T) {
	flags := map[string]bool{"k1": false, "k2": false, "k3": false, "k4": false}
	f := newFixture(t, flags, WithDispatcher(Inline), WithBufferSize(2))
	ctx := context.Background()
	sub := f.observer.Subscribe(ctx)

	for key := range flags {
		require.NoError(t, f.primary.SetEnabled(key, true))
	}
	require.NoError(t, f.observer.InvalidateAll(ctx))

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, "k3", events[0].Key)
	assert.Equal(t, "k4", events[1].Key)
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestSubscription_EndsWithContext(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false})
	ctx, cancel := context.WithCancel(context.Background())

	sub := f.observer.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-sub.Events()
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.observer.bus.len())
}

func TestSerialDispatcher_Order(t *testing.T) {
	core, _ := observer.New(zap.ErrorLevel)
	f := newFixture(t, map[string]bool{"a": false}, WithLogger(zap.New(core)))
	ctx := context.Background()

	var mu sync.Mutex
	var seen []bool
	_, err := f.observer.AddObserver("a", func(ev ChangeEvent) {
		mu.Lock()
		seen = append(seen, ev.NewValue)
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, v := range []bool{true, false, true} {
		require.NoError(t, f.primary.SetEnabled("a", v))
		require.NoError(t, f.observer.Invalidate(ctx, "a"))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, seen)
}

func TestWatch(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false, "b": false})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := f.observer.Observe(ctx, "a")
	require.NoError(t, err)
	ch := v.Watch(ctx)

	assert.False(t, <-ch)

	require.NoError(t, f.primary.SetEnabled("b", true))
	require.NoError(t, f.observer.Invalidate(ctx, "b"))
	require.NoError(t, f.primary.SetEnabled("a", true))
	require.NoError(t, f.observer.Invalidate(ctx, "a"))

	select {
	case got := <-ch:
		assert.True(t, got, "changes to other keys are filtered out")
	case <-time.After(time.Second):
		t.Fatal("no value after change")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 5*time.Millisecond)
}

//
// ----------------------
// Close Tests
// ----------------------
//

func TestClose(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := f.observer.AddObserver("a", func(ChangeEvent) { calls.Add(1) })
	require.NoError(t, err)
	sub := f.observer.Subscribe(ctx)

	v, err := f.observer.Observe(ctx, "a")
	require.NoError(t, err)
	watch := v.Watch(ctx)
	<-watch

	require.NoError(t, f.primary.SetEnabled("a", true))
	require.NoError(t, f.observer.Refresh(ctx))

	f.observer.Close()
	f.observer.Close()

	assert.Equal(t, int32(1), calls.Load(), "queued notifications drain before close returns")

	for range sub.Events() {
	}
	for range watch {
	}

	assert.ErrorIs(t, f.observer.Refresh(ctx), domain.ErrDisposed)
	assert.ErrorIs(t, f.observer.Invalidate(ctx, "a"), domain.ErrDisposed)
	assert.ErrorIs(t, f.observer.InvalidateAll(ctx), domain.ErrDisposed)

	late := f.observer.Subscribe(ctx)
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestClose_FromCallback(t *testing.T) {
	f := newFixture(t, map[string]bool{"a": false})
	ctx := context.Background()

	closed := make(chan struct{})
	_, err := f.observer.AddObserver("a", func(ChangeEvent) {
		f.observer.Close()
		close(closed)
	})
	require.NoError(t, err)

	require.NoError(t, f.primary.SetEnabled("a", true))
	require.NoError(t, f.observer.Invalidate(ctx, "a"))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close from a callback blocked")
	}
	select {
	case <-f.observer.owned.stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after the callback returned")
	}
	assert.ErrorIs(t, f.observer.Refresh(ctx), domain.ErrDisposed)
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, goroutineID())

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)
}

func TestClose_KeepsExternalDispatcher(t *testing.T) {
	d := newSerialDispatcher()
	defer d.Close()

	f := newFixture(t, map[string]bool{"a": false}, WithDispatcher(d))
	f.observer.Close()

	ran := make(chan struct{})
	d.Dispatch(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("external dispatcher was stopped")
	}
}
