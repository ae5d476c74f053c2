// Package observe turns repeated engine snapshots into observable flag state.
//
// Sources offer no push notifications, so every change is synthesized by
// diffing the feature map before and after a refresh or invalidation.
package observe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// DefaultBufferSize is the per-subscription event buffer.
const DefaultBufferSize = 64

// Engine is the part of the engine the observer drives.
type Engine interface {
	Lookup(ctx context.Context, key string) (domain.FlagRecord, error)
	LookupAll(ctx context.Context, keys []string) (map[string]domain.FlagRecord, error)
	Refresh(ctx context.Context) error
	Invalidate(key string)
	InvalidateAll()
	Registry() *domain.Registry
}

// Option configures an Observer.
type Option func(*Observer)

func WithLogger(l *zap.Logger) Option {
	return func(o *Observer) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDispatcher runs notifications on d. The caller keeps ownership of d;
// Close does not stop it. By default the observer owns a serial dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Observer) {
		if d != nil {
			o.dispatcher = d
		}
	}
}

// WithBufferSize sets the per-subscription buffer. Values below one keep
// the default.
func WithBufferSize(n int) Option {
	return func(o *Observer) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Callback receives change events for one key.
type Callback func(ChangeEvent)

// Registration is a callback added with AddObserver.
type Registration struct {
	ID  string
	Key string

	callback Callback
	obs      *Observer
}

// Unsubscribe removes the callback. It is safe to call more than once.
func (r *Registration) Unsubscribe() {
	r.obs.removeCallback(r)
}

// Observer keeps the last committed feature map for every known key and
// publishes the differences as change events.
type Observer struct {
	engine     Engine
	logger     *zap.Logger
	dispatcher Dispatcher
	owned      *serialDispatcher
	bufferSize int
	now        func() time.Time

	// mu serializes snapshot and commit. Events are queued on pending in
	// commit order while mu is held and handed to the dispatcher after it
	// is released, so callbacks may call back into the observer.
	mu    sync.Mutex
	state *state
	bus   *bus

	pendMu   sync.Mutex
	pending  []func()
	draining bool

	values sync.Map

	cbMu      sync.RWMutex
	callbacks map[string][]*Registration

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New seeds the feature map from every key in the engine's registry.
func New(ctx context.Context, engine Engine, opts ...Option) (*Observer, error) {
	if engine == nil {
		return nil, domain.NewValidationError("engine is required")
	}

	o := &Observer{
		engine:     engine,
		logger:     zap.NewNop(),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		callbacks:  make(map[string][]*Registration),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.dispatcher == nil {
		o.owned = newSerialDispatcher()
		o.dispatcher = o.owned
	}
	o.bus = newBus(o.bufferSize)

	initial, err := o.snapshotAll(ctx)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.state = newState(initial)
	return o, nil
}

// IsEnabled asks the engine directly. It never fails: errors and panics are
// logged and reported as disabled.
func (o *Observer) IsEnabled(ctx context.Context, key string) (enabled bool) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("flag check panicked", zap.String("flag.key", key), zap.Any("panic", p))
			enabled = false
		}
	}()

	record, err := o.engine.Lookup(ctx, key)
	if err != nil {
		o.logger.Warn("flag check failed", zap.String("flag.key", key), zap.Error(err))
		return false
	}
	return record.Enabled()
}

// Observe returns the observable value for key. Repeated calls for the same
// key return the same *FlagValue. A key the observer has not seen yet is
// resolved and tracked from now on.
func (o *Observer) Observe(ctx context.Context, key string) (*FlagValue, error) {
	if v, ok := o.values.Load(key); ok {
		return v.(*FlagValue), nil
	}
	if _, err := o.engine.Registry().Key(key); err != nil {
		return nil, err
	}

	o.track(ctx, key)
	v, _ := o.values.LoadOrStore(key, &FlagValue{key: key, obs: o})
	return v.(*FlagValue), nil
}

// AddObserver registers callback for changes to key. A panicking callback
// is logged and does not affect other callbacks.
func (o *Observer) AddObserver(key string, callback Callback) (*Registration, error) {
	if callback == nil {
		return nil, domain.NewValidationError("callback is required")
	}
	if _, err := o.engine.Registry().Key(key); err != nil {
		return nil, err
	}

	reg := &Registration{ID: uuid.New().String(), Key: key, callback: callback, obs: o}

	o.cbMu.Lock()
	o.callbacks[key] = append(o.callbacks[key], reg)
	o.cbMu.Unlock()
	return reg, nil
}

func (o *Observer) removeCallback(reg *Registration) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()

	regs := o.callbacks[reg.Key]
	for i, r := range regs {
		if r == reg {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(o.callbacks, reg.Key)
		return
	}
	o.callbacks[reg.Key] = regs
}

// Subscribe returns a subscription to every change event. It ends when ctx
// is cancelled or the observer closes.
func (o *Observer) Subscribe(ctx context.Context) *Subscription {
	return o.bus.subscribe(ctx)
}

// Snapshot returns a copy of the last committed feature map.
func (o *Observer) Snapshot() map[string]bool {
	return maps.Clone(o.state.load().values)
}

// Refresh refreshes the engine, then re-snapshots every known key and
// emits an event for each key whose value changed. The engine's refresh
// error is returned after the diff; a failed refresh still invalidated the
// cache, so the new snapshot reflects what lookups now see.
func (o *Observer) Refresh(ctx context.Context) error {
	if o.closed.Load() {
		return domain.ErrDisposed
	}

	err := o.engine.Refresh(ctx)
	if errors.Is(err, domain.ErrDisposed) {
		return err
	}
	if syncErr := o.resync(ctx); syncErr != nil && err == nil {
		err = syncErr
	}
	return err
}

// Invalidate drops key from the engine cache and re-resolves that key only.
func (o *Observer) Invalidate(ctx context.Context, key string) error {
	if o.closed.Load() {
		return domain.ErrDisposed
	}
	if _, err := o.engine.Registry().Key(key); err != nil {
		return err
	}
	o.engine.Invalidate(key)

	defer o.flush()
	o.mu.Lock()
	defer o.mu.Unlock()

	record, err := o.engine.Lookup(ctx, key)
	if err != nil {
		return err
	}

	prev := o.state.load()
	old, tracked := prev.values[key]
	if tracked && old == record.Enabled() {
		return nil
	}
	next := withValue(prev.values, key, record.Enabled())
	o.state.commit(next)
	o.emit(prev.values, next, diff(map[string]bool{key: old}, map[string]bool{key: record.Enabled()}))
	return nil
}

// InvalidateAll drops the whole engine cache and re-snapshots every key.
func (o *Observer) InvalidateAll(ctx context.Context) error {
	if o.closed.Load() {
		return domain.ErrDisposed
	}
	o.engine.InvalidateAll()
	return o.resync(ctx)
}

// Close stops the owned dispatcher after it drains, ends every subscription
// and watch, and drops all callbacks. It does not close the engine.
func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.done)

		if o.owned != nil {
			o.owned.Close()
		}
		o.bus.close()

		o.cbMu.Lock()
		clear(o.callbacks)
		o.cbMu.Unlock()
	})
}

func (o *Observer) resync(ctx context.Context) error {
	defer o.flush()
	o.mu.Lock()
	defer o.mu.Unlock()

	next, err := o.snapshotAll(ctx)
	if err != nil {
		return err
	}

	prev := o.state.load()
	if maps.Equal(prev.values, next) {
		return nil
	}
	o.state.commit(next)
	o.emit(prev.values, next, diff(prev.values, next))
	return nil
}

// track adds key to the feature map without emitting an event.
func (o *Observer) track(ctx context.Context, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.state.load()
	if _, ok := prev.values[key]; ok {
		return
	}
	o.state.commit(withValue(prev.values, key, o.IsEnabled(ctx, key)))
}

func (o *Observer) snapshotAll(ctx context.Context) (map[string]bool, error) {
	records, err := o.engine.LookupAll(ctx, o.engine.Registry().Names())
	if err != nil {
		return nil, fmt.Errorf("snapshot flags: %w", err)
	}

	values := make(map[string]bool, len(records))
	for key, record := range records {
		values[key] = record.Enabled()
	}
	return values, nil
}

// emit queues one task per changed key. The caller holds o.mu and must
// call flush after releasing it.
func (o *Observer) emit(old, next map[string]bool, changed []string) {
	if len(changed) == 0 || o.closed.Load() {
		return
	}

	ts := o.now()
	o.pendMu.Lock()
	defer o.pendMu.Unlock()
	for _, key := range changed {
		ev := ChangeEvent{Key: key, OldValue: old[key], NewValue: next[key], Timestamp: ts}
		o.logger.Debug("flag changed",
			zap.String("flag.key", key),
			zap.Bool("old", ev.OldValue),
			zap.Bool("new", ev.NewValue),
		)
		o.pending = append(o.pending, func() {
			o.bus.publish(ev)
			o.notify(ev)
		})
	}
}

// flush hands queued tasks to the dispatcher in order. Only one goroutine
// drains at a time; a flush that finds a drain in progress, including one
// made from a callback running inside it, leaves its tasks to that drain.
func (o *Observer) flush() {
	o.pendMu.Lock()
	if o.draining {
		o.pendMu.Unlock()
		return
	}
	o.draining = true

	for len(o.pending) > 0 {
		task := o.pending[0]
		o.pending[0] = nil
		o.pending = o.pending[1:]
		o.pendMu.Unlock()

		o.dispatch(task)

		o.pendMu.Lock()
	}
	o.draining = false
	o.pendMu.Unlock()
}

func (o *Observer) dispatch(task func()) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("dispatcher panicked", zap.Any("panic", p))
		}
	}()
	o.dispatcher.Dispatch(task)
}

func (o *Observer) notify(ev ChangeEvent) {
	o.cbMu.RLock()
	regs := append([]*Registration(nil), o.callbacks[ev.Key]...)
	o.cbMu.RUnlock()

	for _, reg := range regs {
		o.invoke(reg, ev)
	}
}

func (o *Observer) invoke(reg *Registration, ev ChangeEvent) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("observer callback panicked",
				zap.String("observer.id", reg.ID),
				zap.String("flag.key", ev.Key),
				zap.Any("panic", p),
			)
		}
	}()
	reg.callback(ev)
}
