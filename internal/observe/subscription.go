package observe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChangeEvent reports that a flag's resolved value changed between two
// snapshots.
type ChangeEvent struct {
	Key       string
	OldValue  bool
	NewValue  bool
	Timestamp time.Time
}

// Subscription receives change events through a bounded buffer. When the
// buffer is full the oldest pending event is discarded, so a slow reader
// never stalls the publisher.
type Subscription struct {
	id      string
	events  chan ChangeEvent
	dropped atomic.Int64

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	bus       *bus
}

// ID identifies the subscription.
func (s *Subscription) ID() string { return s.id }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.bus.remove(s.id)

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

func (s *Subscription) push(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
			s.dropped.Add(1)
		default:
		}
	}
}

// bus fans events out to every live subscription.
type bus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

func newBus(bufferSize int) *bus {
	return &bus{
		bufferSize: bufferSize,
		subs:       make(map[string]*Subscription),
	}
}

func (b *bus) subscribe(ctx context.Context) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:     uuid.New().String(),
		events: make(chan ChangeEvent, b.bufferSize),
		cancel: cancel,
		bus:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return sub
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-subCtx.Done()
		sub.Close()
	}()
	return sub
}

func (b *bus) publish(ev ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

func (b *bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *bus) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *bus) close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
