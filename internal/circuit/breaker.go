// Package circuit guards a single source's refresh calls. After Threshold
// consecutive failures the breaker opens and rejects refreshes until Cooldown
// elapses; the next call is then let through as a half-open trial.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - refreshes pass through
	StateClosed State = iota
	// StateOpen - refreshes are rejected without calling the source
	StateOpen
	// StateHalfOpen - one trial refresh is in flight
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Threshold is the number of consecutive failures before opening.
	Threshold int

	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration

	// OnStateChange is called after a transition, outside the breaker lock.
	OnStateChange func(source string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  30 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	source    string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state           State
	failures        int
	trialInFlight   bool
	lastFailureTime time.Time
	lastStateChange time.Time

	totalCalls      int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	onStateChange func(source string, from, to State)
}

// New creates a breaker for the named source. Non-positive settings fall
// back to DefaultConfig.
func New(source string, config Config) *Breaker {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}

	return &Breaker{
		source:          source,
		threshold:       config.Threshold,
		cooldown:        config.Cooldown,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
		onStateChange:   config.OnStateChange,
	}
}

// Call runs fn unless the breaker is open. A rejected call returns a
// *domain.CircuitOpenError without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)

	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	b.totalCalls++

	var transition func()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.cooldown {
			b.totalRejections++
			b.mu.Unlock()
			return domain.NewCircuitOpenError(b.source)
		}
		transition = b.setState(StateHalfOpen)
		b.trialInFlight = true

	case StateHalfOpen:
		if b.trialInFlight {
			b.totalRejections++
			b.mu.Unlock()
			return domain.NewCircuitOpenError(b.source)
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	var transition func()
	if err != nil {
		transition = b.onFailure()
	} else {
		transition = b.onSuccess()
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (b *Breaker) onSuccess() func() {
	b.totalSuccesses++
	b.failures = 0
	b.trialInFlight = false
	return b.setState(StateClosed)
}

func (b *Breaker) onFailure() func() {
	b.totalFailures++
	b.failures++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		// A failed trial reopens for another full cooldown.
		b.trialInFlight = false
		return b.setState(StateOpen)
	}
	return nil
}

// setState must be called with mu held. It returns the callback to run once
// the lock is released, or nil.
func (b *Breaker) setState(next State) func() {
	prev := b.state
	if prev == next {
		return nil
	}

	b.state = next
	b.lastStateChange = b.now()

	if b.onStateChange == nil {
		return nil
	}
	cb, source := b.onStateChange, b.source
	return func() { cb(source, prev, next) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Source() string { return b.source }

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(StateClosed)
	b.failures = 0
	b.trialInFlight = false
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Source          string
	State           State
	Failures        int
	TotalCalls      int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejections int64
	LastFailureTime time.Time
	LastStateChange time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Source:          b.source,
		State:           b.state,
		Failures:        b.failures,
		TotalCalls:      b.totalCalls,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}
