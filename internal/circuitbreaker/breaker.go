// Package circuitbreaker provides a per-key circuit breaker with
// closed, open and half-open states. The webhook dispatcher keys it by
// endpoint so a dead receiver is not hammered with deliveries.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe request is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "notary",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by from-state and to-state.",
}, []string{"from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures. Once
// cooldown has elapsed the next Allow moves the key to half-open and lets a
// single probe through; its outcome closes or re-opens the circuit.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	cooldown     time.Duration
	clock        clockwork.Clock
	onTransition func(key string, from, to State)
}

// New creates a breaker using the wall clock. Non-positive arguments fall
// back to 5 failures and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithClock(threshold, cooldown, clockwork.NewRealClock())
}

// NewWithClock creates a breaker driven by clock.
func NewWithClock(threshold int, cooldown time.Duration, clock clockwork.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
	}
}

// OnTransition sets a callback invoked synchronously, with the breaker
// unlocked, after each state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request to key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if e.state == StateOpen && b.clock.Since(e.lastFailure) >= b.cooldown {
		fire := b.transition(e, key, StateHalfOpen)
		b.mu.Unlock()
		fire()
		return true
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	fire := b.transition(e, key, StateClosed)
	b.mu.Unlock()
	fire()
}

// RecordFailure counts a failure. A failed half-open probe re-opens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.clock.Now()

	fire := func() {}
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		fire = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()
	fire()
}

// State returns the state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transition changes state and returns the callback to run once b.mu is
// released. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return func() {}
	}
	e.state = to
	stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(key, from, to) }
}
