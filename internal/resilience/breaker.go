package resilience

import (
	"sync"
	"time"

	"polysync/pkg/model"
)

// CircuitState is the state of one backend's circuit.
type CircuitState int

const (
	// StateClosed lets calls through and counts failures.
	StateClosed CircuitState = iota
	// StateOpen rejects calls without contacting the backend.
	StateOpen
	// StateHalfOpen lets a single probe call through after the break.
	StateHalfOpen
	// StateIsolated is a manual open that only Reset can leave.
	StateIsolated
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// BreakDuration is how long the circuit stays open before a probe is allowed.
	BreakDuration time.Duration
}

// Breaker is a consecutive-failure circuit breaker for a single
// (backend, logical client) pair. Each backend gets its own instance so
// one slow backend never trips an unrelated client's circuit.
type Breaker struct {
	cfg          BreakerConfig
	onTransition func(from, to CircuitState)
	now          func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a closed breaker. onTransition may be nil; it is
// called outside the breaker lock for every state change.
func NewBreaker(cfg BreakerConfig, onTransition func(from, to CircuitState)) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = 30 * time.Second
	}
	return &Breaker{
		cfg:          cfg,
		onTransition: onTransition,
		now:          time.Now,
		state:        StateClosed,
	}
}

// State returns the current state, accounting for an elapsed break.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.BreakDuration {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may be attempted now. It returns
// model.ErrCircuitOpen when the call must be rejected without touching
// the backend. When the break duration has elapsed it admits exactly
// one probe and moves to half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateIsolated:
		b.mu.Unlock()
		return model.ErrCircuitOpen

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.BreakDuration {
			b.mu.Unlock()
			return model.ErrCircuitOpen
		}
		from := b.state
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return model.ErrCircuitOpen
		}
		b.probeInFlight = true
		b.mu.Unlock()
		return nil

	default:
		b.mu.Unlock()
		return model.ErrCircuitOpen
	}
}

// RecordSuccess reports a successful backend interaction.
// In half-open it closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	from := b.state
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.probeInFlight = false
		b.mu.Unlock()
		b.notify(from, StateClosed)
	default:
		b.mu.Unlock()
	}
}

// RecordFailure reports a failed backend interaction. In closed state it
// opens the circuit once the consecutive-failure threshold is reached;
// in half-open a failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.mu.Unlock()
			b.notify(from, StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		b.mu.Unlock()
		b.notify(from, StateOpen)

	default:
		b.mu.Unlock()
	}
}

// Isolate manually opens the circuit until Reset is called. Used by
// operators to fence off a backend during maintenance.
func (b *Breaker) Isolate() {
	b.mu.Lock()
	from := b.state
	if from == StateIsolated {
		b.mu.Unlock()
		return
	}
	b.state = StateIsolated
	b.probeInFlight = false
	b.mu.Unlock()
	b.notify(from, StateIsolated)
}

// Reset closes the circuit and clears failure bookkeeping.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) notify(from, to CircuitState) {
	if b.onTransition != nil && from != to {
		b.onTransition(from, to)
	}
}
