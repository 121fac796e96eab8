// Package resilience provides named circuit breakers guarding every call to an
// external dependency (coordination store, database).
package resilience

import (
	"sync/atomic"
	"time"
)

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // One probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds configuration for creating a circuit breaker.
type Config struct {
	Name             string
	FailureThreshold int64
	Cooldown         time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
	// OnStateChange is invoked synchronously after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for the coordination store and database.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Stats is a point-in-time view of a breaker's counters.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	Rejections          int64     `json:"rejections"`
	Trips               int64     `json:"trips"`
	LastTrip            time.Time `json:"last_trip,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern without locks: the
// state word and every counter are atomics, and transitions are CAS swaps so
// no caller ever blocks on another.
type CircuitBreaker struct {
	name      string
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(name string, from, to State)

	state       atomic.Int32
	consecutive atomic.Int64
	openedAt    atomic.Int64 // unix nanos of the last OPEN transition

	successes  atomic.Int64
	failures   atomic.Int64
	rejections atomic.Int64
	trips      atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker in the CLOSED state.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cb := &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       now,
		onChange:  cfg.OnStateChange,
	}
	cb.state.Store(int32(StateClosed))
	return cb
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsCallPermitted reports whether a call may proceed. In OPEN it flips to
// HALF_OPEN once the cooldown has elapsed, and only the caller that wins that
// swap is admitted as the probe.
func (cb *CircuitBreaker) IsCallPermitted() bool {
	switch State(cb.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if cb.now().Sub(opened) >= cb.cooldown && cb.transition(StateOpen, StateHalfOpen) {
			return true
		}
	}
	cb.rejections.Add(1)
	return false
}

// RecordSuccess resets the consecutive-failure counter and closes a
// half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.successes.Add(1)
	cb.consecutive.Store(0)
	if State(cb.state.Load()) == StateHalfOpen {
		cb.transition(StateHalfOpen, StateClosed)
	}
}

// RecordFailure counts a failed call and trips the breaker when the
// threshold is reached or the half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.failures.Add(1)
	n := cb.consecutive.Add(1)

	switch State(cb.state.Load()) {
	case StateClosed:
		if n >= cb.threshold {
			cb.trip(StateClosed)
		}
	case StateHalfOpen:
		cb.trip(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) trip(from State) {
	// openedAt is written before the swap so readers that observe OPEN never
	// see a stale trip time.
	cb.openedAt.Store(cb.now().UnixNano())
	if cb.transition(from, StateOpen) {
		cb.trips.Add(1)
	}
}

func (cb *CircuitBreaker) transition(from, to State) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
	return true
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Stats returns the lifetime counters.
func (cb *CircuitBreaker) Stats() Stats {
	s := Stats{
		Name:                cb.name,
		State:               cb.State().String(),
		ConsecutiveFailures: cb.consecutive.Load(),
		Successes:           cb.successes.Load(),
		Failures:            cb.failures.Load(),
		Rejections:          cb.rejections.Load(),
		Trips:               cb.trips.Load(),
	}
	if at := cb.openedAt.Load(); at != 0 {
		s.LastTrip = time.Unix(0, at)
	}
	return s
}

// Reset forces the breaker to CLOSED (admin/testing).
func (cb *CircuitBreaker) Reset() {
	cb.consecutive.Store(0)
	prev := State(cb.state.Swap(int32(StateClosed)))
	if prev != StateClosed && cb.onChange != nil {
		cb.onChange(cb.name, prev, StateClosed)
	}
}
