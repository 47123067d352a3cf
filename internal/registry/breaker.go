package registry

import (
	"sync/atomic"
	"time"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// Breaker states, stored in an atomic for lock-free reads on the hot path.
const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker tracks consecutive failures for one provider. It opens
// after the failure threshold, half-opens after the cooldown, closes again
// on a single half-open success, and re-opens on a half-open failure.
type CircuitBreaker struct {
	state        atomic.Int32
	failures     atomic.Int32
	openedAtNano atomic.Int64

	threshold int
	cooldown  time.Duration
	clk       clock.Clock
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration, clk clock.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, clk: clk}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed transitions to half-open and admits exactly the probing call.
func (b *CircuitBreaker) Allow() bool {
	switch b.state.Load() {
	case stateClosed:
		return true
	case stateHalfOpen:
		// A probe is already in flight.
		return false
	default:
		openedAt := time.Unix(0, b.openedAtNano.Load())
		if b.clk.Now().Sub(openedAt) >= b.cooldown {
			// Only one caller wins the transition; the rest stay rejected
			// until the probe resolves.
			return b.state.CompareAndSwap(stateOpen, stateHalfOpen)
		}
		return false
	}
}

// RecordSuccess resets the breaker to closed.
func (b *CircuitBreaker) RecordSuccess() {
	b.failures.Store(0)
	b.state.Store(stateClosed)
}

// RecordFailure counts a failure, opening the breaker at the threshold. A
// failure during the half-open probe re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	if b.state.Load() == stateHalfOpen {
		b.trip()
		return
	}
	if b.failures.Add(1) >= int32(b.threshold) {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.openedAtNano.Store(b.clk.Now().UnixNano())
	b.state.Store(stateOpen)
	b.failures.Store(0)
}

// State returns the breaker position for metrics and selection.
func (b *CircuitBreaker) State() types.BreakerState {
	switch b.state.Load() {
	case stateOpen:
		return types.BreakerOpen
	case stateHalfOpen:
		return types.BreakerHalfOpen
	default:
		return types.BreakerClosed
	}
}
