// Package resilience guards the reply-generation path against flaky upstream
// providers. A [CircuitBreaker] stops hammering a backend that keeps failing,
// and a [Chain] composes several instances of the same provider type so a
// sick primary is bypassed in favour of healthy alternates.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [CircuitBreaker.Do] while the breaker is open
// and its cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the operating mode of a [CircuitBreaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects every call with [ErrBreakerOpen] until the
	// cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen lets a small probe budget through to test whether the
	// backend has recovered.
	BreakerHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [CircuitBreaker]. Zero-value fields fall back to
// defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// FailureThreshold is how many consecutive failures trip the breaker
	// while closed. Default: 5.
	FailureThreshold int

	// Cooldown is how long a tripped breaker rejects calls before probing
	// again. Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many calls the half-open state admits before the
	// breaker decides to close or re-open. Default: 3.
	ProbeBudget int
}

// CircuitBreaker is a three-state breaker: closed until FailureThreshold
// consecutive failures, open for Cooldown, then half-open while a probe
// budget decides whether the backend has recovered.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	budget    int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	trippedAt   time.Time
	probes      int
	probeFailed bool
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		budget:    cfg.ProbeBudget,
	}
}

// Do runs fn if the breaker admits the call. While open it returns
// [ErrBreakerOpen] without invoking fn; while half-open only the probe
// budget is admitted.
func (cb *CircuitBreaker) Do(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and reports whether it counts as
// a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.trippedAt) < cb.cooldown {
			return false, ErrBreakerOpen
		}
		cb.state = BreakerHalfOpen
		cb.probes = 0
		cb.probeFailed = false
		slog.Info("circuit breaker probing", "name", cb.name)

	case BreakerHalfOpen:
		if cb.probes >= cb.budget {
			return false, ErrBreakerOpen
		}
	}

	if cb.state == BreakerHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.trippedAt = time.Now()
		if probe {
			cb.probeFailed = true
			cb.state = BreakerOpen
			cb.failures = cb.threshold
			slog.Warn("circuit breaker re-opened", "name", cb.name)
			return
		}
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = BreakerOpen
			slog.Warn("circuit breaker tripped",
				"name", cb.name, "consecutive_failures", cb.failures)
		}
		return
	}

	if probe {
		if !cb.probeFailed && cb.probes >= cb.budget {
			cb.state = BreakerClosed
			cb.failures = 0
			slog.Info("circuit breaker recovered", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State returns the breaker's state. An open breaker whose cooldown has
// elapsed reports half-open; the real transition happens on the next Do.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && time.Since(cb.trippedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFailed = false
	slog.Info("circuit breaker reset", "name", cb.name)
}
