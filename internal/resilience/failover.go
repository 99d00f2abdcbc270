package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every link in a [Chain] either failed or had
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ChainConfig configures the per-link circuit breaker created for each
// provider added to a [Chain].
type ChainConfig struct {
	Breaker BreakerConfig
}

// link pairs a provider value with its dedicated circuit breaker.
type link[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain holds a primary and zero or more alternates of the same provider
// type. Calls go to the first link whose breaker admits them; a failing
// link passes the call to the next one in registration order.
//
// Links must all be registered before the chain is used; afterwards Chain is
// safe for concurrent use.
type Chain[T any] struct {
	links []link[T]
	cfg   ChainConfig
}

// NewChain creates a [Chain] with primary as its first link.
func NewChain[T any](primaryName string, primary T, cfg ChainConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends an alternate provider. Alternates are tried in the order they
// were added, after the primary.
func (c *Chain[T]) Add(name string, value T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Names returns the registered link names in order.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// Try runs fn against each link in order until one succeeds. Links with an
// open breaker are skipped. When every link fails the last error is wrapped
// in [ErrAllFailed].
func (c *Chain[T]) Try(fn func(T) error) error {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		err := l.breaker.Do(func() error {
			return fn(l.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", l.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", l.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// TryResult runs fn against each link in the chain until one succeeds and
// returns its result. A package-level function because Go methods cannot
// introduce type parameters.
func TryResult[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.links {
		l := &c.links[i]
		var result R
		err := l.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(l.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", l.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", l.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
