package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/store"
	"github.com/voxline/voxline/pkg/audio"
)

// ErrUnknownCall is returned when an event arrives for a number no business
// is configured for. Such calls are rejected at the boundary and never
// reach the pipeline.
var ErrUnknownCall = errors.New("call: no business configured for number")

const defaultMaxIdle = 5 * time.Minute

// BusinessLookup resolves the dialed number to its business configuration.
// A (nil, nil) result means the number is unknown.
type BusinessLookup func(ctx context.Context, phoneNumber string) (*store.Business, error)

// Registry is the sole authority on session existence: exactly one Session
// exists per live call SID.
type Registry struct {
	segCfg  audio.SegmenterConfig
	maxIdle time.Duration
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*Registry)

// WithSegmenterConfig sets the segmenter configuration applied to every new
// session.
func WithSegmenterConfig(cfg audio.SegmenterConfig) RegistryOption {
	return func(r *Registry) { r.segCfg = cfg }
}

// WithMaxIdle sets the idle duration after which the sweep evicts a
// session. Defaults to 5 minutes.
func WithMaxIdle(d time.Duration) RegistryOption {
	return func(r *Registry) { r.maxIdle = d }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		maxIdle:  defaultMaxIdle,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// GetOrCreate returns the session for callSID, creating and registering one
// when none exists. Creation populates business configuration through
// lookup; an unknown number fails with ErrUnknownCall.
//
// The method is idempotent under concurrent first arrival: the lookup runs
// outside the lock and the registry re-checks before inserting, so exactly
// one session wins and every caller receives it. created reports whether
// this call inserted the session.
func (r *Registry) GetOrCreate(ctx context.Context, callSID, from, to string, lookup BusinessLookup) (s *Session, created bool, err error) {
	if callSID == "" {
		return nil, false, errors.New("call: callSID must not be empty")
	}

	r.mu.Lock()
	if existing, ok := r.sessions[callSID]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	r.mu.Unlock()

	business, err := lookup(ctx, to)
	if err != nil {
		return nil, false, fmt.Errorf("call: business lookup for %q: %w", to, err)
	}
	if business == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownCall, to)
	}

	fresh := NewSession(callSID, from, to, business, audio.NewSegmenter(r.segCfg))

	r.mu.Lock()
	if existing, ok := r.sessions[callSID]; ok {
		// Lost the race; the first creator's session is authoritative.
		r.mu.Unlock()
		return existing, false, nil
	}
	r.sessions[callSID] = fresh
	r.mu.Unlock()

	r.metrics.ActiveCalls.Add(ctx, 1)
	slog.Info("call session created",
		"call_sid", callSID, "from", from, "to", to, "business", business.Name)
	return fresh, true, nil
}

// Get returns the session for callSID without creating one.
func (r *Registry) Get(callSID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callSID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// End marks the session ending, waits for any in-flight turn to complete,
// then evicts it. The session object remains addressable by anything still
// holding a reference (the post-call path) after eviction. Returns nil when
// no session exists for callSID.
func (r *Registry) End(ctx context.Context, callSID string) *Session {
	r.mu.Lock()
	s, ok := r.sessions[callSID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.markEnding()

	// Wait for the in-flight turn. The turn lock is never held across call
	// boundaries, so this converges as soon as the current turn finishes.
	s.LockTurn()
	s.UnlockTurn()

	r.remove(ctx, callSID)
	s.markEnded()
	return s
}

// ExpireStale evicts every session whose last activity is older than the
// registry's max idle duration, bounding memory growth from abandoned
// connections. Returns the number of sessions evicted.
func (r *Registry) ExpireStale(ctx context.Context) int {
	cutoff := time.Now().Add(-r.maxIdle)

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.markEnding()
		r.remove(ctx, s.CallSID)
		s.markEnded()
		slog.Warn("call session expired as stale",
			"call_sid", s.CallSID, "last_activity", s.LastActivity())
	}
	return len(stale)
}

// Sweep runs ExpireStale on the given interval until ctx is done. Run it
// from the app's run group.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ExpireStale(ctx)
		}
	}
}

// remove deletes the session from the map if still present and decrements
// the active-call gauge exactly once.
func (r *Registry) remove(ctx context.Context, callSID string) {
	r.mu.Lock()
	_, present := r.sessions[callSID]
	if present {
		delete(r.sessions, callSID)
	}
	r.mu.Unlock()
	if present {
		r.metrics.ActiveCalls.Add(ctx, -1)
	}
}
