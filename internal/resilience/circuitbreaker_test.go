package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test"})
	if cb.threshold != 5 {
		t.Errorf("threshold = %d, want 5", cb.threshold)
	}
	if cb.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cb.cooldown)
	}
	if cb.budget != 3 {
		t.Errorf("budget = %d, want 3", cb.budget)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedAdmitsCalls(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 3})
	called := false
	if err := cb.Do(func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		Cooldown:         time.Hour,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errTest })
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	err := cb.Do(func() error { return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test", FailureThreshold: 3})

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return nil })

	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after intervening success", cb.State())
	}

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })
	if cb.State() != BreakerClosed {
		t.Fatal("tripped before reaching the threshold again")
	}
}

func TestCircuitBreaker_CooldownLeadsToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      2,
	})

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", cb.State())
	}
}

func TestCircuitBreaker_ProbesClose(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      2,
	})

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         10 * time.Millisecond,
		ProbeBudget:      3,
	})

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	if err := cb.Do(func() error { return errTest }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	})

	_ = cb.Do(func() error { return errTest })
	_ = cb.Do(func() error { return errTest })
	if cb.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
