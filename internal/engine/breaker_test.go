package engine

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_ExecuteSuccessStaysClosed(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())

	err := r.Execute("node-a", func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.State("node-a") != StateClosed {
		t.Fatalf("expected closed, got %s", r.State("node-a"))
	}
}

func TestRegistry_OpensAfterFailureThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute}
	r := NewRegistry(cfg)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = r.Execute("node-a", func() error { return boom })
	}

	if r.State("node-a") != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", cfg.FailureThreshold, r.State("node-a"))
	}
}

func TestRegistry_OpenBreakerRejectsWithoutCallingFn(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	r := NewRegistry(cfg)

	_ = r.Execute("node-a", func() error { return errors.New("boom") })
	if r.State("node-a") != StateOpen {
		t.Fatalf("expected open, got %s", r.State("node-a"))
	}

	called := false
	err := r.Execute("node-a", func() error { called = true; return nil })
	if called {
		t.Fatal("fn should not be called while breaker is open")
	}

	var openErr *CircuitBreakerOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitBreakerOpenError, got %v", err)
	}
	if openErr.Retryable() {
		t.Fatal("circuit-open failures must not be marked retryable")
	}
}

func TestRegistry_HalfOpenAfterResetTimeoutThenCloses(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}
	r := NewRegistry(cfg)

	_ = r.Execute("node-a", func() error { return errors.New("boom") })
	if r.State("node-a") != StateOpen {
		t.Fatalf("expected open, got %s", r.State("node-a"))
	}

	time.Sleep(20 * time.Millisecond)

	// First call after the timeout transitions to half-open and is admitted.
	if err := r.Execute("node-a", func() error { return nil }); err != nil {
		t.Fatalf("expected half-open call to be admitted, got %v", err)
	}
	if r.State("node-a") != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", r.State("node-a"))
	}

	// SuccessThreshold is 2; a second success closes it.
	if err := r.Execute("node-a", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.State("node-a") != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", r.State("node-a"))
	}
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: 10 * time.Millisecond}
	r := NewRegistry(cfg)

	_ = r.Execute("node-a", func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	// Half-open probe fails, should reopen immediately.
	_ = r.Execute("node-a", func() error { return errors.New("still broken") })
	if r.State("node-a") != StateOpen {
		t.Fatalf("expected reopened after half-open failure, got %s", r.State("node-a"))
	}
}

func TestRegistry_ResetForcesClosed(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	r := NewRegistry(cfg)

	_ = r.Execute("node-a", func() error { return errors.New("boom") })
	if r.State("node-a") != StateOpen {
		t.Fatalf("expected open, got %s", r.State("node-a"))
	}

	r.Reset("node-a")
	if r.State("node-a") != StateClosed {
		t.Fatalf("expected closed after Reset, got %s", r.State("node-a"))
	}
}

func TestRegistry_ResetAllClearsEveryKey(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	r := NewRegistry(cfg)

	_ = r.Execute("a", func() error { return errors.New("boom") })
	_ = r.Execute("b", func() error { return errors.New("boom") })

	r.ResetAll()

	if r.State("a") != StateClosed || r.State("b") != StateClosed {
		t.Fatalf("expected both keys closed, got a=%s b=%s", r.State("a"), r.State("b"))
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	r := NewRegistry(cfg)

	_ = r.Execute("a", func() error { return errors.New("boom") })

	if r.State("a") != StateOpen {
		t.Fatalf("expected a open, got %s", r.State("a"))
	}
	if r.State("b") != StateClosed {
		t.Fatalf("expected unrelated key b to stay closed, got %s", r.State("b"))
	}
}

func TestRegistry_OnStateChangeFiresOnTransitions(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour}
	r := NewRegistry(cfg)

	type transition struct{ from, to CircuitState }
	var transitions []transition
	r.OnStateChange(func(key string, from, to CircuitState) {
		transitions = append(transitions, transition{from, to})
	})

	_ = r.Execute("a", func() error { return errors.New("boom") })

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d: %+v", len(transitions), transitions)
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed->open, got %+v", transitions[0])
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		StateClosed:              "closed",
		StateOpen:                "open",
		StateHalfOpen:            "half-open",
		CircuitState(99):         "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
