package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// CircuitState is the three-state gate from §4.B.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// BreakerConfig tunes one circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig mirrors the teacher's executor/circuit_breaker.go defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: 30 * time.Second}
}

// CircuitBreakerOpenError is returned by Execute when the breaker refuses a
// call outright.
type CircuitBreakerOpenError struct {
	Key      string
	OpenedAt time.Time
	Timeout  time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open since %s (resets after %s)", e.Key, e.OpenedAt.Format(time.RFC3339), e.Timeout)
}

// Retryable marks circuit-open failures non-retryable at the node level —
// retrying into an open breaker is pointless until the reset timeout elapses.
func (e *CircuitBreakerOpenError) Retryable() bool { return false }

// breaker is one key's state machine. Grounded on the teacher's
// executor/circuit_breaker.go CircuitBreaker almost verbatim.
type breaker struct {
	mu                   sync.Mutex
	key                  string
	cfg                  BreakerConfig
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	onChange             func(key string, from, to CircuitState)
}

func newBreaker(key string, cfg BreakerConfig, onChange func(string, CircuitState, CircuitState)) *breaker {
	return &breaker{key: key, cfg: cfg, state: StateClosed}
}

func (b *breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.setStateLocked(StateHalfOpen)
			return nil
		}
		return &CircuitBreakerOpenError{Key: b.key, OpenedAt: b.openedAt, Timeout: b.cfg.ResetTimeout}
	default:
		return nil
	}
}

func (b *breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
		return
	}
	b.onSuccessLocked()
}

func (b *breaker) onFailureLocked() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = time.Now()
		b.setStateLocked(StateOpen)
	}
}

func (b *breaker) onSuccessLocked() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.setStateLocked(StateClosed)
			b.consecutiveFailures = 0
		}
	}
}

func (b *breaker) setStateLocked(newState CircuitState) {
	if newState == b.state {
		return
	}
	old := b.state
	b.state = newState
	b.consecutiveSuccesses = 0
	if b.onChange != nil {
		b.onChange(b.key, old, newState)
	}
}

func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setStateLocked(StateClosed)
	b.consecutiveFailures = 0
}

// Registry is a per-key circuit breaker registry, backed by
// github.com/puzpuzpuz/xsync for lock-free reads on the hot path — the same
// concurrent-map preference the teacher shows in its registries.
type Registry struct {
	breakers *xsync.MapOf[string, *breaker]
	cfg      BreakerConfig
	onChange func(key string, from, to CircuitState)
}

// NewRegistry creates a registry; every key it mints a breaker for shares cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: xsync.NewMapOf[string, *breaker](), cfg: cfg}
}

// OnStateChange installs the single state-change observer for this registry.
func (r *Registry) OnStateChange(fn func(key string, from, to CircuitState)) {
	r.onChange = fn
}

func (r *Registry) get(key string) *breaker {
	b, _ := r.breakers.LoadOrCompute(key, func() *breaker {
		return newBreaker(key, r.cfg, r.onChange)
	})
	if b.onChange == nil {
		b.onChange = r.onChange
	}
	return b
}

// Execute gates fn behind key's breaker: admits, runs, records the outcome.
func (r *Registry) Execute(key string, fn func() error) error {
	b := r.get(key)
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(err)
	return err
}

// State returns key's current state (StateClosed if key is unseen).
func (r *Registry) State(key string) CircuitState { return r.get(key).State() }

// Reset forces key's breaker back to closed.
func (r *Registry) Reset(key string) { r.get(key).Reset() }

// ResetAll forces every known breaker back to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(key string, b *breaker) bool {
		b.Reset()
		return true
	})
}
