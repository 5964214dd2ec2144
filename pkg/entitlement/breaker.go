package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned while the breaker is rejecting store calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after consecutive store failures and rejects calls
// until ResetTimeout has passed, then lets one trial request through.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a breaker. Non-positive arguments default to 5
// failures and 30 seconds.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, onStateChange func(CircuitBreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the breaker is open. ErrNotFound is an answer,
// not a failure, and never trips the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen {
		cb.changeState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()
	if err != nil && !errors.Is(err, ErrNotFound) {
		cb.failure()
		return err
	}
	cb.success()
	return err
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// GuardedStore wraps a Store with a circuit breaker and per-operation metrics.
type GuardedStore struct {
	store   Store
	cb      *CircuitBreaker
	metrics Metrics
}

var _ Store = (*GuardedStore)(nil)

// NewGuardedStore wraps store. A nil cb disables breaking; nil metrics are no-ops.
func NewGuardedStore(store Store, cb *CircuitBreaker, metrics Metrics) *GuardedStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &GuardedStore{store: store, cb: cb, metrics: metrics}
}

func (s *GuardedStore) do(op string, fn func() error) error {
	start := time.Now()
	var err error
	if s.cb != nil {
		err = s.cb.Execute(fn)
	} else {
		err = fn()
	}
	if errors.Is(err, ErrCircuitOpen) {
		err = errors.Join(ErrStoreUnavailable, err)
	}
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordStorageOperation(op, time.Since(start), nil)
	} else {
		s.metrics.RecordStorageOperation(op, time.Since(start), err)
	}
	return err
}

func (s *GuardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.do("get", func() error {
		var e error
		v, e = s.store.Get(ctx, key)
		return e
	})
	return v, err
}

func (s *GuardedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.do("set", func() error {
		return s.store.Set(ctx, key, value)
	})
}

func (s *GuardedStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.do("set", func() error {
		return s.store.SetWithTTL(ctx, key, value, ttl)
	})
}

func (s *GuardedStore) SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.do("set_nx", func() error {
		var e error
		ok, e = s.store.SetIfAbsentWithTTL(ctx, key, value, ttl)
		return e
	})
	return ok, err
}

func (s *GuardedStore) Delete(ctx context.Context, key string) error {
	return s.do("delete", func() error {
		return s.store.Delete(ctx, key)
	})
}

func (s *GuardedStore) IncrementFloat(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	var v float64
	err := s.do("incr", func() error {
		var e error
		v, e = s.store.IncrementFloat(ctx, key, amount, ttl)
		return e
	})
	return v, err
}

func (s *GuardedStore) GetFloat(ctx context.Context, key string) (float64, error) {
	var v float64
	err := s.do("get", func() error {
		var e error
		v, e = s.store.GetFloat(ctx, key)
		return e
	})
	return v, err
}
