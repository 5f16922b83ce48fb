package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a provider. Only failures accepted by the
// trip predicate count towards opening the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	clock               credit.Clock
	trips               func(error) bool

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a circuit breaker that opens after
// failureThreshold consecutive tripping failures and lets a trial call through
// after resetTimeout. A nil trips counts transient provider errors only.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, clock credit.Clock,
	trips func(error) bool, onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = credit.SystemClock{}
	}
	if trips == nil {
		trips = credit.IsTransient
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		clock:            clock,
		trips:            trips,
		onStateChange:    onStateChange,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.success()
	case cb.trips(err):
		cb.failure()
	}
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
	// a failed half-open trial restarts the open period
	cb.lastFailureTime = cb.clock.Now()

	if cb.consecutiveFailures >= cb.failureThreshold {
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
