// Package resilience implements the generic CircuitBreaker, RateLimiter and
// Timeout wrappers spec 4.3 requires. The teacher's own go.mod carries no
// circuit breaker library; github.com/sony/gobreaker is adopted as the
// enrichment dependency (grounded on its usage in the jordigilh-kubernaut
// example, pkg test/integration/notification/suite_test.go), since
// gobreaker's own half-open behavior -- MaxRequests consecutive successes
// closes the breaker, any single failure in half-open reopens it -- is an
// exact match for spec 4.3's HALF_OPEN -> (successThreshold successes | one
// failure) -> CLOSED | OPEN transition, so it is wrapped rather than
// reimplemented.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	engerrors "github.com/loomwork/engine/pkg/errors"
)

// State names the spec uses verbatim (spec 4.3).
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitBreakerConfig configures thresholds per spec 4.3.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures to trip CLOSED -> OPEN
	SuccessThreshold uint32        // consecutive successes in HALF_OPEN to close
	ResetTimeout     time.Duration // OPEN -> HALF_OPEN delay
}

// CircuitOpenError is returned by Execute when the breaker rejects the call
// because it is not allowing requests.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker " + e.Name + " is open"
}

// CircuitBreaker wraps gobreaker.CircuitBreaker with the spec's exact state
// vocabulary and a state-change notification channel.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu        sync.Mutex
	listeners []chan StateChange
}

// StateChange is emitted to every subscriber on every transition.
type StateChange struct {
	Name string
	From State
	To   State
}

// New constructs a CircuitBreaker from cfg.
func New(cfg CircuitBreakerConfig) *CircuitBreaker {
	breaker := &CircuitBreaker{}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breaker.notify(StateChange{Name: name, From: fromGobreakerState(from), To: fromGobreakerState(to)})
		},
	}
	breaker.cb = gobreaker.NewCircuitBreaker(settings)
	return breaker
}

func (b *CircuitBreaker) notify(change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribe returns a channel that receives every future state change. The
// channel is buffered; slow consumers drop notifications rather than block
// the breaker.
func (b *CircuitBreaker) Subscribe() <-chan StateChange {
	ch := make(chan StateChange, 16)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

// IsAllowed reports whether a call would currently be permitted. Reading
// this may itself cause the OPEN -> HALF_OPEN transition (spec 4.3),
// exactly as gobreaker's own State() accessor does.
func (b *CircuitBreaker) IsAllowed() bool {
	return fromGobreakerState(b.cb.State()) != StateOpen
}

// State returns the current state (may trigger OPEN -> HALF_OPEN as a side
// effect of reading it, per gobreaker).
func (b *CircuitBreaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// Execute runs fn through the breaker. It rejects with CircuitOpenError
// without calling fn when the breaker is not allowing requests.
func (b *CircuitBreaker) Execute(_ context.Context, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, &CircuitOpenError{Name: b.cb.Name()}
	}
	if err != nil {
		return nil, &engerrors.StepExecutionError{Message: "circuit breaker wrapped call failed", Cause: err}
	}
	return result, nil
}
