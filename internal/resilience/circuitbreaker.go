// Package resilience wraps sony/gobreaker with logging and a sane
// default configuration, used to shield the broker adapter (C2) and
// connection pool (C3) from a degraded Tradovate endpoint.
package resilience

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config defines a circuit breaker's tripping and recovery behavior.
type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MaxFailures   uint32
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultConfig returns the engine's standard broker-call breaker
// settings: trip after 5 consecutive failures or a 60% failure ratio
// over at least 3 requests, stay open 30s, allow 3 probes on half-open.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		MaxFailures: 5,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[circuitbreaker:%s] state changed: %s -> %s", name, from, to)
		},
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker[any] with the engine's
// logging and error-wrapping conventions.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New creates a CircuitBreaker from cfg.
func New(cfg Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && (counts.ConsecutiveFailures >= cfg.MaxFailures || ratio >= 0.6)
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker[any](settings), name: cfg.Name}
}

// Execute runs fn with circuit breaker protection and context
// cancellation. Broker-call sites pass a closure that returns a
// domain.Err* sentinel on failure so the breaker's trip decision lines
// up with the §7 error taxonomy rather than raw transport errors.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := cb.cb.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", cb.name, err)
	}
	return result, nil
}

// State returns the breaker's current state (closed/half-open/open).
func (cb *CircuitBreaker) State() gobreaker.State { return cb.cb.State() }

// Counts returns the breaker's rolling request/failure counts.
func (cb *CircuitBreaker) Counts() gobreaker.Counts { return cb.cb.Counts() }

// Name returns the breaker's configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }
