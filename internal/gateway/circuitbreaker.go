package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/debdevops/servicehub/internal/domain"
	"github.com/debdevops/servicehub/pkg/retry"
	"github.com/sony/gobreaker"
)

// CircuitBreakerGateway decorates a BrokerGateway with a per-namespace
// circuit breaker (sony/gobreaker) and a small bounded internal retry loop
// for transient failures, per spec.md §4.1: "the gateway itself retries
// transient failures a small bounded number of times internally; it never
// retries NotFound or Unauthorized."
type CircuitBreakerGateway struct {
	inner  BrokerGateway
	cb     *gobreaker.CircuitBreaker
	config retry.Config
}

// NewCircuitBreakerGateway wraps inner, naming the breaker namespace for
// metrics/log correlation.
func NewCircuitBreakerGateway(namespace string, inner BrokerGateway, config retry.Config) *CircuitBreakerGateway {
	settings := gobreaker.Settings{
		Name:        "broker-gateway:" + namespace,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &CircuitBreakerGateway{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		config: config,
	}
}

// Inner returns the BrokerGateway this breaker wraps, for callers (the
// bootstrap wiring's simulator-seeding helpers) that need to reach past
// the breaker during test setup.
func (g *CircuitBreakerGateway) Inner() BrokerGateway {
	return g.inner
}

// call executes op through the breaker, retrying transient failures up to
// config.MaxRetries times with backoff, per spec.md §4.1.
func call[T any](ctx context.Context, g *CircuitBreakerGateway, op func(context.Context) (T, error)) (T, error) {
	var zero T

	var lastErr error

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		result, err := g.cb.Execute(func() (any, error) {
			return op(ctx)
		})
		if err == nil {
			return result.(T), nil
		}

		lastErr = err

		var gerr *Error
		if errors.As(err, &gerr) && gerr.Kind.Retryable() && attempt < g.config.MaxRetries {
			if sleepErr := g.config.Sleep(ctx, attempt+1); sleepErr != nil {
				return zero, sleepErr
			}

			continue
		}

		return zero, err
	}

	return zero, lastErr
}

func (g *CircuitBreakerGateway) ListQueues(ctx context.Context) ([]EntitySummary, error) {
	return call(ctx, g, g.inner.ListQueues)
}

func (g *CircuitBreakerGateway) ListTopics(ctx context.Context) ([]EntitySummary, error) {
	return call(ctx, g, g.inner.ListTopics)
}

func (g *CircuitBreakerGateway) ListSubscriptions(ctx context.Context, topic string) ([]EntitySummary, error) {
	return call(ctx, g, func(ctx context.Context) ([]EntitySummary, error) {
		return g.inner.ListSubscriptions(ctx, topic)
	})
}

func (g *CircuitBreakerGateway) Peek(ctx context.Context, entity string, entityType domain.EntityType, fromSequence int64, max int) ([]Message, error) {
	return call(ctx, g, func(ctx context.Context) ([]Message, error) {
		return g.inner.Peek(ctx, entity, entityType, fromSequence, max)
	})
}

func (g *CircuitBreakerGateway) PeekDlq(ctx context.Context, entity string, entityType domain.EntityType, fromSequence int64, max int) ([]Message, error) {
	return call(ctx, g, func(ctx context.Context) ([]Message, error) {
		return g.inner.PeekDlq(ctx, entity, entityType, fromSequence, max)
	})
}

func (g *CircuitBreakerGateway) Send(ctx context.Context, entity string, msg Message) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Send(ctx, entity, msg)
	})

	return err
}

func (g *CircuitBreakerGateway) DeadLetter(ctx context.Context, entity string, entityType domain.EntityType, count int, reason, errorDescription string) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.DeadLetter(ctx, entity, entityType, count, reason, errorDescription)
	})

	return err
}

func (g *CircuitBreakerGateway) RuntimeCounts(ctx context.Context, entity string, entityType domain.EntityType) (RuntimeCounts, error) {
	return call(ctx, g, func(ctx context.Context) (RuntimeCounts, error) {
		return g.inner.RuntimeCounts(ctx, entity, entityType)
	})
}
