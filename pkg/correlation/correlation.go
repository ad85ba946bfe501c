// Package correlation propagates the request correlation id via context
// values, never via global state, per the design notes on request
// correlation.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header operators and callers use to pass and receive
// the correlation id.
const Header = "X-Correlation-Id"

type contextKey struct{}

// ContextWith returns a context carrying id, retrievable with FromContext.
func ContextWith(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation id stored in ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}

	return ""
}

// New generates a fresh correlation id for requests that arrive without one.
func New() string {
	return uuid.NewString()
}
