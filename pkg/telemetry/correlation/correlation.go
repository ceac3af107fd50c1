// Package correlation tags every request and job with an id that survives
// process boundaries, so one user action can be traced across the API and
// the workers.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
)

type ctxKey struct{}

// FromContext returns the correlation id on ctx, or "" when absent.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ContextWithCorrelationID stores id on the context. An empty id leaves the
// context untouched.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// EnsureCorrelationID returns a context that is guaranteed to carry a
// correlation id, minting a ulid when none is present.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return ContextWithCorrelationID(ctx, id), id
}
