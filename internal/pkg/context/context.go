// Package context carries per-request values shared by middleware, handlers
// and logging.
package context

import (
	"context"

	"github.com/google/uuid"
)

type (
	requestIDKey struct{}
	callerKey    struct{}
)

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID uuid.UUID
	Role   string
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// GetCaller reports false when the request was not authenticated.
func GetCaller(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	if !ok || c.UserID == uuid.Nil {
		return Caller{}, false
	}
	return c, true
}
