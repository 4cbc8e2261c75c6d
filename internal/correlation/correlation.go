// Package correlation tags control connections with time-ordered IDs so log
// lines and spans from one client can be grouped.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// New returns a fresh UUIDv7 string.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// With returns a child of ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the correlation ID carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
