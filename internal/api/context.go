package api

import (
	"context"
	"errors"
)

// ownerIDContextKey is the context key for the device owner submitting sync work.
type ownerIDContextKey struct{}

// ErrNoOwnerInContext indicates no owner ID was found in the context.
var ErrNoOwnerInContext = errors.New("no owner in context")

// WithOwnerID returns a new context with the owner ID attached.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDContextKey{}, ownerID)
}

// OwnerIDFromContext extracts the owner ID from the context.
// Returns ErrNoOwnerInContext if not present or empty.
func OwnerIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ownerIDContextKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoOwnerInContext
	}
	return id, nil
}

// MustOwnerIDFromContext extracts the owner ID or panics.
// Use only behind OwnerMiddleware.
func MustOwnerIDFromContext(ctx context.Context) string {
	id, err := OwnerIDFromContext(ctx)
	if err != nil {
		panic("owner not in context: middleware misconfiguration")
	}
	return id
}
