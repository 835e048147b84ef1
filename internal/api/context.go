package api

import (
	"context"
	"errors"
)

// ownerIDContextKey is the context key for the authenticated owner.
type ownerIDContextKey struct{}

// ErrNoOwnerInContext indicates the request was not authenticated.
var ErrNoOwnerInContext = errors.New("no owner in context")

// WithOwnerID returns a new context carrying the authenticated owner id.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDContextKey{}, ownerID)
}

// OwnerIDFromContext extracts the authenticated owner id.
// Returns ErrNoOwnerInContext if not present or empty.
func OwnerIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(ownerIDContextKey{}).(string)
	if !ok || id == "" {
		return "", ErrNoOwnerInContext
	}
	return id, nil
}

// MustOwnerIDFromContext extracts the owner id or panics.
// Use only behind AuthMiddleware.
func MustOwnerIDFromContext(ctx context.Context) string {
	id, err := OwnerIDFromContext(ctx)
	if err != nil {
		panic("owner not in context: middleware misconfiguration")
	}
	return id
}
