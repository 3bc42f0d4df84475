package proxy

import (
	"context"

	"github.com/google/uuid"
)

type ConnectionIDKey struct{}

// WithConnectionID returns ctx carrying id.
func WithConnectionID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ConnectionIDKey{}, id)
}

// ConnectionID returns the id stored by WithConnectionID.
func ConnectionID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ConnectionIDKey{}).(uuid.UUID)
	return id, ok
}
