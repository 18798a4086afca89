// Package reqcontext carries per-request metadata (correlation id,
// authenticated key, connection id) through context.Context.
package reqcontext

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	correlationIDKey ContextKey = "correlation_id"
	apiKeyIDKey      ContextKey = "api_key_id"
	connectionIDKey  ContextKey = "connection_id"
)

// NewCorrelationID generates a random 128-bit hex correlation id.
func NewCorrelationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "corr-unavailable"
	}
	return hex.EncodeToString(b)
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id, or "" when absent.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithAPIKeyID records which key authenticated the request.
func WithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

// APIKeyID returns the authenticated key id, or "" for stdio callers.
func APIKeyID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

// WithConnectionID records the transport connection the request arrived on.
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connectionIDKey, connID)
}

// ConnectionID returns the transport connection id, or "" for stdio.
func ConnectionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(connectionIDKey).(string); ok {
		return id
	}
	return ""
}
