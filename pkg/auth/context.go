// Package auth provides the HTTP authentication middleware and the request
// context carried through a request's asynchronous work.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RequestContext is created at authentication time and travels with the
// request through dispatch, tool execution, and SSE delivery.
type RequestContext struct {
	RequestID string
	SessionID string
	Transport string

	UserID   string
	ClientID string
	Scopes   []string

	// ActionTaken records a side effect of authentication the client should
	// know about, e.g. "third_party_token_refreshed".
	ActionTaken string

	StartTime time.Time
	Metadata  map[string]string
}

// NewRequestContext mints a request context with a fresh request id.
func NewRequestContext(transport string) *RequestContext {
	return &RequestContext{
		RequestID: uuid.NewString(),
		Transport: transport,
		StartTime: time.Now(),
	}
}

type contextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RequestContextFrom retrieves the request context, or nil when the request
// never passed through authentication (STDIO with auth disabled).
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}
