package model

import (
	"context"
	"slices"
)

// RequestContext is who is calling: the user id from the token subject and
// the role ids they hold. It is built once per request by the transport
// layer and read-only afterwards.
type RequestContext struct {
	ActorID       int64
	RoleIDs       []int64
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
	Locale        string
}

// HasRole reports whether the caller holds roleID.
func (rc *RequestContext) HasRole(roleID int64) bool {
	return slices.Contains(rc.RoleIDs, roleID)
}

// HasAnyRole reports whether the caller holds at least one of roleIDs.
func (rc *RequestContext) HasAnyRole(roleIDs []int64) bool {
	return slices.ContainsFunc(roleIDs, rc.HasRole)
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext is RequestContextFrom for handlers mounted behind the
// authentication middleware. It panics when no caller is attached.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
