package api

import (
	"context"
	"net/http"

	"github.com/odinfed/odinfed-go/internal/authctx"
)

type contextKey string

const odinContextKey contextKey = "odinContext"

// ContextWithOdin attaches the request's security context.
func ContextWithOdin(ctx context.Context, octx *authctx.OdinContext) context.Context {
	return context.WithValue(ctx, odinContextKey, octx)
}

// OdinFromContext returns the request's security context, or nil when
// the auth middleware did not run.
func OdinFromContext(ctx context.Context) *authctx.OdinContext {
	octx, _ := ctx.Value(odinContextKey).(*authctx.OdinContext)
	return octx
}

// RequireOdin fetches the security context or writes a 401.
func RequireOdin(w http.ResponseWriter, r *http.Request) (*authctx.OdinContext, bool) {
	octx := OdinFromContext(r.Context())
	if octx == nil {
		WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	return octx, true
}
