package session

import (
	"context"
	"errors"
	"net/http"

	"quickfix/internal/servicetoken"
	"quickfix/internal/util"
	"quickfix/pkg/domain"
)

type providerKey struct{}

type currentKey struct{}

type current struct {
	token     string
	principal domain.Principal
}

// WithProvider attaches p to ctx.
func WithProvider(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, providerKey{}, p)
}

// FromContext returns the provider attached to ctx. It panics with
// *ContextError when none is attached.
func FromContext(ctx context.Context) *Provider {
	p, ok := ctx.Value(providerKey{}).(*Provider)
	if !ok || p == nil {
		panic(&ContextError{Op: "FromContext"})
	}
	return p
}

// AccessToken returns the bearer token bound to ctx by Middleware.
func AccessToken(ctx context.Context) (string, bool) {
	cur, ok := ctx.Value(currentKey{}).(current)
	if !ok {
		return "", false
	}
	return cur.token, true
}

// WithPrincipal binds a resolved principal to ctx.
func WithPrincipal(ctx context.Context, token string, principal domain.Principal) context.Context {
	return context.WithValue(ctx, currentKey{}, current{token: token, principal: principal})
}

// Middleware attaches the provider to every request and, when a bearer token
// is present and valid, the current principal. Requests without a valid
// token pass through unauthenticated.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithProvider(r.Context(), p)
		if token, ok := servicetoken.BearerToken(r); ok {
			principal, err := p.Resolve(ctx, token)
			switch {
			case err == nil:
				ctx = WithPrincipal(ctx, token, principal)
			case errors.Is(err, ErrNoSession):
			default:
				util.LoggerFromContext(ctx).Debug("bearer token not resolved", "err", err)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
