// Package middleware implements the viewer's HTTP request pipeline: the
// authentication chain, CSRF protection, permission gates, security headers
// and per-request audit history.
package middleware

import (
	"context"
	"net/http"

	"github.com/owlcap/owlcap/internal/esstore"
)

type contextKey int

const (
	principalKey contextKey = iota
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	User *esstore.User
	// PeerAuth marks requests authenticated by a node-to-node token rather
	// than an interactive user.
	PeerAuth bool
}

// WithPrincipal attaches the authenticated principal to the request context.
func WithPrincipal(r *http.Request, p *Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

// PrincipalFrom returns the request's principal, or nil before auth ran.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// UserFrom returns the authenticated user, or nil.
func UserFrom(ctx context.Context) *esstore.User {
	if p := PrincipalFrom(ctx); p != nil {
		return p.User
	}
	return nil
}
