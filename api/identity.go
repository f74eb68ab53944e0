package api

import (
	"context"
	"net/http"
	"strings"
)

const DefaultIdentityHeader = "X-Authenticated-User"

// IdentityResolver returns the verified user key for a request, or "" when
// the request is anonymous.
type IdentityResolver interface {
	ResolveUser(r *http.Request) (string, error)
}

// HeaderIdentityResolver trusts a header set by the session layer in front
// of this service.
type HeaderIdentityResolver struct {
	Header string
}

func (h HeaderIdentityResolver) ResolveUser(r *http.Request) (string, error) {
	header := strings.TrimSpace(h.Header)
	if header == "" {
		header = DefaultIdentityHeader
	}
	return strings.TrimSpace(r.Header.Get(header)), nil
}

type IdentityResolverFunc func(r *http.Request) (string, error)

func (f IdentityResolverFunc) ResolveUser(r *http.Request) (string, error) {
	return f(r)
}

type userContextKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext returns the user resolved for the current request.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey{}).(string)
	return userID
}
