// Package auth extracts the authenticated principal from bearer tokens and
// exposes the permission-check capability consumed by the services.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// Principal is the already-authenticated caller.
type Principal struct {
	ID             string
	Profile        string
	Unit           string
	HierarchyLevel int
	Permissions    []string
	// BearerToken is the raw credential, forwarded verbatim when the
	// deferred action is replayed on the caller's behalf.
	BearerToken string
}

// HasPermission reports whether the principal carries the named permission.
func (p *Principal) HasPermission(name string) bool {
	for _, perm := range p.Permissions {
		if perm == name || perm == "*" {
			return true
		}
	}
	return false
}

// PermissionChecker is the external permission-check capability.
type PermissionChecker interface {
	HasPermission(ctx context.Context, principal *Principal, permission, scope string) (bool, error)
}

// LocalChecker satisfies PermissionChecker from the token's own claims.
type LocalChecker struct{}

func (LocalChecker) HasPermission(_ context.Context, principal *Principal, permission, _ string) (bool, error) {
	if principal == nil {
		return false, nil
	}
	return principal.HasPermission(permission), nil
}

type claims struct {
	Profile        string   `json:"profile"`
	Unit           string   `json:"unit"`
	HierarchyLevel int      `json:"hierarchy_level"`
	Permissions    []string `json:"permissions"`
	jwt.RegisteredClaims
}

// ParseBearer validates an Authorization header value and returns the principal.
func ParseBearer(header, secret string) (*Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.ErrCodeUnauthorized, "unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid bearer token")
	}
	if c.Subject == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token has no subject")
	}

	return &Principal{
		ID:             c.Subject,
		Profile:        c.Profile,
		Unit:           c.Unit,
		HierarchyLevel: c.HierarchyLevel,
		Permissions:    c.Permissions,
		BearerToken:    raw,
	}, nil
}

type contextKey string

const principalKey contextKey = "principal"

// Middleware parses the bearer token on every request and stores the
// principal in the request context. Requests without a valid token get 401.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := ParseBearer(r.Header.Get("Authorization"), secret)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// WithPrincipal stores the principal in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by Middleware, or nil.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
