package auth

import (
	"context"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

type ctxKey string

const principalKey ctxKey = "qagent.principal"

// Middleware extracts and validates the bearer token, attaching the
// Principal to the request context when valid. Routes that require auth
// check for the principal themselves, so unauthenticated endpoints like
// health stay reachable.
func (s *Service) Middleware() func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			if p, err := s.ValidateToken(token); err == nil {
				ctx = huma.WithValue(ctx, principalKey, p)
			}
		}
		next(ctx)
	}
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*Principal); ok {
			return p, true
		}
	}
	return nil, false
}
