package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/krishiconnect/marketplace-backend/pkg/enums"
)

// Principal is the authenticated caller resolved from the access token.
type Principal struct {
	UserID uuid.UUID
	Role   enums.Role
}

// PrincipalFromClaims maps parsed token claims onto a principal.
func PrincipalFromClaims(claims *AccessTokenClaims) Principal {
	if claims == nil {
		return Principal{}
	}
	return Principal{UserID: claims.UserID, Role: claims.Role}
}

// IsZero reports whether no caller was resolved.
func (p Principal) IsZero() bool {
	return p.UserID == uuid.Nil
}

func (p Principal) Is(role enums.Role) bool {
	return p.Role == role
}

type principalKey struct{}

// WithPrincipal stores the principal on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}
