package middleware

import (
	"context"

	"github.com/krishiconnect/marketplace-backend/pkg/auth"
)

// UserIDFromContext returns the authenticated user id, or "" for anonymous
// requests.
func UserIDFromContext(ctx context.Context) string {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return ""
	}
	return p.UserID.String()
}

func RoleFromContext(ctx context.Context) string {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return ""
	}
	return string(p.Role)
}
