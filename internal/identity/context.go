package identity

import "context"

type ctxKey string

const principalKey ctxKey = "wellness.principal"

// RoleAdmin grants access to support tooling.
const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// WithPrincipal stores the caller in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the caller if present.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != ""
}

// UserIDFromContext extracts the caller's user id if present.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := FromContext(ctx)
	return p.UserID, ok
}
