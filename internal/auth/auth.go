// Package auth identifies the caller of a ledger operation.
//
// Authentication itself happens upstream (the marketplace API gateway); this
// package only carries the resulting principal through the context and
// answers ownership and role questions for the services.
package auth

import (
	"context"
	"strings"
)

// Roles understood by the ledger services.
const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Principal is an authenticated caller.
type Principal struct {
	UserID string
	Roles  []string
}

// HasRole reports whether p carries role (case-insensitive).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// CurrentUser answers who is calling. Services depend on this interface
// rather than on the context key.
type CurrentUser interface {
	UserID(ctx context.Context) (string, bool)
	IsInRole(ctx context.Context, role string) bool
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// AsSystem marks ctx as running on behalf of the service itself (timers,
// verified gateway callbacks).
func AsSystem(ctx context.Context) context.Context {
	return WithPrincipal(ctx, Principal{UserID: "system", Roles: []string{RoleSystem}})
}

// ContextUser resolves the caller from the request context. AdminRole lets
// deployments rename the admin role.
type ContextUser struct {
	AdminRole string
}

// NewContextUser returns a CurrentUser reading principals from context.
func NewContextUser(adminRole string) *ContextUser {
	if adminRole == "" {
		adminRole = RoleAdmin
	}
	return &ContextUser{AdminRole: adminRole}
}

func (u *ContextUser) UserID(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok || p.UserID == "" {
		return "", false
	}
	return p.UserID, true
}

// IsInRole checks role membership. Asking for RoleAdmin checks the
// configured admin role name.
func (u *ContextUser) IsInRole(ctx context.Context, role string) bool {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return false
	}
	if role == RoleAdmin {
		role = u.AdminRole
	}
	return p.HasRole(role)
}

// IsAdmin is shorthand for IsInRole(ctx, RoleAdmin).
func IsAdmin(ctx context.Context, u CurrentUser) bool {
	return u.IsInRole(ctx, RoleAdmin)
}

// IsSystem is shorthand for IsInRole(ctx, RoleSystem).
func IsSystem(ctx context.Context, u CurrentUser) bool {
	return u.IsInRole(ctx, RoleSystem)
}
