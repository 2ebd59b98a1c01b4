package metadata

import "slices"

const (
	RoleAdmin       = "admin"
	RoleDataManager = "data_manager"
	RoleMonitor     = "monitor"
)

// UserContext represents the authenticated user, set by auth middleware. ID
// is recorded as the resolver of violations the user closes.
type UserContext struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// CanResolve reports whether the user may close violations.
func (u *UserContext) CanResolve() bool {
	return u.IsAdmin() || u.HasRole(RoleDataManager) || u.HasRole(RoleMonitor)
}
