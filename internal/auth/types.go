package auth

import "errors"

// Role is the authorisation tier of a token.
type Role string

const (
	// RoleUser acts on the scope carried in its own token.
	RoleUser Role = "user"

	// RoleService is a back-end caller that may name any scope.
	RoleService Role = "service"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleService
}

// Scope is the identity a request acts for.
type Scope struct {
	UserID    string
	OrgID     string
	StartupID string
	Role      Role
}

// Anonymous reports whether the scope carries no user.
func (s Scope) Anonymous() bool { return s.UserID == "" }

// Sentinel errors.
var (
	ErrTokenMissing = errors.New("auth: token missing")
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient permissions")
)
