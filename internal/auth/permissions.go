package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermEventEmit     Permission = "event:emit"
	PermExecutionRun  Permission = "execution:run"
	PermExecutionRead Permission = "execution:read"
	PermChainManage   Permission = "chain:manage"
	PermCatalogRead   Permission = "catalog:read"

	// PermScopeOverride allows a request to name a scope other than the
	// token's own.
	PermScopeOverride Permission = "scope:override"

	PermAuditRead Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleUser: {
		PermEventEmit,
		PermExecutionRun,
		PermExecutionRead,
		PermChainManage,
		PermCatalogRead,
	},
	RoleService: {
		PermEventEmit,
		PermExecutionRun,
		PermExecutionRead,
		PermChainManage,
		PermCatalogRead,
		PermScopeOverride,
		PermAuditRead,
	},
}

// HasPermission checks whether a role grants a permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
