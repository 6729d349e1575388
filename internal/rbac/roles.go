package rbac

// Role names. Keep these stable; they are part of the auth contract.
const (
	// RoleService is the backend that creates and schedules sessions.
	RoleService = "service"
	// RoleOps resolves manual-review sessions and may cancel.
	RoleOps = "ops"
	// RoleSuperAdmin bypasses role checks.
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
