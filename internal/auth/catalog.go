package auth

// Builtin permission keys. The catalog is global; grants are always scoped to
// one organization through roles.
const (
	PermOrgManage     = "org:manage"
	PermMemberManage  = "member:manage"
	PermRoleManage    = "role:manage"
	PermSystemRevoke  = "system:revoke"
	PermProjectCreate = "project:create"
	PermProjectView   = "project:view"
)

// BuiltinPermissions is ensured at startup so roles can reference the
// catalog immediately.
var BuiltinPermissions = []Permission{
	{Key: PermOrgManage, Description: "Create and archive organizations"},
	{Key: PermMemberManage, Description: "Invite, create and remove organization members"},
	{Key: PermRoleManage, Description: "Manage roles, grants and assignments"},
	{Key: PermSystemRevoke, Description: "Break-glass credential revocation"},
	{Key: PermProjectCreate, Description: "Create projects"},
	{Key: PermProjectView, Description: "View projects"},
}
