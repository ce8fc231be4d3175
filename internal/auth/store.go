package auth

import (
	"context"
	"time"
)

// UserStore manages user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUserStatus(ctx context.Context, id, status string) error
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	FindOrganization(ctx context.Context, id string) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]*Organization, error)
	// ArchiveOrganization flips status to archived and revokes every
	// membership in the same transaction.
	ArchiveOrganization(ctx context.Context, id string) error
}

// MembershipStore manages user-organization links.
type MembershipStore interface {
	CreateMembership(ctx context.Context, m *Membership) error
	FindMembership(ctx context.Context, userID, orgID string) (*Membership, error)
	// ActivateMembership transitions pending to active. It must be a
	// conditional update so repeated acceptance is observable as zero rows.
	ActivateMembership(ctx context.Context, userID, orgID string) error
	RevokeMembership(ctx context.Context, userID, orgID string) error
	ListMembershipsByOrg(ctx context.Context, orgID string) ([]*Membership, error)
}

// RoleStore manages roles and role assignments.
type RoleStore interface {
	CreateRole(ctx context.Context, role *Role) error
	FindRole(ctx context.Context, id string) (*Role, error)
	ListRolesByOrg(ctx context.Context, orgID string) ([]*Role, error)
	DeleteRole(ctx context.Context, id string) error
	AssignRole(ctx context.Context, a Assignment) error
	RemoveAssignment(ctx context.Context, userID, roleID string) error
	ListAssignments(ctx context.Context, userID string) ([]Assignment, error)
	// UsersWithRole returns user ids currently holding the role; the
	// revocation coordinator uses it to bound invalidation fan-out.
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
}

// PermissionStore manages the global permission catalog and grants.
type PermissionStore interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID string, keys []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	// UserPermissions joins user_roles, roles filtered by organization,
	// role_permissions and permissions. The organization filter is the
	// isolation invariant; it is never optional.
	UserPermissions(ctx context.Context, userID, orgID string) ([]string, error)
}

// ResetTokenStore manages single-use password reset tokens.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, t *ResetToken) error
	// ConsumeResetToken marks the token consumed and returns it. A token
	// already consumed or expired at now yields ErrNotFound.
	ConsumeResetToken(ctx context.Context, id string, now time.Time) (*ResetToken, error)
}

// Store aggregates every persistence concern of the auth subsystem.
type Store interface {
	UserStore
	OrganizationStore
	MembershipStore
	RoleStore
	PermissionStore
	ResetTokenStore
}
