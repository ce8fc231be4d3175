package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a human or service account. Users are never hard-deleted, only
// soft-disabled.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	OrgStatusActive   = "active"
	OrgStatusArchived = "archived"
)

// Organization is the tenancy boundary. Archival cascades to memberships and
// refresh tokens.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MembershipStatus is the lifecycle of a user's link to an organization.
type MembershipStatus string

const (
	MembershipPending MembershipStatus = "pending"
	MembershipActive  MembershipStatus = "active"
	MembershipRevoked MembershipStatus = "revoked"

	// MembershipNone is a resolver outcome, never stored.
	MembershipNone MembershipStatus = "none"
)

// Membership links a user to an organization. A pending row is an outstanding
// invitation; it transitions to active exactly once.
type Membership struct {
	UserID         string           `json:"user_id"`
	OrganizationID string           `json:"organization_id"`
	Status         MembershipStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Role groups permissions within exactly one organization. There are no
// global roles.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability from the global catalog.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment grants a user a role; the role's organization implicitly scopes
// the grant.
type Assignment struct {
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResetToken is a single-use password reset credential. Only the digest of
// the secret is stored.
type ResetToken struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}
