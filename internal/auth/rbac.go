package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sentra.org/internal/ids"
)

// RBACService validates and executes administrative mutations against the
// source of truth. It does not touch caches or token state; the revocation
// coordinator sequences those after each commit.
type RBACService struct {
	store Store
	now   func() time.Time
}

// NewRBACService wires the aggregate store.
func NewRBACService(store Store) (*RBACService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: rbac store is required", ErrInvalidInput)
	}
	return &RBACService{store: store, now: time.Now}, nil
}

// EnsureBuiltins seeds the global permission catalog.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

func (s *RBACService) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	org := &Organization{
		ID:        ids.New(),
		Name:      name,
		Status:    OrgStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (s *RBACService) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.FindOrganization(ctx, id)
}

func (s *RBACService) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.store.ListOrganizations(ctx)
}

// ArchiveOrganization commits the archival. Callers must run the synchronous
// token revocation step before reporting the archival complete.
func (s *RBACService) ArchiveOrganization(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.ArchiveOrganization(ctx, id)
}

// CreateUser provisions an account with an immediately active membership in
// the given organization.
func (s *RBACService) CreateUser(ctx context.Context, orgID, email, password string) (*User, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	membership := &Membership{
		UserID:         user.ID,
		OrganizationID: orgID,
		Status:         MembershipActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMembership(ctx, membership); err != nil {
		return nil, err
	}
	return user, nil
}

// DisableUser soft-disables the account; users are never hard-deleted.
func (s *RBACService) DisableUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.UpdateUserStatus(ctx, userID, UserStatusDisabled)
}

func (s *RBACService) CreateRole(ctx context.Context, orgID, name, description string) (*Role, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	role := &Role{
		ID:             ids.New(),
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(description),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *RBACService) GetRole(ctx context.Context, roleID string) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.FindRole(ctx, roleID)
}

func (s *RBACService) ListRoles(ctx context.Context, orgID string) ([]*Role, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.store.ListRolesByOrg(ctx, orgID)
}

// SetRolePermissions replaces the role's grant set. Returns the users holding
// the role so the caller can fan out invalidation.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, keys []string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if err := s.store.SetRolePermissions(ctx, roleID, dedupeKeys(keys)); err != nil {
		return nil, err
	}
	return s.store.UsersWithRole(ctx, roleID)
}

// AssignRole grants the role to the user. The role's organization scopes the
// grant; the user must already be an active member there.
func (s *RBACService) AssignRole(ctx context.Context, userID, roleID string) (*Assignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return nil, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	role, err := s.store.FindRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	m, err := s.store.FindMembership(ctx, userID, role.OrganizationID)
	if err != nil || m.Status != MembershipActive {
		return nil, fmt.Errorf("%w: user is not an active member of the role's organization", ErrInvalidInput)
	}
	a := Assignment{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: role.OrganizationID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AssignRole(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

// RemoveAssignment revokes the role from the user. Returns the role's
// organization for invalidation fan-out.
func (s *RBACService) RemoveAssignment(ctx context.Context, userID, roleID string) (string, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return "", fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	role, err := s.store.FindRole(ctx, roleID)
	if err != nil {
		return "", err
	}
	if err := s.store.RemoveAssignment(ctx, userID, roleID); err != nil {
		return "", err
	}
	return role.OrganizationID, nil
}

// RolePermissions lists the keys currently granted to the role.
func (s *RBACService) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	perms, err := s.store.PermissionsForRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ListPermissions returns the full permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

func dedupeKeys(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
