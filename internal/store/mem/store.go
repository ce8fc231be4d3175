// Package mem is an in-process implementation of the auth store. It backs
// tests and local runs; production deployments use the Postgres store.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sentra.org/internal/auth"
	"sentra.org/internal/ids"
)

type Store struct {
	mu          sync.Mutex
	users       map[string]*auth.User
	orgs        map[string]*auth.Organization
	memberships map[string]*auth.Membership // userID/orgID
	roles       map[string]*auth.Role
	rolePerms   map[string][]string // roleID -> permission keys
	assignments map[string][]auth.Assignment
	permissions map[string]auth.Permission // key -> permission
	resets      map[string]*auth.ResetToken
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:       make(map[string]*auth.User),
		orgs:        make(map[string]*auth.Organization),
		memberships: make(map[string]*auth.Membership),
		roles:       make(map[string]*auth.Role),
		rolePerms:   make(map[string][]string),
		assignments: make(map[string][]auth.Assignment),
		permissions: make(map[string]auth.Permission),
		resets:      make(map[string]*auth.ResetToken),
	}
}

func pairKey(userID, orgID string) string { return userID + "/" + orgID }

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.users {
		if cur.Email == u.Email {
			return auth.ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateOrganization(ctx context.Context, org *auth.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.orgs {
		if cur.Name == org.Name {
			return auth.ErrConflict
		}
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *Store) FindOrganization(ctx context.Context, id string) (*auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ArchiveOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return auth.ErrNotFound
	}
	org.Status = auth.OrgStatusArchived
	org.UpdatedAt = time.Now().UTC()
	for _, m := range s.memberships {
		if m.OrganizationID == id && m.Status != auth.MembershipRevoked {
			m.Status = auth.MembershipRevoked
			m.UpdatedAt = org.UpdatedAt
		}
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, m *auth.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(m.UserID, m.OrganizationID)
	if _, ok := s.memberships[key]; ok {
		return auth.ErrConflict
	}
	cp := *m
	s.memberships[key] = &cp
	return nil
}

func (s *Store) FindMembership(ctx context.Context, userID, orgID string) (*auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[pairKey(userID, orgID)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ActivateMembership(ctx context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[pairKey(userID, orgID)]
	if !ok {
		return auth.ErrNotFound
	}
	if m.Status != auth.MembershipPending {
		return auth.ErrConflict
	}
	m.Status = auth.MembershipActive
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RevokeMembership(ctx context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[pairKey(userID, orgID)]
	if !ok {
		return auth.ErrNotFound
	}
	m.Status = auth.MembershipRevoked
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ListMembershipsByOrg(ctx context.Context, orgID string) ([]*auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Membership
	for _, m := range s.memberships {
		if m.OrganizationID == orgID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.roles {
		if cur.OrganizationID == role.OrganizationID && cur.Name == role.Name {
			return auth.ErrConflict
		}
	}
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *Store) FindRole(ctx context.Context, id string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *Store) ListRolesByOrg(ctx context.Context, orgID string) ([]*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Role
	for _, role := range s.roles {
		if role.OrganizationID == orgID {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	for userID, list := range s.assignments {
		kept := list[:0]
		for _, a := range list {
			if a.RoleID != id {
				kept = append(kept, a)
			}
		}
		s.assignments[userID] = kept
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, a auth.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.assignments[a.UserID] {
		if cur.RoleID == a.RoleID {
			return auth.ErrConflict
		}
	}
	s.assignments[a.UserID] = append(s.assignments[a.UserID], a)
	return nil
}

func (s *Store) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.assignments[userID]
	for i, a := range list {
		if a.RoleID == roleID {
			s.assignments[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]auth.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.Assignment(nil), s.assignments[userID]...), nil
}

func (s *Store) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for userID, list := range s.assignments {
		for _, a := range list {
			if a.RoleID == roleID {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.permissions[p.Key]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		s.permissions[p.Key] = p
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, key := range keys {
		if _, ok := s.permissions[key]; !ok {
			return auth.ErrInvalidInput
		}
	}
	s.rolePerms[roleID] = append([]string(nil), keys...)
	return nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Permission
	for _, key := range s.rolePerms[roleID] {
		if p, ok := s.permissions[key]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) UserPermissions(ctx context.Context, userID, orgID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{})
	for _, a := range s.assignments[userID] {
		role, ok := s.roles[a.RoleID]
		if !ok || role.OrganizationID != orgID {
			continue
		}
		for _, key := range s.rolePerms[a.RoleID] {
			set[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) CreateResetToken(ctx context.Context, t *auth.ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.resets[t.ID] = &cp
	return nil
}

func (s *Store) ConsumeResetToken(ctx context.Context, id string, now time.Time) (*auth.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[id]
	if !ok || t.ConsumedAt != nil || !t.ExpiresAt.After(now) {
		return nil, auth.ErrNotFound
	}
	t.ConsumedAt = &now
	cp := *t
	return &cp, nil
}
