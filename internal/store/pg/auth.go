package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentra.org/internal/auth"
	"sentra.org/internal/ids"
)

var _ auth.Store = (*Store)(nil)

func (s *Store) CreateUser(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.PasswordHash, u.Status, u.CreatedAt, u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) FindUser(ctx context.Context, id string) (*auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, created_at, updated_at
		from users
		where id = $1
	`, id))
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		select id, email, password_hash, status, created_at, updated_at
		from users
		where email = $1
	`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now() where id = $1
	`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CreateOrganization(ctx context.Context, org *auth.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into organizations (id, name, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, org.ID, org.Name, org.Status, org.CreatedAt, org.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) FindOrganization(ctx context.Context, id string) (*auth.Organization, error) {
	var org auth.Organization
	err := s.db.QueryRowContext(ctx, `
		select id, name, status, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Status, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*auth.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, status, created_at, updated_at
		from organizations
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Organization
	for rows.Next() {
		var org auth.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Status, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &org)
	}
	return result, rows.Err()
}

// ArchiveOrganization flips status and revokes every membership in one
// transaction so no request can observe an archived org with live members.
func (s *Store) ArchiveOrganization(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update organizations set status = $2, updated_at = now()
		where id = $1 and status <> $2
	`, id, auth.OrgStatusArchived)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Missing or already archived; distinguish for the caller.
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from organizations where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return auth.ErrNotFound
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		update org_memberships set status = $2, updated_at = now()
		where organization_id = $1 and status <> $2
	`, id, auth.MembershipRevoked); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateMembership(ctx context.Context, m *auth.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into org_memberships (user_id, organization_id, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, m.UserID, m.OrganizationID, m.Status, m.CreatedAt, m.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s *Store) FindMembership(ctx context.Context, userID, orgID string) (*auth.Membership, error) {
	var m auth.Membership
	err := s.db.QueryRowContext(ctx, `
		select user_id, organization_id, status, created_at, updated_at
		from org_memberships
		where user_id = $1 and organization_id = $2
	`, userID, orgID).Scan(&m.UserID, &m.OrganizationID, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActivateMembership is conditional on the pending state so concurrent
// acceptances produce exactly one transition.
func (s *Store) ActivateMembership(ctx context.Context, userID, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		update org_memberships set status = $3, updated_at = now()
		where user_id = $1 and organization_id = $2 and status = $4
	`, userID, orgID, auth.MembershipActive, auth.MembershipPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *Store) RevokeMembership(ctx context.Context, userID, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		update org_memberships set status = $3, updated_at = now()
		where user_id = $1 and organization_id = $2 and status <> $3
	`, userID, orgID, auth.MembershipRevoked)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListMembershipsByOrg(ctx context.Context, orgID string) ([]*auth.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, organization_id, status, created_at, updated_at
		from org_memberships
		where organization_id = $1
		order by created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Membership
	for rows.Next() {
		var m auth.Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, role *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, organization_id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, role.ID, role.OrganizationID, role.Name, role.Description, role.CreatedAt, role.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s *Store) FindRole(ctx context.Context, id string) (*auth.Role, error) {
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, organization_id, name, description, created_at, updated_at
		from roles
		where id = $1
	`, id).Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *Store) ListRolesByOrg(ctx context.Context, orgID string) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, name, description, created_at, updated_at
		from roles
		where organization_id = $1
		order by name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &role)
	}
	return result, rows.Err()
}

func (s *Store) DeleteRole(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from user_roles where role_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AssignRole(ctx context.Context, a auth.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, organization_id, created_at)
		values ($1, $2, $3, $4)
	`, a.UserID, a.RoleID, a.OrganizationID, a.CreatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func (s *Store) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListAssignments(ctx context.Context, userID string) ([]auth.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, organization_id, created_at
		from user_roles
		where user_id = $1
		order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Assignment
	for rows.Next() {
		var a auth.Assignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.OrganizationID, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id from user_roles where role_id = $1
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, key, description, created_at)
			values ($1, $2, $3, now())
			on conflict (key) do nothing
		`, id, p.Key, p.Description); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Key, err)
		}
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key, description, created_at
		from permissions
		order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// SetRolePermissions replaces the grant set atomically.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where key = $2
		`, roleID, key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: unknown permission %s", auth.ErrInvalidInput, key)
		}
	}
	return tx.Commit()
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.key, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UserPermissions computes the effective key set. The organization filter on
// roles keeps grants from leaking across tenants.
func (s *Store) UserPermissions(ctx context.Context, userID, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from user_roles ur
		join roles r on r.id = ur.role_id and r.organization_id = $2
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
		order by p.key
	`, userID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) CreateResetToken(ctx context.Context, t *auth.ResetToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

// ConsumeResetToken is a single-shot conditional update; a second consumer of
// the same token observes zero rows.
func (s *Store) ConsumeResetToken(ctx context.Context, id string, now time.Time) (*auth.ResetToken, error) {
	var t auth.ResetToken
	err := s.db.QueryRowContext(ctx, `
		update password_reset_tokens
		set consumed_at = $2
		where id = $1 and consumed_at is null and expires_at > $2
		returning id, user_id, token_hash, expires_at, created_at, consumed_at
	`, id, now).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.ConsumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
