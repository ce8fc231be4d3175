package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"sentra.org/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

func (s *Store) CreateFamily(ctx context.Context, fam *ledger.Family, first *ledger.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_token_families (id, user_id, organization_id, device_id, created_at)
		values ($1, $2, $3, $4, $5)
	`, fam.ID, fam.UserID, nullIfEmpty(fam.OrganizationID), fam.DeviceID, fam.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, family_id, parent_id, secret_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, first.ID, fam.ID, nullIfEmpty(first.ParentID), first.SecretHash, first.IssuedAt, first.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindToken(ctx context.Context, tokenID string) (*ledger.Token, *ledger.Family, error) {
	var (
		tok    ledger.Token
		fam    ledger.Family
		parent sql.NullString
		orgID  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select t.id, t.family_id, t.parent_id, t.secret_hash,
		       t.issued_at, t.expires_at, t.consumed_at, t.revoked_at,
		       f.id, f.user_id, f.organization_id, f.device_id,
		       f.created_at, f.revoked_at, f.compromised_at
		from refresh_tokens t
		join refresh_token_families f on f.id = t.family_id
		where t.id = $1
	`, tokenID).Scan(
		&tok.ID, &tok.FamilyID, &parent, &tok.SecretHash,
		&tok.IssuedAt, &tok.ExpiresAt, &tok.ConsumedAt, &tok.RevokedAt,
		&fam.ID, &fam.UserID, &orgID, &fam.DeviceID,
		&fam.CreatedAt, &fam.RevokedAt, &fam.CompromisedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	tok.ParentID = parent.String
	fam.OrganizationID = orgID.String
	return &tok, &fam, nil
}

// ConsumeAndIssue marks the predecessor consumed conditional on it still
// being live, then inserts the successor in the same transaction. Zero rows
// on the update means another rotation won.
func (s *Store) ConsumeAndIssue(ctx context.Context, prevID string, next *ledger.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens
		set consumed_at = $2
		where id = $1 and consumed_at is null and revoked_at is null
	`, prevID, next.IssuedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrStateConflict
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens (id, family_id, parent_id, secret_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, next.ID, next.FamilyID, nullIfEmpty(next.ParentID), next.SecretHash, next.IssuedAt, next.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update refresh_token_families set revoked_at = coalesce(revoked_at, $2)
		where id = $1
	`, familyID, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $2
		where family_id = $1 and revoked_at is null
	`, familyID, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MarkFamilyCompromised(ctx context.Context, familyID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_token_families set compromised_at = coalesce(compromised_at, $2)
		where id = $1
	`, familyID, at)
	return err
}

func (s *Store) RevokeDeviceTokens(ctx context.Context, userID, deviceID string, at time.Time) error {
	if err := s.revokeFamilies(ctx, `f.user_id = $2 and f.device_id = $3`, at, userID, deviceID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		update devices set status = $3
		where user_id = $1 and id = $2
	`, userID, deviceID, ledger.DeviceRevoked)
	return err
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID string, at time.Time) error {
	return s.revokeFamilies(ctx, `f.user_id = $2`, at, userID)
}

func (s *Store) RevokeUserOrgTokens(ctx context.Context, userID, orgID string, at time.Time) error {
	return s.revokeFamilies(ctx, `f.user_id = $2 and f.organization_id = $3`, at, userID, orgID)
}

func (s *Store) RevokeOrgTokens(ctx context.Context, orgID string, at time.Time) error {
	return s.revokeFamilies(ctx, `f.organization_id = $2`, at, orgID)
}

func (s *Store) RevokeAllTokens(ctx context.Context, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update refresh_token_families set revoked_at = coalesce(revoked_at, $1)
	`, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = $1 where revoked_at is null
	`, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) revokeFamilies(ctx context.Context, cond string, at time.Time, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	famQuery := `update refresh_token_families f set revoked_at = coalesce(f.revoked_at, $1) where ` + cond
	tokQuery := `update refresh_tokens t set revoked_at = $1
		from refresh_token_families f
		where f.id = t.family_id and t.revoked_at is null and ` + cond

	all := append([]any{at}, args...)
	if _, err := tx.ExecContext(ctx, famQuery, all...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tokQuery, all...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpsertDevice(ctx context.Context, d *ledger.Device) error {
	_, err := s.db.ExecContext(ctx, `
		insert into devices (id, user_id, name, status, created_at, last_seen_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id, user_id) do update
		set last_seen_at = greatest(devices.last_seen_at, excluded.last_seen_at),
		    status = excluded.status,
		    name = case when excluded.name <> '' then excluded.name else devices.name end
	`, d.ID, d.UserID, d.Name, d.Status, d.CreatedAt, d.LastSeenAt)
	return err
}

func (s *Store) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update devices set last_seen_at = greatest(last_seen_at, $3)
		where user_id = $1 and id = $2
	`, userID, deviceID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]*ledger.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, name, status, created_at, last_seen_at
		from devices
		where user_id = $1
		order by last_seen_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.Device
	for rows.Next() {
		var d ledger.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func (s *Store) StaleDevices(ctx context.Context, cutoff time.Time) ([]*ledger.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, name, status, created_at, last_seen_at
		from devices
		where status = $2 and last_seen_at < $1
	`, cutoff, ledger.DeviceActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ledger.Device
	for rows.Next() {
		var d ledger.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

func nullIfEmpty(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
