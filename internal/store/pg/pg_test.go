package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"sentra.org/internal/auth"
	"sentra.org/internal/ledger"
)

func uniqueViolation() error {
	return &pgconn.PgError{Code: pgErrUniqueViolation}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewWithDB(db), mock
}

func TestConsumeAndIssueWinner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	next := &ledger.Token{
		ID:         "tok-next",
		FamilyID:   "fam-1",
		ParentID:   "tok-prev",
		SecretHash: "digest",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens").
		WithArgs("tok-prev", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("tok-next", "fam-1", sqlmock.AnyArg(), "digest", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.ConsumeAndIssue(context.Background(), "tok-prev", next); err != nil {
		t.Fatalf("consume and issue: %v", err)
	}
}

func TestConsumeAndIssueLoserGetsStateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	next := &ledger.Token{ID: "tok-next", FamilyID: "fam-1", ParentID: "tok-prev"}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens").
		WithArgs("tok-prev", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ConsumeAndIssue(context.Background(), "tok-prev", next)
	if !errors.Is(err, ledger.ErrStateConflict) {
		t.Fatalf("err = %v, want ErrStateConflict", err)
	}
}

func TestActivateMembershipRequiresPendingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update org_memberships").
		WithArgs("user-1", "org-1", string(auth.MembershipActive), string(auth.MembershipPending)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ActivateMembership(context.Background(), "user-1", "org-1")
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestActivateMembership(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update org_memberships").
		WithArgs("user-1", "org-1", string(auth.MembershipActive), string(auth.MembershipPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ActivateMembership(context.Background(), "user-1", "org-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestUserPermissionsScopedByOrganization(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select distinct p.key").
		WithArgs("user-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).
			AddRow("project:create").
			AddRow("project:view"))

	keys, err := store.UserPermissions(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("user permissions: %v", err)
	}
	if len(keys) != 2 || keys[0] != "project:create" || keys[1] != "project:view" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestConsumeResetTokenSingleUse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update password_reset_tokens").
		WithArgs("reset-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := store.ConsumeResetToken(context.Background(), "reset-1", time.Now().UTC())
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestArchiveOrganizationRevokesMembershipsTransactionally(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update organizations").
		WithArgs("org-1", auth.OrgStatusArchived).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update org_memberships").
		WithArgs("org-1", string(auth.MembershipRevoked)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	if err := store.ArchiveOrganization(context.Background(), "org-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
}

func TestArchiveOrganizationMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update organizations").
		WithArgs("org-404", auth.OrgStatusArchived).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("org-404").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := store.ArchiveOrganization(context.Background(), "org-404")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateUserConflictOnDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into users").
		WithArgs("user-1", "a@b.c", "hash", auth.UserStatusActive, now, now).
		WillReturnError(uniqueViolation())

	err := store.CreateUser(context.Background(), &auth.User{
		ID: "user-1", Email: "a@b.c", PasswordHash: "hash",
		Status: auth.UserStatusActive, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}
