package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract for token families and devices. Every
// state transition is conditional on the expected prior state so that
// concurrent writers are forced into exactly one winner.
type Store interface {
	// CreateFamily persists the family and its first token atomically.
	CreateFamily(ctx context.Context, fam *Family, first *Token) error

	// FindToken returns the token and its family.
	FindToken(ctx context.Context, tokenID string) (*Token, *Family, error)

	// ConsumeAndIssue marks prev consumed and inserts next in one atomic
	// step, conditional on prev still being active. A prev already
	// consumed or revoked yields ErrStateConflict and no insert.
	ConsumeAndIssue(ctx context.Context, prevID string, next *Token) error

	// RevokeFamily revokes the family and every unconsumed token in it,
	// successors included. Idempotent.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) error

	// MarkFamilyCompromised flags the family for reuse forensics. It does
	// not revoke by itself.
	MarkFamilyCompromised(ctx context.Context, familyID string, at time.Time) error

	RevokeDeviceTokens(ctx context.Context, userID, deviceID string, at time.Time) error
	RevokeUserTokens(ctx context.Context, userID string, at time.Time) error
	RevokeUserOrgTokens(ctx context.Context, userID, orgID string, at time.Time) error
	RevokeOrgTokens(ctx context.Context, orgID string, at time.Time) error
	RevokeAllTokens(ctx context.Context, at time.Time) error

	UpsertDevice(ctx context.Context, d *Device) error
	TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error
	ListDevices(ctx context.Context, userID string) ([]*Device, error)
	// StaleDevices returns devices not seen since the cutoff.
	StaleDevices(ctx context.Context, cutoff time.Time) ([]*Device, error)
}
