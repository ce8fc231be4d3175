package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("ledger: token not found")
	ErrExpired       = errors.New("ledger: token expired")
	ErrReuseDetected = errors.New("ledger: token reuse detected")

	// ErrStateConflict is returned by stores when a conditional transition
	// finds the row already moved past the expected state.
	ErrStateConflict = errors.New("ledger: state conflict")
)

// TokenState is the lifecycle position of one refresh token.
type TokenState string

const (
	TokenActive   TokenState = "active"
	TokenConsumed TokenState = "consumed"
	TokenRevoked  TokenState = "revoked"
)

// Family chains every refresh token descending from one login. Revocation is
// family-wide and terminal.
type Family struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	DeviceID       string     `json:"device_id"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CompromisedAt  *time.Time `json:"compromised_at,omitempty"`
}

// Token is one link in a family chain. Only the digest of the secret is ever
// stored; the raw credential exists client-side only.
type Token struct {
	ID         string     `json:"id"`
	FamilyID   string     `json:"family_id"`
	ParentID   string     `json:"parent_id,omitempty"`
	SecretHash string     `json:"-"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// State derives the token's lifecycle position. Revocation dominates
// consumption, which dominates active.
func (t *Token) State() TokenState {
	switch {
	case t.RevokedAt != nil:
		return TokenRevoked
	case t.ConsumedAt != nil:
		return TokenConsumed
	default:
		return TokenActive
	}
}

// DeviceStatus is the lifecycle state of a device record.
type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

// Device identifies the client a family is bound to. LastSeenAt advances on
// every successful rotation and feeds the inactivity sweep; a revoked device
// goes back to active on the next login from it.
type Device struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	Name       string       `json:"name,omitempty"`
	Status     DeviceStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}
