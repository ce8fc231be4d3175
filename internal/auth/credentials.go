package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"sentra.org/internal/ids"
)

const defaultResetTTL = 30 * time.Minute

// Credentials validates passwords and drives the password reset flow.
// Plaintext passwords never reach the audit log.
type Credentials struct {
	users  UserStore
	resets ResetTokenStore

	resetTTL time.Duration
	now      func() time.Time
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithResetTTL overrides the reset token lifetime.
func WithResetTTL(ttl time.Duration) CredentialsOption {
	return func(c *Credentials) {
		if ttl > 0 {
			c.resetTTL = ttl
		}
	}
}

// WithCredentialsClock overrides the time source.
func WithCredentialsClock(fn func() time.Time) CredentialsOption {
	return func(c *Credentials) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCredentials wires the credential store.
func NewCredentials(users UserStore, resets ResetTokenStore, opts ...CredentialsOption) *Credentials {
	c := &Credentials{
		users:    users,
		resets:   resets,
		resetTTL: defaultResetTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate checks email and password. Every failure collapses to
// ErrUnauthenticated so callers cannot distinguish unknown users from wrong
// passwords.
func (c *Credentials) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrUnauthenticated
	}
	user, err := c.users.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if user.Status != UserStatusActive {
		return nil, ErrUnauthenticated
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// ChangePassword verifies the current password before storing a new hash.
func (c *Credentials) ChangePassword(ctx context.Context, userID, current, next string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || next == "" {
		return ErrInvalidInput
	}
	user, err := c.users.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrUnauthenticated
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return c.users.UpdateUserPassword(ctx, userID, hash)
}

// RequestPasswordReset creates a single-use reset token for the account. The
// returned plaintext is delivered out of band; only its digest is stored. For
// unknown or disabled accounts it returns empty output with no error, so the
// endpoint cannot be used to probe for accounts.
func (c *Credentials) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", ErrInvalidInput
	}
	user, err := c.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if user.Status != UserStatusActive {
		return "", nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	now := c.now().UTC()
	rec := &ResetToken{
		ID:        ids.New(),
		UserID:    user.ID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(c.resetTTL),
		CreatedAt: now,
	}
	if err := c.resets.CreateResetToken(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID + "." + secret, nil
}

// ResetPassword consumes a reset token and stores the new password hash.
// Returns the affected user id so callers can revoke that user's sessions.
func (c *Credentials) ResetPassword(ctx context.Context, token, password string) (string, error) {
	if password == "" {
		return "", ErrInvalidInput
	}
	id, secret, err := splitPresentedToken(token)
	if err != nil {
		return "", ErrUnauthenticated
	}
	rec, err := c.resets.ConsumeResetToken(ctx, id, c.now().UTC())
	if err != nil {
		return "", ErrUnauthenticated
	}
	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(hex.EncodeToString(sum[:]))) != 1 {
		return "", ErrUnauthenticated
	}
	hash, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := c.users.UpdateUserPassword(ctx, rec.UserID, hash); err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// splitPresentedToken parses the "<id>.<secret>" wire form shared by reset
// and refresh tokens.
func splitPresentedToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid token format")
	}
	return parts[0], parts[1], nil
}
