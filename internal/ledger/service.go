package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/ids"
	"sentra.org/internal/obs"
)

const secretBytes = 32

// Service drives the refresh token lifecycle: issue on login, rotate on
// refresh, revoke on logout and on every reuse signal. Presented tokens are
// "<token_id>.<secret>"; the service stores only the secret's digest.
type Service struct {
	store Store
	ttl   time.Duration
	sink  audit.Sink
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAuditSink attaches an audit sink for token lifecycle events.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// NewService wires the store. ttl is the refresh token lifetime; expiry is
// strict, without skew tolerance.
func NewService(store Store, ttl time.Duration, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ledger: refresh ttl must be positive")
	}
	s := &Service{store: store, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue starts a new family for the user on the device and returns the raw
// credential of its first token.
func (s *Service) Issue(ctx context.Context, userID, orgID, deviceID string) (string, *Token, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return "", nil, errors.New("ledger: user_id and device_id are required")
	}
	now := s.now().UTC()

	if err := s.store.UpsertDevice(ctx, &Device{
		ID:         deviceID,
		UserID:     userID,
		Status:     DeviceActive,
		CreatedAt:  now,
		LastSeenAt: now,
	}); err != nil {
		return "", nil, fmt.Errorf("ledger: upsert device: %w", err)
	}

	raw, tok, err := s.mint("", now)
	if err != nil {
		return "", nil, err
	}
	fam := &Family{
		ID:             ids.New(),
		UserID:         userID,
		OrganizationID: strings.TrimSpace(orgID),
		DeviceID:       deviceID,
		CreatedAt:      now,
	}
	tok.FamilyID = fam.ID
	if err := s.store.CreateFamily(ctx, fam, tok); err != nil {
		return "", nil, fmt.Errorf("ledger: create family: %w", err)
	}
	return raw, tok, nil
}

// Rotate consumes the presented token and issues its successor. Exactly one
// of two concurrent rotations of the same token wins; the loser observes the
// consumed state, which revokes the whole family including the winner's fresh
// token.
func (s *Service) Rotate(ctx context.Context, presented string) (string, *Token, *Family, error) {
	tokenID, secret, ok := splitPresented(presented)
	if !ok {
		obs.RefreshRotation("invalid")
		return "", nil, nil, ErrNotFound
	}
	tok, fam, err := s.store.FindToken(ctx, tokenID)
	if err != nil {
		obs.RefreshRotation("invalid")
		return "", nil, nil, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(digest(secret)), []byte(tok.SecretHash)) != 1 {
		obs.RefreshRotation("invalid")
		return "", nil, nil, ErrNotFound
	}
	now := s.now().UTC()

	// Strict expiry: no skew tolerance on refresh tokens. Checked before the
	// state so replaying a token that is past its lifetime reports Expired
	// rather than triggering family revocation.
	if !now.Before(tok.ExpiresAt) {
		obs.RefreshRotation("expired")
		return "", nil, nil, ErrExpired
	}

	if tok.State() != TokenActive {
		// Consumed or revoked: either way the credential is being replayed.
		return "", nil, nil, s.handleReuse(ctx, fam, tok, now)
	}

	raw, next, err := s.mint(tok.ID, now)
	if err != nil {
		return "", nil, nil, err
	}
	next.FamilyID = fam.ID
	if err := s.store.ConsumeAndIssue(ctx, tok.ID, next); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Lost the race to a concurrent rotation of the same token.
			return "", nil, nil, s.handleReuse(ctx, fam, tok, now)
		}
		obs.RefreshRotation("error")
		return "", nil, nil, fmt.Errorf("ledger: rotate: %w", err)
	}

	if err := s.store.TouchDevice(ctx, fam.UserID, fam.DeviceID, now); err != nil {
		obs.LogError("ledger touch device failed", map[string]any{
			"user_id":   fam.UserID,
			"device_id": fam.DeviceID,
			"error":     err.Error(),
		})
	}
	obs.RefreshRotation("ok")
	return raw, next, fam, nil
}

// handleReuse treats presentation of a consumed or revoked token as theft
// evidence: mark the family compromised and revoke every token in it,
// successors included.
func (s *Service) handleReuse(ctx context.Context, fam *Family, tok *Token, now time.Time) error {
	obs.RefreshRotation("reuse")
	if err := s.store.MarkFamilyCompromised(ctx, fam.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
		obs.LogError("ledger mark compromised failed", map[string]any{
			"family_id": fam.ID,
			"error":     err.Error(),
		})
	}
	if err := s.store.RevokeFamily(ctx, fam.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
		obs.LogError("ledger revoke family failed", map[string]any{
			"family_id": fam.ID,
			"error":     err.Error(),
		})
	}
	s.event(ctx, audit.Entry{
		EventType: "token.reuse_detected",
		UserID:    fam.UserID,
		OrgID:     fam.OrganizationID,
		Outcome:   "deny",
		Fields: map[string]any{
			"family_id": fam.ID,
			"token_id":  tok.ID,
			"device_id": fam.DeviceID,
		},
	})
	return ErrReuseDetected
}

// RevokeFamily ends the family holding the presented token, as on logout.
func (s *Service) RevokeFamily(ctx context.Context, presented string) error {
	tokenID, secret, ok := splitPresented(presented)
	if !ok {
		return ErrNotFound
	}
	tok, fam, err := s.store.FindToken(ctx, tokenID)
	if err != nil {
		return ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(digest(secret)), []byte(tok.SecretHash)) != 1 {
		return ErrNotFound
	}
	now := s.now().UTC()
	if err := s.store.RevokeFamily(ctx, fam.ID, now); err != nil {
		return err
	}
	s.event(ctx, audit.Entry{
		EventType: "token.family_revoked",
		UserID:    fam.UserID,
		OrgID:     fam.OrganizationID,
		Outcome:   "ok",
		Fields:    map[string]any{"family_id": fam.ID},
	})
	return nil
}

// RevokeDevice ends every family bound to the device.
func (s *Service) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	return s.store.RevokeDeviceTokens(ctx, userID, deviceID, s.now().UTC())
}

// RevokeUser ends every family of the user across all devices, as on
// logout-all or password reset.
func (s *Service) RevokeUser(ctx context.Context, userID string) error {
	if err := s.store.RevokeUserTokens(ctx, userID, s.now().UTC()); err != nil {
		return err
	}
	s.event(ctx, audit.Entry{
		EventType: "token.user_revoked",
		UserID:    userID,
		Outcome:   "ok",
	})
	return nil
}

// RevokeUserOrg ends the user's families bound to one organization.
func (s *Service) RevokeUserOrg(ctx context.Context, userID, orgID string) error {
	return s.store.RevokeUserOrgTokens(ctx, userID, orgID, s.now().UTC())
}

// RevokeOrg ends every family bound to the organization, as on archival.
func (s *Service) RevokeOrg(ctx context.Context, orgID string) error {
	if err := s.store.RevokeOrgTokens(ctx, orgID, s.now().UTC()); err != nil {
		return err
	}
	s.event(ctx, audit.Entry{
		EventType: "token.org_revoked",
		OrgID:     orgID,
		Outcome:   "ok",
	})
	return nil
}

// RevokeAll ends every family in the system. Break-glass only.
func (s *Service) RevokeAll(ctx context.Context) error {
	if err := s.store.RevokeAllTokens(ctx, s.now().UTC()); err != nil {
		return err
	}
	s.event(ctx, audit.Entry{
		EventType: "token.global_revoked",
		Outcome:   "ok",
	})
	return nil
}

// Devices lists the user's known devices.
func (s *Service) Devices(ctx context.Context, userID string) ([]*Device, error) {
	return s.store.ListDevices(ctx, userID)
}

// SweepInactiveDevices revokes tokens of devices silent for longer than the
// window. Returns how many devices were swept.
func (s *Service) SweepInactiveDevices(ctx context.Context, window time.Duration) (int, error) {
	now := s.now().UTC()
	stale, err := s.store.StaleDevices(ctx, now.Add(-window))
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, d := range stale {
		if err := s.store.RevokeDeviceTokens(ctx, d.UserID, d.ID, now); err != nil {
			obs.LogError("ledger device sweep failed", map[string]any{
				"user_id":   d.UserID,
				"device_id": d.ID,
				"error":     err.Error(),
			})
			continue
		}
		swept++
	}
	return swept, nil
}

// StartSweeper runs the inactivity sweep on the interval until the returned
// stop function is called.
func (s *Service) StartSweeper(interval, window time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.SweepInactiveDevices(ctx, window); err != nil {
					obs.LogError("ledger sweep run failed", map[string]any{"error": err.Error()})
				} else if n > 0 {
					obs.LogRequest(map[string]any{"msg": "swept inactive devices", "count": n})
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Service) mint(parentID string, now time.Time) (string, *Token, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("ledger: mint secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	tok := &Token{
		ID:         ids.New(),
		ParentID:   parentID,
		SecretHash: digest(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}
	return tok.ID + "." + secret, tok, nil
}

func (s *Service) event(ctx context.Context, e audit.Entry) {
	if s.sink == nil {
		return
	}
	s.sink.Event(ctx, e)
}

func splitPresented(raw string) (id, secret string, ok bool) {
	raw = strings.TrimSpace(raw)
	i := strings.IndexByte(raw, '.')
	if i <= 0 || i == len(raw)-1 {
		return "", "", false
	}
	id, secret = raw[:i], raw[i+1:]
	if !ids.Valid(id) {
		return "", "", false
	}
	return id, secret, true
}

func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
