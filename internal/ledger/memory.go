package ledger

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. The API
// server uses the Postgres store; this one backs tests and local runs.
type InMemory struct {
	mu       sync.Mutex
	families map[string]*Family
	tokens   map[string]*Token
	devices  map[string]*Device // userID/deviceID
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		families: make(map[string]*Family),
		tokens:   make(map[string]*Token),
		devices:  make(map[string]*Device),
	}
}

func deviceKey(userID, deviceID string) string { return userID + "/" + deviceID }

func (s *InMemory) CreateFamily(ctx context.Context, fam *Family, first *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	famCopy := *fam
	tokCopy := *first
	s.families[fam.ID] = &famCopy
	s.tokens[first.ID] = &tokCopy
	return nil
}

func (s *InMemory) FindToken(ctx context.Context, tokenID string) (*Token, *Family, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	fam, ok := s.families[tok.FamilyID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	tokCopy := *tok
	famCopy := *fam
	return &tokCopy, &famCopy, nil
}

func (s *InMemory) ConsumeAndIssue(ctx context.Context, prevID string, next *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tokens[prevID]
	if !ok {
		return ErrNotFound
	}
	if prev.State() != TokenActive {
		return ErrStateConflict
	}
	now := next.IssuedAt
	prev.ConsumedAt = &now
	cp := *next
	s.tokens[next.ID] = &cp
	return nil
}

func (s *InMemory) RevokeFamily(ctx context.Context, familyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam, ok := s.families[familyID]
	if !ok {
		return ErrNotFound
	}
	if fam.RevokedAt == nil {
		fam.RevokedAt = &at
	}
	for _, tok := range s.tokens {
		if tok.FamilyID == familyID && tok.RevokedAt == nil {
			t := at
			tok.RevokedAt = &t
		}
	}
	return nil
}

func (s *InMemory) MarkFamilyCompromised(ctx context.Context, familyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fam, ok := s.families[familyID]
	if !ok {
		return ErrNotFound
	}
	if fam.CompromisedAt == nil {
		fam.CompromisedAt = &at
	}
	return nil
}

func (s *InMemory) RevokeDeviceTokens(ctx context.Context, userID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fam := range s.families {
		if fam.UserID == userID && fam.DeviceID == deviceID {
			s.revokeFamilyLocked(fam, at)
		}
	}
	if d, ok := s.devices[deviceKey(userID, deviceID)]; ok {
		d.Status = DeviceRevoked
	}
	return nil
}

func (s *InMemory) RevokeUserTokens(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fam := range s.families {
		if fam.UserID == userID {
			s.revokeFamilyLocked(fam, at)
		}
	}
	return nil
}

func (s *InMemory) RevokeUserOrgTokens(ctx context.Context, userID, orgID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fam := range s.families {
		if fam.UserID == userID && fam.OrganizationID == orgID {
			s.revokeFamilyLocked(fam, at)
		}
	}
	return nil
}

func (s *InMemory) RevokeOrgTokens(ctx context.Context, orgID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fam := range s.families {
		if fam.OrganizationID == orgID {
			s.revokeFamilyLocked(fam, at)
		}
	}
	return nil
}

func (s *InMemory) RevokeAllTokens(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fam := range s.families {
		s.revokeFamilyLocked(fam, at)
	}
	return nil
}

func (s *InMemory) revokeFamilyLocked(fam *Family, at time.Time) {
	if fam.RevokedAt == nil {
		t := at
		fam.RevokedAt = &t
	}
	for _, tok := range s.tokens {
		if tok.FamilyID == fam.ID && tok.RevokedAt == nil {
			t := at
			tok.RevokedAt = &t
		}
	}
}

func (s *InMemory) UpsertDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deviceKey(d.UserID, d.ID)
	if cur, ok := s.devices[key]; ok {
		cur.LastSeenAt = d.LastSeenAt
		cur.Status = d.Status
		if d.Name != "" {
			cur.Name = d.Name
		}
		return nil
	}
	cp := *d
	s.devices[key] = &cp
	return nil
}

func (s *InMemory) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceKey(userID, deviceID)]
	if !ok {
		return ErrNotFound
	}
	if at.After(d.LastSeenAt) {
		d.LastSeenAt = at
	}
	return nil
}

func (s *InMemory) ListDevices(ctx context.Context, userID string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, d := range s.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemory) StaleDevices(ctx context.Context, cutoff time.Time) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, d := range s.devices {
		if d.Status == DeviceActive && d.LastSeenAt.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}
