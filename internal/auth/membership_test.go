package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeMembershipStore struct {
	mu          sync.Mutex
	rows        map[string]*Membership
	activateErr error
	findErr     error
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{rows: make(map[string]*Membership)}
}

func membershipKey(userID, orgID string) string { return userID + "/" + orgID }

func (s *fakeMembershipStore) CreateMembership(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey(m.UserID, m.OrganizationID)
	if _, ok := s.rows[key]; ok {
		return ErrConflict
	}
	cp := *m
	s.rows[key] = &cp
	return nil
}

func (s *fakeMembershipStore) FindMembership(ctx context.Context, userID, orgID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	m, ok := s.rows[membershipKey(userID, orgID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMembershipStore) ActivateMembership(ctx context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activateErr != nil {
		// Lose the conditional update while the winner's write lands.
		if m, ok := s.rows[membershipKey(userID, orgID)]; ok {
			m.Status = MembershipActive
		}
		return s.activateErr
	}
	m, ok := s.rows[membershipKey(userID, orgID)]
	if !ok {
		return ErrNotFound
	}
	if m.Status != MembershipPending {
		return ErrConflict
	}
	m.Status = MembershipActive
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeMembershipStore) RevokeMembership(ctx context.Context, userID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[membershipKey(userID, orgID)]
	if !ok {
		return ErrNotFound
	}
	m.Status = MembershipRevoked
	return nil
}

func (s *fakeMembershipStore) ListMembershipsByOrg(ctx context.Context, orgID string) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Membership
	for _, m := range s.rows {
		if m.OrganizationID == orgID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func TestMembershipResolveUnknownPair(t *testing.T) {
	r := NewMembershipResolver(newFakeMembershipStore())
	status, err := r.Resolve(context.Background(), "user-1", "org-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if status != MembershipNone {
		t.Fatalf("status = %q, want %q", status, MembershipNone)
	}
}

func TestMembershipInviteAndAccept(t *testing.T) {
	ctx := context.Background()
	store := newFakeMembershipStore()
	r := NewMembershipResolver(store)

	if _, err := r.Invite(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	status, err := r.Resolve(ctx, "user-1", "org-1")
	if err != nil || status != MembershipPending {
		t.Fatalf("after invite: status=%q err=%v", status, err)
	}

	m, err := r.AcceptInvitation(ctx, "user-1", "org-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Status != MembershipActive {
		t.Fatalf("status after accept = %q", m.Status)
	}

	// Accepting twice is a no-op, not an error.
	m2, err := r.AcceptInvitation(ctx, "user-1", "org-1")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if m2.Status != MembershipActive {
		t.Fatalf("status after second accept = %q", m2.Status)
	}
}

func TestMembershipInviteTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	r := NewMembershipResolver(newFakeMembershipStore())
	if _, err := r.Invite(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := r.Invite(ctx, "user-1", "org-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second invite err = %v, want ErrConflict", err)
	}
}

func TestMembershipAcceptWithoutInvitation(t *testing.T) {
	r := NewMembershipResolver(newFakeMembershipStore())
	if _, err := r.AcceptInvitation(context.Background(), "user-1", "org-1"); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("err = %v, want ErrNotInvited", err)
	}
}

func TestMembershipAcceptRevoked(t *testing.T) {
	ctx := context.Background()
	store := newFakeMembershipStore()
	r := NewMembershipResolver(store)
	if _, err := r.Invite(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := r.Revoke(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.AcceptInvitation(ctx, "user-1", "org-1"); !errors.Is(err, ErrNotInvited) {
		t.Fatalf("err = %v, want ErrNotInvited", err)
	}
	status, err := r.Resolve(ctx, "user-1", "org-1")
	if err != nil || status != MembershipRevoked {
		t.Fatalf("status=%q err=%v", status, err)
	}
}

func TestMembershipAcceptSettlesConcurrentRace(t *testing.T) {
	ctx := context.Background()
	store := newFakeMembershipStore()
	r := NewMembershipResolver(store)
	if _, err := r.Invite(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	// Lose the conditional update to a concurrent acceptance; the re-read
	// must settle on the active row instead of failing.
	store.activateErr = ErrConflict

	m, err := r.AcceptInvitation(ctx, "user-1", "org-1")
	if err != nil {
		t.Fatalf("accept after race: %v", err)
	}
	if m.Status != MembershipActive {
		t.Fatalf("status = %q", m.Status)
	}
}

func TestMembershipResolvePropagatesStorageErrors(t *testing.T) {
	store := newFakeMembershipStore()
	store.findErr = errors.New("connection refused")
	r := NewMembershipResolver(store)
	if _, err := r.Resolve(context.Background(), "user-1", "org-1"); err == nil {
		t.Fatal("expected storage error to propagate")
	}
}
