package revocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentra.org/internal/auth"
	"sentra.org/internal/cache"
	"sentra.org/internal/ledger"
	"sentra.org/internal/queue"
)

type stubPermissionStore struct {
	mu     sync.Mutex
	grants map[string][]string
	calls  int
}

func newStubPermissionStore() *stubPermissionStore {
	return &stubPermissionStore{grants: make(map[string][]string)}
}

func (s *stubPermissionStore) grant(userID, orgID string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID+"/"+orgID] = keys
}

func (s *stubPermissionStore) UserPermissions(ctx context.Context, userID, orgID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.grants[userID+"/"+orgID], nil
}

func (s *stubPermissionStore) storeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubPermissionStore) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	return nil
}

func (s *stubPermissionStore) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	return nil, nil
}

func (s *stubPermissionStore) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	return nil
}

func (s *stubPermissionStore) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	return nil, nil
}

type stubMembershipStore struct {
	mu   sync.Mutex
	rows map[string][]*auth.Membership // orgID -> members
}

func newStubMembershipStore() *stubMembershipStore {
	return &stubMembershipStore{rows: make(map[string][]*auth.Membership)}
}

func (s *stubMembershipStore) addMember(userID, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[orgID] = append(s.rows[orgID], &auth.Membership{
		UserID:         userID,
		OrganizationID: orgID,
		Status:         auth.MembershipActive,
	})
}

func (s *stubMembershipStore) ListMembershipsByOrg(ctx context.Context, orgID string) ([]*auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*auth.Membership(nil), s.rows[orgID]...), nil
}

func (s *stubMembershipStore) CreateMembership(ctx context.Context, m *auth.Membership) error {
	return nil
}

func (s *stubMembershipStore) FindMembership(ctx context.Context, userID, orgID string) (*auth.Membership, error) {
	return nil, auth.ErrNotFound
}

func (s *stubMembershipStore) ActivateMembership(ctx context.Context, userID, orgID string) error {
	return nil
}

func (s *stubMembershipStore) RevokeMembership(ctx context.Context, userID, orgID string) error {
	return nil
}

type fixture struct {
	coord       *Coordinator
	queue       *queue.Queue
	resolver    *auth.PermissionResolver
	perms       *stubPermissionStore
	tokens      *ledger.Service
	memberships *stubMembershipStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	perms := newStubPermissionStore()
	resolver := auth.NewPermissionResolver(perms, cache.NewMemory(), time.Minute)
	tokens, err := ledger.NewService(ledger.NewInMemory(), 14*24*time.Hour)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	memberships := newStubMembershipStore()
	q := queue.New(1, 3, time.Millisecond)
	q.Start()

	coord, err := New(q, resolver, tokens, memberships, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &fixture{
		coord:       coord,
		queue:       q,
		resolver:    resolver,
		perms:       perms,
		tokens:      tokens,
		memberships: memberships,
	}
}

// drain waits for queued jobs to finish.
func (f *fixture) drain() { f.queue.Close() }

func (f *fixture) warmCache(t *testing.T, userID, orgID string) {
	t.Helper()
	if _, err := f.resolver.Resolve(context.Background(), userID, orgID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
}

func TestRolePermissionsChangedPurgesHolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.perms.grant("user-1", "org-1", "project:view")
	f.perms.grant("user-2", "org-1", "project:view")
	f.warmCache(t, "user-1", "org-1")
	f.warmCache(t, "user-2", "org-1")
	before := f.perms.storeCalls()

	if err := f.coord.RolePermissionsChanged(ctx, "org-1", "role-1", []string{"user-1", "user-2"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.drain()

	f.warmCache(t, "user-1", "org-1")
	f.warmCache(t, "user-2", "org-1")
	if got := f.perms.storeCalls(); got != before+2 {
		t.Fatalf("store calls = %d, want %d (both pairs recomputed)", got, before+2)
	}
}

func TestRolePermissionsChangedEndsHolderSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.perms.grant("user-1", "org-1", "project:view")
	f.warmCache(t, "user-1", "org-1")

	rawHolder, _, err := f.tokens.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rawBystander, _, err := f.tokens.Issue(ctx, "user-3", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue bystander: %v", err)
	}

	if err := f.coord.RolePermissionsChanged(ctx, "org-1", "role-1", []string{"user-1"}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.drain()

	// The holder must log in again to pick up the changed role; an
	// unaffected member's session keeps rotating.
	if _, _, _, err := f.tokens.Rotate(ctx, rawHolder); !errors.Is(err, ledger.ErrReuseDetected) {
		t.Fatalf("holder rotate err = %v, want ErrReuseDetected", err)
	}
	if _, _, _, err := f.tokens.Rotate(ctx, rawBystander); err != nil {
		t.Fatalf("bystander rotate: %v", err)
	}
}

func TestAssignmentChangedPurgesPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.perms.grant("user-1", "org-1", "project:view")
	f.warmCache(t, "user-1", "org-1")
	before := f.perms.storeCalls()

	rawInOrg, _, err := f.tokens.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rawOtherOrg, _, err := f.tokens.Issue(ctx, "user-1", "org-2", "device-1")
	if err != nil {
		t.Fatalf("issue other org: %v", err)
	}

	if err := f.coord.AssignmentChanged(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.drain()

	f.warmCache(t, "user-1", "org-1")
	if got := f.perms.storeCalls(); got != before+1 {
		t.Fatalf("store calls = %d, want %d", got, before+1)
	}
	if _, _, _, err := f.tokens.Rotate(ctx, rawInOrg); !errors.Is(err, ledger.ErrReuseDetected) {
		t.Fatalf("in-org rotate err = %v, want ErrReuseDetected", err)
	}
	if _, _, _, err := f.tokens.Rotate(ctx, rawOtherOrg); err != nil {
		t.Fatalf("other-org rotate: %v", err)
	}
}

func TestMembershipRevokedPurgesAndRevokesOrgSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.warmCache(t, "user-1", "org-1")

	rawInOrg, _, err := f.tokens.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rawOtherOrg, _, err := f.tokens.Issue(ctx, "user-1", "org-2", "device-1")
	if err != nil {
		t.Fatalf("issue other org: %v", err)
	}

	if err := f.coord.MembershipRevoked(ctx, "user-1", "org-1"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.drain()

	if _, _, _, err := f.tokens.Rotate(ctx, rawInOrg); !errors.Is(err, ledger.ErrReuseDetected) {
		t.Fatalf("in-org rotate err = %v, want ErrReuseDetected", err)
	}
	if _, _, _, err := f.tokens.Rotate(ctx, rawOtherOrg); err != nil {
		t.Fatalf("other-org rotate: %v", err)
	}
}

func TestUserDisabledEndsAllSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rawA, _, err := f.tokens.Issue(ctx, "user-1", "org-1", "device-a")
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	rawB, _, err := f.tokens.Issue(ctx, "user-1", "org-2", "device-b")
	if err != nil {
		t.Fatalf("issue b: %v", err)
	}

	if err := f.coord.UserDisabled(ctx, "user-1"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	f.drain()

	for _, raw := range []string{rawA, rawB} {
		if _, _, _, err := f.tokens.Rotate(ctx, raw); !errors.Is(err, ledger.ErrReuseDetected) {
			t.Fatalf("rotate err = %v, want ErrReuseDetected", err)
		}
	}
}

func TestOrganizationArchivedIsSynchronous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.memberships.addMember("user-1", "org-1")
	f.memberships.addMember("user-2", "org-1")
	raw, _, err := f.tokens.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := f.coord.OrganizationArchived(ctx, "org-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// No queue drain: the effect is visible immediately.
	if _, _, _, err := f.tokens.Rotate(ctx, raw); !errors.Is(err, ledger.ErrReuseDetected) {
		t.Fatalf("rotate err = %v, want ErrReuseDetected", err)
	}
}

func TestBreakGlassRevokesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.perms.grant("user-1", "org-1", "project:view")
	f.warmCache(t, "user-1", "org-1")
	before := f.perms.storeCalls()

	raw, _, err := f.tokens.Issue(ctx, "user-2", "org-2", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := f.coord.BreakGlass(ctx, "admin-1"); err != nil {
		t.Fatalf("break glass: %v", err)
	}

	if _, _, _, err := f.tokens.Rotate(ctx, raw); !errors.Is(err, ledger.ErrReuseDetected) {
		t.Fatalf("rotate err = %v, want ErrReuseDetected", err)
	}
	f.warmCache(t, "user-1", "org-1")
	if got := f.perms.storeCalls(); got != before+1 {
		t.Fatalf("store calls = %d, want %d", got, before+1)
	}
}
