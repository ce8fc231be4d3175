package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T, clock *testClock) *Service {
	t.Helper()
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	svc, err := NewService(NewInMemory(), 14*24*time.Hour, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndRotate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw1, tok1, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.Contains(raw1, ".") {
		t.Fatalf("raw token %q lacks separator", raw1)
	}
	if tok1.State() != TokenActive {
		t.Fatalf("first token state = %q", tok1.State())
	}

	raw2, tok2, fam, err := svc.Rotate(ctx, raw1)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if raw2 == raw1 {
		t.Fatal("rotation returned the same credential")
	}
	if tok2.ParentID != tok1.ID {
		t.Fatalf("successor parent = %q, want %q", tok2.ParentID, tok1.ID)
	}
	if fam.UserID != "user-1" || fam.DeviceID != "device-1" {
		t.Fatalf("family = %+v", fam)
	}

	// The successor keeps rotating.
	if _, _, _, err := svc.Rotate(ctx, raw2); err != nil {
		t.Fatalf("rotate successor: %v", err)
	}
}

func TestRotateConsumedTokenRevokesWholeFamily(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw1, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	raw2, _, _, err := svc.Rotate(ctx, raw1)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// Replaying the consumed token is theft evidence.
	if _, _, _, err := svc.Rotate(ctx, raw1); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("replay err = %v, want ErrReuseDetected", err)
	}

	// The legitimate successor is burned with the family; presenting it is
	// another reuse.
	if _, _, _, err := svc.Rotate(ctx, raw2); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("successor err = %v, want ErrReuseDetected", err)
	}
}

func TestRotateRevokedTokenReportsReuse(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw, tok, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.RevokeFamily(ctx, raw); err != nil {
		t.Fatalf("revoke family: %v", err)
	}

	if _, _, _, err := svc.Rotate(ctx, raw); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("rotate revoked err = %v, want ErrReuseDetected", err)
	}

	// The reuse response marks the family compromised.
	_, fam, err := svc.store.FindToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("find token: %v", err)
	}
	if fam.CompromisedAt == nil {
		t.Fatal("family not marked compromised after revoked-token replay")
	}
}

func TestRotateExpiredConsumedTokenReportsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)

	raw1, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, _, err := svc.Rotate(ctx, raw1); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	clock.Advance(14*24*time.Hour + time.Second)

	// Expiry is checked before the state: a replay past the token lifetime
	// reports Expired and does not trigger the reuse response.
	if _, _, _, err := svc.Rotate(ctx, raw1); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired replay err = %v, want ErrExpired", err)
	}
}

func TestRotateExpiredToken(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)

	raw, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(14*24*time.Hour + time.Second)

	if _, _, _, err := svc.Rotate(ctx, raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestRotateRejectsForgedCredentials(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw, tok, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := map[string]string{
		"garbage":      "not-a-token",
		"empty":        "",
		"no separator": strings.ReplaceAll(raw, ".", ""),
		"wrong secret": tok.ID + "." + strings.Repeat("ab", 32),
	}
	for name, presented := range cases {
		if _, _, _, err := svc.Rotate(ctx, presented); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: err = %v, want ErrNotFound", name, err)
		}
	}

	// The real token is still usable after failed forgeries.
	if _, _, _, err := svc.Rotate(ctx, raw); err != nil {
		t.Fatalf("rotate after forgeries: %v", err)
	}
}

func TestConcurrentRotationHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := svc.Rotate(ctx, raw)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, denied int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrReuseDetected):
			// Losers observe the consumed state, or the family already
			// revoked by an earlier loser; both report reuse.
			denied++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if denied != n-1 {
		t.Fatalf("denied losers = %d, want %d", denied, n-1)
	}
}

func TestRevokeFamilyOnLogout(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raw, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.RevokeFamily(ctx, raw); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if _, _, _, err := svc.Rotate(ctx, raw); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("rotate after logout err = %v, want ErrReuseDetected", err)
	}
}

func TestRevokeUserSpansDevices(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	rawA, _, err := svc.Issue(ctx, "user-1", "org-1", "device-a")
	if err != nil {
		t.Fatalf("issue a: %v", err)
	}
	rawB, _, err := svc.Issue(ctx, "user-1", "org-1", "device-b")
	if err != nil {
		t.Fatalf("issue b: %v", err)
	}
	rawOther, _, err := svc.Issue(ctx, "user-2", "org-1", "device-c")
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	if err := svc.RevokeUser(ctx, "user-1"); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	for _, raw := range []string{rawA, rawB} {
		if _, _, _, err := svc.Rotate(ctx, raw); !errors.Is(err, ErrReuseDetected) {
			t.Fatalf("rotate revoked err = %v", err)
		}
	}
	// Another user's session is untouched.
	if _, _, _, err := svc.Rotate(ctx, rawOther); err != nil {
		t.Fatalf("rotate other user: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	raws := make([]string, 0, 3)
	for _, u := range []string{"user-1", "user-2", "user-3"} {
		raw, _, err := svc.Issue(ctx, u, "org-1", "device-"+u)
		if err != nil {
			t.Fatalf("issue %s: %v", u, err)
		}
		raws = append(raws, raw)
	}
	if err := svc.RevokeAll(ctx); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	for _, raw := range raws {
		if _, _, _, err := svc.Rotate(ctx, raw); !errors.Is(err, ErrReuseDetected) {
			t.Fatalf("rotate after global revoke err = %v", err)
		}
	}
}

func TestSweepInactiveDevices(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, err := NewService(NewInMemory(), 90*24*time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	rawStale, _, err := svc.Issue(ctx, "user-1", "org-1", "device-stale")
	if err != nil {
		t.Fatalf("issue stale: %v", err)
	}
	clock.Advance(20 * 24 * time.Hour)
	rawFresh, _, err := svc.Issue(ctx, "user-1", "org-1", "device-fresh")
	if err != nil {
		t.Fatalf("issue fresh: %v", err)
	}

	swept, err := svc.SweepInactiveDevices(ctx, 15*24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	if _, _, _, err := svc.Rotate(ctx, rawStale); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("stale device token err = %v", err)
	}
	if _, _, _, err := svc.Rotate(ctx, rawFresh); err != nil {
		t.Fatalf("fresh device token: %v", err)
	}

	// A swept device is revoked and stays out of later sweeps.
	swept, err = svc.SweepInactiveDevices(ctx, 15*24*time.Hour)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("second sweep = %d, want 0", swept)
	}
}

func TestSweptDeviceReactivatesOnLogin(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc, err := NewService(NewInMemory(), 90*24*time.Hour, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(20 * 24 * time.Hour)
	if _, err := svc.SweepInactiveDevices(ctx, 15*24*time.Hour); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// Logging in again from the same device brings it back.
	raw, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	devices, err := svc.Devices(ctx, "user-1")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Status != DeviceActive {
		t.Fatalf("devices = %+v, want one active device", devices)
	}
	if _, _, _, err := svc.Rotate(ctx, raw); err != nil {
		t.Fatalf("rotate after reissue: %v", err)
	}
}

func TestRotationAdvancesDeviceLastSeen(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)

	raw, _, err := svc.Issue(ctx, "user-1", "org-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, _, _, err := svc.Rotate(ctx, raw); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	devices, err := svc.Devices(ctx, "user-1")
	if err != nil || len(devices) != 1 {
		t.Fatalf("devices = %v err = %v", devices, err)
	}
	if !devices[0].LastSeenAt.Equal(clock.Now()) {
		t.Fatalf("last seen = %v, want %v", devices[0].LastSeenAt, clock.Now())
	}
}
