package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T, now *time.Time) *Codec {
	t.Helper()
	codec, err := NewCodec("test-secret", "test-issuer", 15*time.Minute,
		WithCodecClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestCodecIssueAndVerify(t *testing.T) {
	now := time.Now().UTC()
	codec := newTestCodec(t, &now)

	token, exp, err := codec.Issue("user-42", "org-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected future expiry, got %v", exp)
	}

	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.OrgID != "org-1" {
		t.Fatalf("unexpected org: %s", claims.OrgID)
	}
	if claims.ID == "" {
		t.Fatal("expected jti claim")
	}
}

func TestCodecRejectsExpiredBeyondSkew(t *testing.T) {
	now := time.Now().UTC()
	codec := newTestCodec(t, &now)

	token, _, err := codec.Issue("user-42", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Inside the skew window the token is still accepted.
	now = now.Add(15*time.Minute + 20*time.Second)
	if _, err := codec.Verify(token); err != nil {
		t.Fatalf("expected token valid within skew, got %v", err)
	}

	// Past the window it is invalid.
	now = now.Add(30 * time.Second)
	if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCodecRejectsTampering(t *testing.T) {
	now := time.Now().UTC()
	codec := newTestCodec(t, &now)

	token, _, err := codec.Issue("user-42", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := codec.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered payload, got %v", err)
	}

	other, err := NewCodec("other-secret", "test-issuer", 15*time.Minute,
		WithCodecClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}

func TestCodecRejectsWrongIssuerAndEmptyToken(t *testing.T) {
	now := time.Now().UTC()
	codec := newTestCodec(t, &now)

	foreign, err := NewCodec("test-secret", "someone-else", 15*time.Minute,
		WithCodecClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	token, _, err := foreign.Issue("user-42", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
	if _, err := codec.Verify("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}
