package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// skewTolerance is the clock drift accepted when validating access token
// timestamps.
const skewTolerance = 30 * time.Second

const accessTokenType = "access"

// AccessClaims are the verified claims carried by an access token.
type AccessClaims struct {
	OrgID     string `json:"org,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec issues and verifies signed short-lived access tokens. Verification is
// purely cryptographic; it never touches persistent storage.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec builds a Codec signing with HS256.
func NewCodec(secret, issuer string, ttl time.Duration, opts ...CodecOption) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: access token ttl must be positive")
	}
	c := &Codec{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL reports the configured access token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs an access token for the user, optionally bound to an
// organization context.
func (c *Codec) Issue(userID, orgID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, ErrInvalidInput
	}
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	claims := AccessClaims{
		OrgID:     strings.TrimSpace(orgID),
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, shape and timestamps. Any failure collapses to
// ErrInvalidToken; the detailed cause is not surfaced to callers.
func (c *Codec) Verify(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	},
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
		jwt.WithLeeway(skewTolerance),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) validateClaims(claims *AccessClaims) error {
	if claims.TokenType != accessTokenType {
		return errors.New("wrong token type")
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return errors.New("unexpected issuer")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
