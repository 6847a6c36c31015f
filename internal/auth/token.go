package auth // package auth provides credential hashing and token issuance

import (
	"crypto/rand"   // secure random number generation
	"crypto/sha256" // SHA-256 hashing for refresh tokens
	"encoding/hex"  // hex encoding of tokens and digests
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// Validation failures of an access token. Handlers must collapse both into
// one generic 401; the split exists for logs and metrics only, so an
// attacker cannot distinguish an expired token from a forged one.
var (
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrMissingSecret  = errors.New("auth: signing secret is not configured")
)

// refreshTokenBytes is the entropy of a raw refresh token. 48 bytes is
// comfortably above the 256-bit floor the revocation design assumes.
const refreshTokenBytes = 48

// AccessToken represents a signed HS256 JWT along with its expiry. Access
// tokens are short-lived and verified without a database round-trip.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// RefreshToken represents a long-lived opaque token used to obtain new
// access tokens. Raw goes back to the client exactly once; the database
// only ever sees its SHA-256 digest.
type RefreshToken struct {
	Raw string    // raw token string returned to the client
	Exp time.Time // UTC expiration time
}

// Claims are the verified contents of an access token.
type Claims struct {
	UserID    uint64
	Active    bool // user status snapshot at issuance time
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type accessClaims struct {
	Active bool `json:"active"`
	jwt.RegisteredClaims
}

// TokenService signs and validates access tokens and mints opaque refresh
// tokens. The secret is injected at construction and immutable afterwards;
// every horizontally scaled instance must be configured with the same one.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewTokenService constructs a TokenService. An empty secret is a
// configuration error: the caller is expected to fail startup rather than
// serve requests it could never validate.
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration, opts ...TokenOption) (*TokenService, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	s := &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueAccess builds and signs an HS256 JWT for a user. The claims carry
// subject (user id), issued-at, expiry and an `active` flag mirroring the
// user's status at issuance; the flag goes stale until the next issuance,
// which is the documented eventual-consistency trade-off — privileged
// operations re-check the store explicitly.
func (s *TokenService) IssueAccess(userID uint64, active bool) (AccessToken, error) {
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := accessClaims{
		Active: active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// ValidateAccess verifies signature and expiry and returns the claims.
// Pure CPU work; no I/O.
func (s *TokenService) ValidateAccess(raw string) (Claims, error) {
	var ac accessClaims
	tok, err := jwt.ParseWithClaims(raw, &ac, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenMalformed
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}
	if !tok.Valid {
		return Claims{}, ErrTokenMalformed
	}
	userID, err := strconv.ParseUint(ac.Subject, 10, 64)
	if err != nil || userID == 0 {
		return Claims{}, ErrTokenMalformed
	}
	c := Claims{UserID: userID, Active: ac.Active}
	if ac.IssuedAt != nil {
		c.IssuedAt = ac.IssuedAt.Time
	}
	if ac.ExpiresAt != nil {
		c.ExpiresAt = ac.ExpiresAt.Time
	}
	return c, nil
}

// NewRefresh returns a cryptographically random opaque token and its
// expiration. The token is deliberately not a JWT: refresh validity must be
// revocable, so it is only ever meaningful together with a store lookup.
func (s *TokenService) NewRefresh() (RefreshToken, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return RefreshToken{}, err
	}
	return RefreshToken{
		Raw: hex.EncodeToString(buf),
		Exp: s.now().UTC().Add(s.refreshTTL),
	}, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// HashRefreshRaw returns the SHA-256 hash of a raw refresh token as a hex
// string. Storing only the hash means a database compromise does not leak
// usable tokens.
func HashRefreshRaw(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
