package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService(t *testing.T, now *time.Time) *TokenService {
	t.Helper()
	svc, err := NewTokenService("test-secret", 15*time.Minute, 30*24*time.Hour,
		WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return svc
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	_, err := NewTokenService("", time.Minute, time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestIssueAndValidateAccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	tok, err := svc.IssueAccess(42, true)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), tok.Exp)

	claims, err := svc.ValidateAccess(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.UserID)
	assert.True(t, claims.Active)
	assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, tok.Exp.Unix(), claims.ExpiresAt.Unix())
}

func TestValidateAccessExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	tok, err := svc.IssueAccess(42, true)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = svc.ValidateAccess(tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessWrongSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	other, err := NewTokenService("different-secret", 15*time.Minute, time.Hour,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	tok, err := other.IssueAccess(42, true)
	require.NoError(t, err)

	_, err = svc.ValidateAccess(tok.Token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestValidateAccessGarbage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	for _, raw := range []string{"", "garbage", "a.b.c", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := svc.ValidateAccess(raw)
		assert.ErrorIs(t, err, ErrTokenMalformed, "input %q", raw)
	}
}

func TestValidateAccessTampered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	tok, err := svc.IssueAccess(42, true)
	require.NoError(t, err)

	tampered := tok.Token[:len(tok.Token)-2] + "xx"
	_, err = svc.ValidateAccess(tampered)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestValidateAccessZeroSubject(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	tok, err := svc.IssueAccess(0, true)
	require.NoError(t, err)
	_, err = svc.ValidateAccess(tok.Token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestNewRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestTokenService(t, &now)

	a, err := svc.NewRefresh()
	require.NoError(t, err)
	b, err := svc.NewRefresh()
	require.NoError(t, err)

	// 48 random bytes, hex encoded.
	assert.Len(t, a.Raw, 96)
	assert.NotEqual(t, a.Raw, b.Raw)
	assert.Equal(t, now.Add(30*24*time.Hour), a.Exp)
}

func TestHashRefreshRaw(t *testing.T) {
	h := HashRefreshRaw("some-token")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashRefreshRaw("some-token"))
	assert.NotEqual(t, h, HashRefreshRaw("other-token"))
}
