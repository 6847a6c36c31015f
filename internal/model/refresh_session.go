package model

import "time"

// RefreshSession models an entry in the `refresh_sessions` table. Each
// session belongs to a user and to a rotation family: every refresh call
// revokes the presented session and creates its successor inside the same
// family, with ReplacedBy linking predecessor to successor. Presenting an
// already-revoked session is treated as token theft and revokes the whole
// family. The plain refresh token is never stored; only its SHA-256 hash.
//
// Fields:
//  ID         – primary key identifier.
//  FamilyID   – UUID shared by every session in one rotation chain.
//  UserID     – owner of the session.
//  TokenHash  – SHA-256 hex digest of the raw refresh token.
//  IssuedAt   – timestamp of creation.
//  ExpiresAt  – expiration timestamp of the session.
//  RevokedAt  – when the session was revoked (null if still active).
//  ReplacedBy – id of the successor session after rotation (null otherwise).
type RefreshSession struct {
	ID         uint64     // refresh_sessions.id
	FamilyID   string     // refresh_sessions.family_id
	UserID     uint64     // refresh_sessions.user_id
	TokenHash  string     // refresh_sessions.token_hash
	IssuedAt   time.Time  // refresh_sessions.issued_at
	ExpiresAt  time.Time  // refresh_sessions.expires_at
	RevokedAt  *time.Time // refresh_sessions.revoked_at (nullable)
	ReplacedBy *uint64    // refresh_sessions.replaced_by (nullable)
}

// Expired reports whether the session's own lifetime has passed.
func (s *RefreshSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Revoked reports whether the session has been rotated away or revoked.
func (s *RefreshSession) Revoked() bool { return s.RevokedAt != nil }
