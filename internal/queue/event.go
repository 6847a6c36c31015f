// Package queue defines message payloads exchanged over the message broker
// and the publisher that emits them. Security events give downstream
// consumers (alerting, analytics, audit) enough context to act without
// querying the primary database.
package queue

// Queue names for published security events.
const (
	QueueUserRegistered = "auth.user_registered"
	QueueAccountLocked  = "auth.account_locked"
	QueueReuseDetected  = "auth.reuse_detected"
)

// UserRegisteredEvent is published when a new account is created.
type UserRegisteredEvent struct {
	UserID       uint64 `json:"user_id"`
	Email        string `json:"email"`
	Status       string `json:"status"`
	RegisteredAt string `json:"registered_at"`
}

// AccountLockedEvent is published when repeated login failures lock an
// account. LockedUntil marks when logins become possible again; existing
// refresh sessions are unaffected by the lock.
type AccountLockedEvent struct {
	UserID      uint64 `json:"user_id"`
	FailedCount int    `json:"failed_count"`
	LockedUntil string `json:"locked_until"`
	LockedAt    string `json:"locked_at"`
}

// ReuseDetectedEvent is published when an already-rotated refresh token is
// presented again. The whole session family has been revoked by the time
// this event is emitted; RevokedSessions counts how many were cut off.
type ReuseDetectedEvent struct {
	UserID          uint64 `json:"user_id"`
	FamilyID        string `json:"family_id"`
	RevokedSessions int64  `json:"revoked_sessions"`
	DetectedAt      string `json:"detected_at"`
}
