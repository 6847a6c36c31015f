package model

import "time"

// Account status values stored in the `users.status` column. A user is
// created as StatusPending when email verification is enforced and as
// StatusActive otherwise. StatusSuspended soft-disables the account;
// rows are never hard-deleted.
const (
	StatusPending   = "pending_verification"
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// User represents an application user record as stored in the
// `users` table. Each field corresponds to a column in the
// database. The json tags are omitted here because these structs
// are used internally by the repository layer; handlers define
// separate response types with appropriate JSON tags and never
// expose PasswordHash.
//
// Fields:
//  ID               – primary key identifier of the user.
//  Email            – unique email address, stored lower-cased.
//  PasswordHash     – bcrypt hashed password, never empty for a persisted row.
//  Status           – account status (see constants above).
//  FailedLoginCount – consecutive failed login attempts; reset on success.
//  LastFailedAt     – timestamp of the most recent failure; failures older
//                     than the lockout window restart the count at 1.
//  LockedUntil      – end of the current lockout window (null when unlocked).
//  CreatedAt        – timestamp of creation.
//  UpdatedAt        – timestamp of last update.
//  LastLoginAt      – timestamp of last successful login (null before first).
type User struct {
	ID               uint64     // users.id
	Email            string     // users.email
	PasswordHash     string     // users.password_hash
	Status           string     // users.status
	FailedLoginCount int        // users.failed_login_count
	LastFailedAt     *time.Time // users.last_failed_at (nullable)
	LockedUntil      *time.Time // users.locked_until (nullable)
	CreatedAt        time.Time  // users.created_at
	UpdatedAt        time.Time  // users.updated_at
	LastLoginAt      *time.Time // users.last_login_at (nullable)
}

// Locked reports whether the account is inside a lockout window at the
// given instant.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}
