package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// UserRepo persists user records in the `users` table. It owns the atomic
// counter operations the lockout policy depends on: every counter mutation
// is a single UPDATE statement so two concurrent login attempts can never
// both observe a pre-increment count.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,email,password_hash,status,failed_login_count,last_failed_at,locked_until,created_at,updated_at,last_login_at"

// Create inserts a user and returns its ID. The password is hashed by the
// caller; this layer never sees a plaintext. Duplicate emails surface as
// ErrEmailExists via the unique index, which is what makes the uniqueness
// invariant hold under concurrent registration attempts.
func (r *UserRepo) Create(ctx context.Context, email, passwordHash, status string) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, status) VALUES (?,?,?)",
		email, passwordHash, status)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// CreateWithSession inserts the user and its first refresh session in one
// transaction: either both rows exist afterwards or neither does. The
// session's UserID is filled in from the new user row.
func (r *UserRepo) CreateWithSession(ctx context.Context, email, passwordHash, status string, sess *model.RefreshSession) (uint64, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, status) VALUES (?,?,?)",
		email, passwordHash, status)
	if err != nil {
		if isDuplicateKey(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	sess.UserID = uint64(id)
	if err := insertSession(ctx, tx, sess); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email. The email column uses a
// case-insensitive collation backed by a unique index.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.scanOne(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
}

func (r *UserRepo) scanOne(ctx context.Context, query string, arg interface{}) (model.User, error) {
	var (
		u            model.User
		lastFailed   sql.NullTime
		lockedUntil  sql.NullTime
		lastLogin    sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.FailedLoginCount,
		&lastFailed, &lockedUntil, &u.CreatedAt, &u.UpdatedAt, &lastLogin)
	if err != nil {
		return model.User{}, err
	}
	if lastFailed.Valid {
		u.LastFailedAt = &lastFailed.Time
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	return u, nil
}

// RecordFailedLogin bumps the failed-login counter and, when the new count
// reaches threshold, locks the account for lockFor. Failures older than
// window restart the count at 1. The whole decision happens inside one
// UPDATE so the read-increment-compare sequence is linearizable per user;
// MySQL evaluates the right-hand sides against the pre-update row except
// for columns already assigned earlier in the SET list, so locked_until is
// assigned first, before failed_login_count and last_failed_at change.
// Returns the post-update count and lock expiry.
func (r *UserRepo) RecordFailedLogin(ctx context.Context, userID uint64, threshold int, window, lockFor time.Duration) (int, *time.Time, error) {
	windowSec := int64(window / time.Second)
	lockSec := int64(lockFor / time.Second)
	const newCount = "IF(last_failed_at IS NULL OR last_failed_at < DATE_SUB(UTC_TIMESTAMP(), INTERVAL ? SECOND), 1, failed_login_count + 1)"
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET "+
			"locked_until = IF("+newCount+" >= ?, DATE_ADD(UTC_TIMESTAMP(), INTERVAL ? SECOND), locked_until), "+
			"failed_login_count = "+newCount+", "+
			"last_failed_at = UTC_TIMESTAMP(), "+
			"updated_at = UTC_TIMESTAMP() "+
			"WHERE id = ?",
		windowSec, threshold, lockSec, windowSec, userID)
	if err != nil {
		return 0, nil, err
	}

	var (
		count  int
		locked sql.NullTime
	)
	err = r.DB.QueryRowContext(ctx,
		"SELECT failed_login_count, locked_until FROM users WHERE id=?", userID).
		Scan(&count, &locked)
	if err != nil {
		return 0, nil, err
	}
	if locked.Valid {
		return count, &locked.Time, nil
	}
	return count, nil, nil
}

// RecordLogin resets the failure counter, clears any lock and stamps
// last_login_at after a successful credential check.
func (r *UserRepo) RecordLogin(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET failed_login_count=0, last_failed_at=NULL, locked_until=NULL, "+
			"last_login_at=UTC_TIMESTAMP(), updated_at=UTC_TIMESTAMP() WHERE id=?",
		userID)
	return err
}

// UpdatePassword replaces the stored hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, userID uint64, passwordHash string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET password_hash=?, updated_at=UTC_TIMESTAMP() WHERE id=?",
		passwordHash, userID)
	return err
}

// SetStatus transitions the account status (activation, suspension). Rows
// are never deleted; suspension is the soft-disable path.
func (r *UserRepo) SetStatus(ctx context.Context, userID uint64, status string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET status=?, updated_at=UTC_TIMESTAMP() WHERE id=?",
		status, userID)
	return err
}

// isDuplicateKey detects MySQL error 1062 (duplicate entry for a unique key).
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "1062")
}
