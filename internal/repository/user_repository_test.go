package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-session-service/internal/model"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

const selectUserByEmail = "SELECT " + userColumns + " FROM users WHERE email=? LIMIT 1"

func userRow(id uint64, email, hash, status string, failed int, lastFailed, lockedUntil any) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "status", "failed_login_count",
		"last_failed_at", "locked_until", "created_at", "updated_at", "last_login_at",
	}).AddRow(id, email, hash, status, failed, lastFailed, lockedUntil, now, now, nil)
}

func TestUserRepoCreateWithSession(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	exp := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	sess := &model.RefreshSession{FamilyID: "fam-1", TokenHash: "digest", ExpiresAt: exp}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users (email, password_hash, status) VALUES (?,?,?)").
		WithArgs("user@example.com", "hashed", model.StatusActive).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectExec("INSERT INTO refresh_sessions (family_id, user_id, token_hash, expires_at) VALUES (?,?,?,?)").
		WithArgs("fam-1", uint64(7), "digest", exp).
		WillReturnResult(sqlmock.NewResult(99, 1))
	mock.ExpectCommit()

	id, err := repo.CreateWithSession(context.Background(), "USER@Example.com ", "hashed", model.StatusActive, sess)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, uint64(7), sess.UserID)
	assert.Equal(t, uint64(99), sess.ID)
}

func TestUserRepoCreateWithSessionDuplicateEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users (email, password_hash, status) VALUES (?,?,?)").
		WithArgs("user@example.com", "hashed", model.StatusActive).
		WillReturnError(errors.New("Error 1062 (23000): Duplicate entry 'user@example.com'"))
	mock.ExpectRollback()

	_, err := repo.CreateWithSession(context.Background(), "user@example.com", "hashed", model.StatusActive,
		&model.RefreshSession{FamilyID: "fam-1", TokenHash: "digest"})
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestUserRepoGetByEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	locked := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	mock.ExpectQuery(selectUserByEmail).
		WithArgs("user@example.com").
		WillReturnRows(userRow(7, "user@example.com", "hashed", model.StatusActive, 5, locked.Add(-time.Minute), locked))

	u, err := repo.GetByEmail(context.Background(), " User@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), u.ID)
	assert.Equal(t, 5, u.FailedLoginCount)
	require.NotNil(t, u.LockedUntil)
	assert.Equal(t, locked, *u.LockedUntil)
	require.NotNil(t, u.LastFailedAt)
	assert.Nil(t, u.LastLoginAt)
}

func TestUserRepoGetByEmailNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	mock.ExpectQuery(selectUserByEmail).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUserRepoRecordFailedLogin(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	const newCount = "IF(last_failed_at IS NULL OR last_failed_at < DATE_SUB(UTC_TIMESTAMP(), INTERVAL ? SECOND), 1, failed_login_count + 1)"
	const update = "UPDATE users SET " +
		"locked_until = IF(" + newCount + " >= ?, DATE_ADD(UTC_TIMESTAMP(), INTERVAL ? SECOND), locked_until), " +
		"failed_login_count = " + newCount + ", " +
		"last_failed_at = UTC_TIMESTAMP(), " +
		"updated_at = UTC_TIMESTAMP() " +
		"WHERE id = ?"

	t.Run("below threshold", func(t *testing.T) {
		mock.ExpectExec(update).
			WithArgs(int64(900), 5, int64(900), int64(900), uint64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT failed_login_count, locked_until FROM users WHERE id=?").
			WithArgs(uint64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"failed_login_count", "locked_until"}).AddRow(3, nil))

		count, lockedUntil, err := repo.RecordFailedLogin(context.Background(), 7, 5, 15*time.Minute, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.Nil(t, lockedUntil)
	})

	t.Run("threshold reached", func(t *testing.T) {
		lock := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
		mock.ExpectExec(update).
			WithArgs(int64(900), 5, int64(900), int64(900), uint64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT failed_login_count, locked_until FROM users WHERE id=?").
			WithArgs(uint64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"failed_login_count", "locked_until"}).AddRow(5, lock))

		count, lockedUntil, err := repo.RecordFailedLogin(context.Background(), 7, 5, 15*time.Minute, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 5, count)
		require.NotNil(t, lockedUntil)
		assert.Equal(t, lock, *lockedUntil)
	})
}

func TestUserRepoRecordLogin(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	mock.ExpectExec("UPDATE users SET failed_login_count=0, last_failed_at=NULL, locked_until=NULL, " +
		"last_login_at=UTC_TIMESTAMP(), updated_at=UTC_TIMESTAMP() WHERE id=?").
		WithArgs(uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordLogin(context.Background(), 7))
}

func TestUserRepoUpdatePassword(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	mock.ExpectExec("UPDATE users SET password_hash=?, updated_at=UTC_TIMESTAMP() WHERE id=?").
		WithArgs("new-hash", uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdatePassword(context.Background(), 7, "new-hash"))
}
