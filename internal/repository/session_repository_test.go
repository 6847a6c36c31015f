package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-session-service/internal/model"
)

const (
	selectSessionByHash = "SELECT " + sessionColumns + " FROM refresh_sessions WHERE token_hash=? LIMIT 1"
	insertSessionSQL    = "INSERT INTO refresh_sessions (family_id, user_id, token_hash, expires_at) VALUES (?,?,?,?)"
	revokeByIDSQL       = "UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE id=? AND revoked_at IS NULL"
)

func TestSessionRepoCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	exp := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	sess := &model.RefreshSession{FamilyID: "fam-1", UserID: 7, TokenHash: "digest", ExpiresAt: exp}

	mock.ExpectExec(insertSessionSQL).
		WithArgs("fam-1", uint64(7), "digest", exp).
		WillReturnResult(sqlmock.NewResult(42, 1))

	require.NoError(t, repo.Create(context.Background(), sess))
	assert.Equal(t, uint64(42), sess.ID)
}

func TestSessionRepoFindByTokenHash(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	revoked := issued.Add(time.Hour)

	t.Run("active session", func(t *testing.T) {
		mock.ExpectQuery(selectSessionByHash).
			WithArgs("digest").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "family_id", "user_id", "token_hash", "issued_at", "expires_at", "revoked_at", "replaced_by",
			}).AddRow(42, "fam-1", 7, "digest", issued, issued.Add(720*time.Hour), nil, nil))

		s, err := repo.FindByTokenHash(context.Background(), "digest")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), s.ID)
		assert.Equal(t, "fam-1", s.FamilyID)
		assert.False(t, s.Revoked())
		assert.Nil(t, s.ReplacedBy)
	})

	t.Run("revoked and replaced", func(t *testing.T) {
		mock.ExpectQuery(selectSessionByHash).
			WithArgs("digest").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "family_id", "user_id", "token_hash", "issued_at", "expires_at", "revoked_at", "replaced_by",
			}).AddRow(42, "fam-1", 7, "digest", issued, issued.Add(720*time.Hour), revoked, 43))

		s, err := repo.FindByTokenHash(context.Background(), "digest")
		require.NoError(t, err)
		assert.True(t, s.Revoked())
		require.NotNil(t, s.ReplacedBy)
		assert.Equal(t, uint64(43), *s.ReplacedBy)
	})

	t.Run("unknown hash", func(t *testing.T) {
		mock.ExpectQuery(selectSessionByHash).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.FindByTokenHash(context.Background(), "missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestSessionRepoRotate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	exp := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	successor := &model.RefreshSession{FamilyID: "fam-1", UserID: 7, TokenHash: "new-digest", ExpiresAt: exp}

	mock.ExpectBegin()
	mock.ExpectExec(revokeByIDSQL).
		WithArgs(uint64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertSessionSQL).
		WithArgs("fam-1", uint64(7), "new-digest", exp).
		WillReturnResult(sqlmock.NewResult(43, 1))
	mock.ExpectExec("UPDATE refresh_sessions SET replaced_by=? WHERE id=?").
		WithArgs(uint64(43), uint64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Rotate(context.Background(), 42, successor))
	assert.Equal(t, uint64(43), successor.ID)
}

func TestSessionRepoRotateConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	// Another rotation already revoked the row; the guarded UPDATE matches
	// nothing and the transaction must not create a successor.
	mock.ExpectBegin()
	mock.ExpectExec(revokeByIDSQL).
		WithArgs(uint64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), 42, &model.RefreshSession{FamilyID: "fam-1", UserID: 7})
	assert.ErrorIs(t, err, ErrRotationConflict)
}

func TestSessionRepoRevokeFamily(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	mock.ExpectExec("UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE family_id=? AND revoked_at IS NULL").
		WithArgs("fam-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.RevokeFamily(context.Background(), "fam-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSessionRepoRevokeByHashIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	// Zero matched rows is success: the token is gone either way.
	mock.ExpectExec("UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE token_hash=? AND revoked_at IS NULL").
		WithArgs("digest").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.RevokeByHash(context.Background(), "digest"))
}

func TestSessionRepoDeleteExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepo(db)

	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM refresh_sessions WHERE expires_at < ?").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 17))

	n, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
}
