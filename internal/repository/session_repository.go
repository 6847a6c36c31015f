package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/auth-session-service/internal/model"
)

// SessionRepo persists refresh sessions. Rotation is a compare-and-set
// UPDATE guarded by `revoked_at IS NULL`, which is what guarantees that two
// concurrent refresh calls presenting the same token produce exactly one
// successful rotation.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

const sessionColumns = "id,family_id,user_id,token_hash,issued_at,expires_at,revoked_at,replaced_by"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertSession writes one refresh session row and fills in its ID. Shared
// with UserRepo.CreateWithSession so registration stays a single
// transaction.
func insertSession(ctx context.Context, q execer, s *model.RefreshSession) error {
	res, err := q.ExecContext(ctx,
		"INSERT INTO refresh_sessions (family_id, user_id, token_hash, expires_at) VALUES (?,?,?,?)",
		s.FamilyID, s.UserID, s.TokenHash, s.ExpiresAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	return nil
}

// Create inserts a refresh session row.
func (r *SessionRepo) Create(ctx context.Context, s *model.RefreshSession) error {
	return insertSession(ctx, r.DB, s)
}

// FindByTokenHash loads a session by the token's digest, revoked or not.
// The caller decides what a revoked hit means (logout no-op vs reuse).
func (r *SessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var (
		s          model.RefreshSession
		revokedAt  sql.NullTime
		replacedBy sql.NullInt64
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM refresh_sessions WHERE token_hash=? LIMIT 1",
		tokenHash).Scan(&s.ID, &s.FamilyID, &s.UserID, &s.TokenHash,
		&s.IssuedAt, &s.ExpiresAt, &revokedAt, &replacedBy)
	if err != nil {
		return model.RefreshSession{}, err
	}
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		v := uint64(replacedBy.Int64)
		s.ReplacedBy = &v
	}
	return s, nil
}

// Rotate revokes the session identified by oldID and creates its successor
// in one transaction. The revoke UPDATE only matches a not-yet-revoked row;
// losing that race returns ErrRotationConflict and writes nothing. The
// successor must carry the same FamilyID and is linked via replaced_by.
func (r *SessionRepo) Rotate(ctx context.Context, oldID uint64, successor *model.RefreshSession) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE id=? AND revoked_at IS NULL",
		oldID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRotationConflict
	}
	if err := insertSession(ctx, tx, successor); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE refresh_sessions SET replaced_by=? WHERE id=?",
		successor.ID, oldID); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeFamily revokes every active session in a rotation family. Called on
// reuse detection to cut off the whole descendant chain at once.
func (r *SessionRepo) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE family_id=? AND revoked_at IS NULL",
		familyID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RevokeByHash marks one session as revoked. Revoking an already-revoked
// session matches zero rows and is not an error, which keeps logout
// idempotent.
func (r *SessionRepo) RevokeByHash(ctx context.Context, tokenHash string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE token_hash=? AND revoked_at IS NULL",
		tokenHash)
	return err
}

// RevokeAllForUser revokes every active session the user owns, across all
// families (logout-everywhere).
func (r *SessionRepo) RevokeAllForUser(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_sessions SET revoked_at=UTC_TIMESTAMP() WHERE user_id=? AND revoked_at IS NULL",
		userID)
	return err
}

// DeleteExpired removes sessions whose own lifetime ended before cutoff.
// Run from the background sweep; expiry needs no revocation because an
// expired session already fails validation.
func (r *SessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM refresh_sessions WHERE expires_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
