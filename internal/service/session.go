// Package service implements the session-lifecycle state machine:
// registration, credential verification, refresh-token rotation with reuse
// detection, and logout. It depends only on small interfaces so tests can
// substitute in-memory fakes for every collaborator.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/metrics"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/queue"
	"github.com/iliyamo/auth-session-service/internal/repository"
)

// Sentinel errors surfaced to the handler layer. ErrInvalidCredentials
// covers both "no such account" and "wrong password" — the two paths are
// deliberately indistinguishable to the caller. ErrReuseDetected is also
// reported to the client as a generic invalid refresh; only logs, metrics
// and events carry the distinction.
var (
	ErrRegistrationDisabled = errors.New("registration is disabled")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAccountLocked        = errors.New("account temporarily locked")
	ErrInvalidRefresh       = errors.New("invalid refresh token")
	ErrReuseDetected        = errors.New("refresh token reuse detected")
)

// PasswordHasher is the one-way credential hashing contract.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Verify(plain, hash string) bool
	DummyHash() string
}

// TokenIssuer creates and validates signed access tokens and mints opaque
// refresh tokens.
type TokenIssuer interface {
	IssueAccess(userID uint64, active bool) (auth.AccessToken, error)
	ValidateAccess(raw string) (auth.Claims, error)
	NewRefresh() (auth.RefreshToken, error)
	AccessTTL() time.Duration
}

// UserStore is the credential-store slice the session manager needs.
type UserStore interface {
	CreateWithSession(ctx context.Context, email, passwordHash, status string, sess *model.RefreshSession) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	RecordFailedLogin(ctx context.Context, userID uint64, threshold int, window, lockFor time.Duration) (int, *time.Time, error)
	RecordLogin(ctx context.Context, userID uint64) error
	UpdatePassword(ctx context.Context, userID uint64, passwordHash string) error
}

// SessionStore persists refresh sessions.
type SessionStore interface {
	Create(ctx context.Context, s *model.RefreshSession) error
	FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	Rotate(ctx context.Context, oldID uint64, successor *model.RefreshSession) error
	RevokeFamily(ctx context.Context, familyID string) (int64, error)
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeAllForUser(ctx context.Context, userID uint64) error
}

// EventPublisher emits best-effort security events.
type EventPublisher interface {
	Publish(ctx context.Context, queueName string, event any) error
}

// Policy carries the tunables of the login state machine.
type Policy struct {
	LockoutThreshold    int
	LockoutWindow       time.Duration
	LockoutDuration     time.Duration
	RegistrationEnabled bool
	RequireVerification bool
	StorageTimeout      time.Duration
}

// TokenPair is the issued credential bundle returned to the client.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenType        string // always "bearer"
	ExpiresIn        int64  // seconds until the access token expires
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult bundles the public user record with its fresh token pair.
type AuthResult struct {
	User   model.User
	Tokens TokenPair
}

// Session orchestrates the password hasher, token service, credential
// store and event publisher. It holds no mutable state of its own; every
// instance of the service is interchangeable behind a load balancer.
type Session struct {
	hasher   PasswordHasher
	tokens   TokenIssuer
	users    UserStore
	sessions SessionStore
	events   EventPublisher
	policy   Policy
	log      *slog.Logger
	now      func() time.Time
}

// NewSession wires the session manager. events may be a nil publisher.
func NewSession(h PasswordHasher, t TokenIssuer, u UserStore, s SessionStore, e EventPublisher, p Policy, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if p.StorageTimeout <= 0 {
		p.StorageTimeout = 5 * time.Second
	}
	return &Session{
		hasher:   h,
		tokens:   t,
		users:    u,
		sessions: s,
		events:   e,
		policy:   p,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Session) WithClock(fn func() time.Time) *Session {
	if fn != nil {
		s.now = fn
	}
	return s
}

// Register validates input, creates the user and its first refresh session
// in one transaction, and returns the initial token pair. Validation runs
// before any storage access.
func (s *Session) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	if !s.policy.RegistrationEnabled {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRegistrationDisabled
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidEmail
	}
	if err := auth.CheckPasswordStrength(password); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	status := model.StatusActive
	if s.policy.RequireVerification {
		status = model.StatusPending
	}

	refresh, err := s.tokens.NewRefresh()
	if err != nil {
		return nil, err
	}
	sess := &model.RefreshSession{
		FamilyID:  uuid.NewString(),
		TokenHash: auth.HashRefreshRaw(refresh.Raw),
		ExpiresAt: refresh.Exp,
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	userID, err := s.users.CreateWithSession(sctx, email, hash, status, sess)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			metrics.RegistrationsTotal.WithLabelValues("conflict").Inc()
			return nil, repository.ErrEmailExists
		}
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	access, err := s.tokens.IssueAccess(userID, status == model.StatusActive)
	if err != nil {
		return nil, err
	}

	metrics.RegistrationsTotal.WithLabelValues("created").Inc()
	s.publish(ctx, queue.QueueUserRegistered, queue.UserRegisteredEvent{
		UserID:       userID,
		Email:        email,
		Status:       status,
		RegisteredAt: s.now().UTC().Format(time.RFC3339),
	})

	user := model.User{ID: userID, Email: email, Status: status, CreatedAt: s.now().UTC()}
	return &AuthResult{User: user, Tokens: s.pair(access, refresh)}, nil
}

// Login verifies credentials and issues a fresh token pair and refresh
// session. The flow per attempt is: lockout check, credential check,
// counter bookkeeping. A missing account burns a bcrypt verification
// against a fixed dummy hash so the response time does not reveal whether
// the email is registered.
func (s *Session) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	user, err := s.readUserByEmail(sctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Verify(password, s.hasher.DummyHash())
			metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
			return nil, ErrInvalidCredentials
		}
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := s.now().UTC()
	if user.Locked(now) {
		// No verification attempt while locked; the lock is the answer.
		s.log.Info("login rejected: account locked", "user_id", user.ID, "locked_until", user.LockedUntil)
		metrics.LoginsTotal.WithLabelValues("locked").Inc()
		return nil, ErrAccountLocked
	}

	ok := s.hasher.Verify(password, user.PasswordHash)
	if !ok {
		count, lockedUntil, ferr := s.users.RecordFailedLogin(sctx, user.ID,
			s.policy.LockoutThreshold, s.policy.LockoutWindow, s.policy.LockoutDuration)
		if ferr != nil {
			s.log.Error("failed-login bookkeeping failed", "user_id", user.ID, "err", ferr)
		} else if lockedUntil != nil && count == s.policy.LockoutThreshold {
			// Exactly one attempt crosses the threshold; that attempt owns
			// the lock event.
			metrics.LockoutsTotal.Inc()
			s.log.Warn("account locked after repeated failures", "user_id", user.ID, "failed_count", count)
			s.publish(ctx, queue.QueueAccountLocked, queue.AccountLockedEvent{
				UserID:      user.ID,
				FailedCount: count,
				LockedUntil: lockedUntil.UTC().Format(time.RFC3339),
				LockedAt:    now.Format(time.RFC3339),
			})
		}
		metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}

	if !s.mayLogIn(&user) {
		// Correct password, but the account is pending verification or
		// suspended. Same generic answer as a bad password so account
		// state is not disclosed.
		s.log.Info("login rejected: account not eligible", "user_id", user.ID, "status", user.Status)
		metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, ErrInvalidCredentials
	}

	if err := s.users.RecordLogin(sctx, user.ID); err != nil {
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	result, err := s.issue(sctx, &user)
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.LoginsTotal.WithLabelValues("issued").Inc()
	return result, nil
}

// Refresh rotates the presented refresh token: the old session is revoked
// and replaced by a successor in the same family, and a new access token
// is issued. Presenting an already-rotated token revokes the entire family
// — a stolen refresh token is single-use with immediate detectability.
func (s *Session) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	tokenHash := auth.HashRefreshRaw(strings.TrimSpace(refreshToken))

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	sess, err := s.readSessionByHash(sctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}

	if sess.Revoked() {
		return nil, s.handleReuse(ctx, sctx, &sess)
	}
	if sess.Expired(s.now().UTC()) {
		return nil, ErrInvalidRefresh
	}

	user, err := s.readUserByID(sctx, sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidRefresh
		}
		return nil, err
	}

	refresh, err := s.tokens.NewRefresh()
	if err != nil {
		return nil, err
	}
	successor := &model.RefreshSession{
		FamilyID:  sess.FamilyID,
		UserID:    sess.UserID,
		TokenHash: auth.HashRefreshRaw(refresh.Raw),
		ExpiresAt: refresh.Exp,
	}
	if err := s.sessions.Rotate(sctx, sess.ID, successor); err != nil {
		if errors.Is(err, repository.ErrRotationConflict) {
			// A concurrent call rotated this session first. Same treatment
			// as replay of a rotated token: never two rotations from one
			// ancestor.
			return nil, s.handleReuse(ctx, sctx, &sess)
		}
		return nil, err
	}

	access, err := s.tokens.IssueAccess(user.ID, user.Status == model.StatusActive)
	if err != nil {
		return nil, err
	}
	metrics.RefreshRotationsTotal.Inc()
	return &AuthResult{User: user, Tokens: s.pair(access, refresh)}, nil
}

// Logout revokes the session matching the presented refresh token. It is
// idempotent: revoking an unknown or already-revoked token succeeds.
func (s *Session) Logout(ctx context.Context, refreshToken string) error {
	tokenHash := auth.HashRefreshRaw(strings.TrimSpace(refreshToken))
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.sessions.RevokeByHash(sctx, tokenHash)
}

// LogoutAll revokes every active session the user owns.
func (s *Session) LogoutAll(ctx context.Context, userID uint64) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.sessions.RevokeAllForUser(sctx, userID)
}

// Whoami loads the authenticated user's current record.
func (s *Session) Whoami(ctx context.Context, userID uint64) (model.User, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.readUserByID(sctx, userID)
}

// ChangePassword verifies the current password, enforces the strength
// policy on the replacement and revokes every existing session, forcing
// re-authentication everywhere.
func (s *Session) ChangePassword(ctx context.Context, userID uint64, current, replacement string) error {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	user, err := s.readUserByID(sctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := auth.CheckPasswordStrength(replacement); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(replacement)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(sctx, userID, hash); err != nil {
		return err
	}
	return s.sessions.RevokeAllForUser(sctx, userID)
}

// handleReuse revokes the whole family of a rotated-then-replayed session
// and reports the incident. Always returns ErrReuseDetected.
func (s *Session) handleReuse(ctx, sctx context.Context, sess *model.RefreshSession) error {
	revoked, err := s.sessions.RevokeFamily(sctx, sess.FamilyID)
	if err != nil {
		s.log.Error("family revocation failed", "family_id", sess.FamilyID, "err", err)
	}
	metrics.ReuseDetectedTotal.Inc()
	s.log.Warn("refresh token reuse detected, family revoked",
		"user_id", sess.UserID, "family_id", sess.FamilyID, "revoked", revoked)
	s.publish(ctx, queue.QueueReuseDetected, queue.ReuseDetectedEvent{
		UserID:          sess.UserID,
		FamilyID:        sess.FamilyID,
		RevokedSessions: revoked,
		DetectedAt:      s.now().UTC().Format(time.RFC3339),
	})
	return ErrReuseDetected
}

// mayLogIn applies the status gate: active always may, pending only when
// verification is not enforced, suspended never.
func (s *Session) mayLogIn(u *model.User) bool {
	switch u.Status {
	case model.StatusActive:
		return true
	case model.StatusPending:
		return !s.policy.RequireVerification
	default:
		return false
	}
}

// issue creates a new refresh session in a fresh family plus an access
// token for an authenticated user.
func (s *Session) issue(sctx context.Context, user *model.User) (*AuthResult, error) {
	refresh, err := s.tokens.NewRefresh()
	if err != nil {
		return nil, err
	}
	sess := &model.RefreshSession{
		FamilyID:  uuid.NewString(),
		UserID:    user.ID,
		TokenHash: auth.HashRefreshRaw(refresh.Raw),
		ExpiresAt: refresh.Exp,
	}
	if err := s.sessions.Create(sctx, sess); err != nil {
		return nil, err
	}
	access, err := s.tokens.IssueAccess(user.ID, user.Status == model.StatusActive)
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: *user, Tokens: s.pair(access, refresh)}, nil
}

func (s *Session) pair(access auth.AccessToken, refresh auth.RefreshToken) TokenPair {
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Raw,
		TokenType:        "bearer",
		ExpiresIn:        int64(s.tokens.AccessTTL() / time.Second),
		AccessExpiresAt:  access.Exp,
		RefreshExpiresAt: refresh.Exp,
	}
}

func (s *Session) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.policy.StorageTimeout)
}

// publish sends a security event without letting broker trouble interrupt
// the request.
func (s *Session) publish(ctx context.Context, queueName string, event any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, queueName, event)
}

// Storage reads are retried once with a short backoff; writes never are,
// since retrying a counter increment or a rotation could execute it twice.

func (s *Session) readUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err == nil || errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
		return u, err
	}
	time.Sleep(100 * time.Millisecond)
	return s.users.GetByEmail(ctx, email)
}

func (s *Session) readUserByID(ctx context.Context, id uint64) (model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err == nil || errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
		return u, err
	}
	time.Sleep(100 * time.Millisecond)
	return s.users.GetByID(ctx, id)
}

func (s *Session) readSessionByHash(ctx context.Context, hash string) (model.RefreshSession, error) {
	sess, err := s.sessions.FindByTokenHash(ctx, hash)
	if err == nil || errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
		return sess, err
	}
	time.Sleep(100 * time.Millisecond)
	return s.sessions.FindByTokenHash(ctx, hash)
}
