package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/middleware"
	"github.com/iliyamo/auth-session-service/internal/model"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/service"
)

// AuthHandler bundles dependencies for auth endpoints. All policy lives in
// the session service; this layer binds requests, translates errors into
// the HTTP contract and keeps password hashes out of every response.
type AuthHandler struct {
	Sessions *service.Session
	Log      *slog.Logger
}

func NewAuthHandler(sessions *service.Session, log *slog.Logger) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{Sessions: sessions, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}
type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type userPart struct {
	ID          uint64     `json:"id"`
	Email       string     `json:"email"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type tokensPart struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type authResp struct {
	User   userPart   `json:"user"`
	Tokens tokensPart `json:"tokens"`
}

func toUserPart(u model.User) userPart {
	return userPart{
		ID:          u.ID,
		Email:       u.Email,
		Status:      u.Status,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func toResp(r *service.AuthResult) authResp {
	return authResp{
		User: toUserPart(r.User),
		Tokens: tokensPart{
			AccessToken:  r.Tokens.AccessToken,
			RefreshToken: r.Tokens.RefreshToken,
			TokenType:    r.Tokens.TokenType,
			ExpiresIn:    r.Tokens.ExpiresIn,
		},
	}
}

// Register: create user and return the initial token pair.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_body"})
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email_password_required"})
	}

	result, err := h.Sessions.Register(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		var weak *auth.WeakPasswordError
		switch {
		case errors.Is(err, service.ErrRegistrationDisabled):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "registration_disabled"})
		case errors.Is(err, service.ErrInvalidEmail):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_email", "field": "email"})
		case errors.As(err, &weak):
			// Actionable detail: the caller can show which rules failed.
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":   "weak_password",
				"field":   "password",
				"missing": weak.Missing,
			})
		case errors.Is(err, repository.ErrEmailExists):
			return c.JSON(http.StatusConflict, echo.Map{"error": "email_exists", "field": "email"})
		}
		h.Log.Error("register failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.JSON(http.StatusCreated, toResp(result))
}

// Login: verify credentials and return a new pair. Invalid credentials and
// unknown accounts share one response shape; only a lockout is named,
// because hiding it would just degrade the UX without helping security.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_body"})
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email_password_required"})
	}

	result, err := h.Sessions.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_credentials"})
		case errors.Is(err, service.ErrAccountLocked):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "account_locked"})
		}
		h.Log.Error("login failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.JSON(http.StatusOK, toResp(result))
}

// Refresh: rotate the presented refresh token and issue a new access
// token. Reuse of a rotated token gets the same generic 401 as any other
// invalid token; the incident details live in logs and events only.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token_required"})
	}

	result, err := h.Sessions.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefresh) || errors.Is(err, service.ErrReuseDetected) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_refresh"})
		}
		h.Log.Error("refresh failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.JSON(http.StatusOK, toResp(result))
}

// Logout: revoke the session behind the presented refresh token.
// Idempotent — logging out an already-revoked or unknown token returns the
// same 204 as the first call.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token_required"})
	}
	if err := h.Sessions.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		h.Log.Error("logout failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll: revoke every session of the authenticated user (protected).
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if err := h.Sessions.LogoutAll(c.Request().Context(), userID); err != nil {
		h.Log.Error("logout-all failed", "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Me: return the authenticated user's current record (protected).
func (h *AuthHandler) Me(c echo.Context) error {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	user, err := h.Sessions.Whoami(c.Request().Context(), userID)
	if err != nil {
		h.Log.Error("whoami failed", "user_id", userID, "err", err)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	return c.JSON(http.StatusOK, echo.Map{"user": toUserPart(user)})
}

// ChangePassword: verify the current password and replace it; all existing
// sessions are revoked (protected + RequireActive).
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req changePasswordReq
	if err := c.Bind(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "passwords_required"})
	}
	err := h.Sessions.ChangePassword(c.Request().Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		var weak *auth.WeakPasswordError
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid_credentials"})
		case errors.As(err, &weak):
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error":   "weak_password",
				"field":   "new_password",
				"missing": weak.Missing,
			})
		}
		h.Log.Error("password change failed", "user_id", userID, "err", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
	}
	return c.NoContent(http.StatusNoContent)
}
