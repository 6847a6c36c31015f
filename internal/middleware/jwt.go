package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/model"
)

// Context keys populated by JWTAuth for downstream handlers.
const (
	CtxUserID = "user_id"
	CtxActive = "active"
)

// TokenValidator verifies an access token. Satisfied by *auth.TokenService.
type TokenValidator interface {
	ValidateAccess(raw string) (auth.Claims, error)
}

// UserLoader is the store lookup RequireActive performs. Satisfied by
// *repository.UserRepo.
type UserLoader interface {
	GetByID(ctx context.Context, id uint64) (model.User, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token
// and injects the subject and active flag into the request context. The
// check is a local signature verification, no storage I/O; downstream
// handlers never re-verify. Every rejection is the same generic 401 — the
// sub-reason (missing vs expired vs malformed) goes to the log only, so
// the response cannot be used as an oracle.
func JWTAuth(tokens TokenValidator, log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				log.Debug("auth rejected: missing bearer token", "path", c.Path())
				return unauthorized(c)
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims, err := tokens.ValidateAccess(raw)
			if err != nil {
				log.Info("auth rejected", "path", c.Path(), "reason", err)
				return unauthorized(c)
			}

			c.Set(CtxUserID, claims.UserID)
			c.Set(CtxActive, claims.Active)
			return next(c)
		}
	}
}

// RequireActive performs a live status lookup for privileged operations.
// The access token's `active` flag is a snapshot from issuance time; for
// routes where a stale flag is unacceptable (password change, logout-all),
// this middleware pays the extra store read that the hot path avoids.
func RequireActive(users UserLoader, log *slog.Logger) echo.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, ok := CurrentUserID(c)
			if !ok {
				return unauthorized(c)
			}
			user, err := users.GetByID(c.Request().Context(), userID)
			if err != nil {
				log.Info("active check failed", "user_id", userID, "err", err)
				return unauthorized(c)
			}
			if user.Status != model.StatusActive {
				log.Info("privileged call rejected: account not active", "user_id", userID, "status", user.Status)
				return unauthorized(c)
			}
			return next(c)
		}
	}
}

// CurrentUserID returns the authenticated subject injected by JWTAuth.
func CurrentUserID(c echo.Context) (uint64, bool) {
	v, ok := c.Get(CtxUserID).(uint64)
	return v, ok
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}
