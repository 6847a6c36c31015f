package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-session-service/internal/config"
	"github.com/iliyamo/auth-session-service/internal/handler"
	"github.com/iliyamo/auth-session-service/internal/metrics"
	"github.com/iliyamo/auth-session-service/internal/middleware"
)

// Deps carries everything route registration needs. Wiring the limiter
// configs in here keeps main() down to construction and shutdown.
type Deps struct {
	Auth   *handler.AuthHandler
	Tokens middleware.TokenValidator
	Users  middleware.UserLoader
	DB     *sql.DB
	Redis  *redis.Client
	Log    *slog.Logger

	RegisterLimit config.RateLimitConfig
	LoginLimit    config.RateLimitConfig
	RefreshLimit  config.RateLimitConfig
}

// RegisterRoutes registers routes that do not require authentication:
// the health probes and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(d.DB))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterAuth registers all authentication-related routes and applies
// the necessary middleware. Unauthenticated operations live under
// /v1/auth, each behind its own token bucket; protected endpoints live
// under /v1 behind JWTAuth.
func RegisterAuth(e *echo.Echo, d Deps) {
	g := e.Group("/v1/auth")
	g.POST("/register", d.Auth.Register, middleware.NewTokenBucket(d.RegisterLimit, d.Redis))
	g.POST("/login", d.Auth.Login, middleware.NewTokenBucket(d.LoginLimit, d.Redis))
	g.POST("/refresh", d.Auth.Refresh, middleware.NewTokenBucket(d.RefreshLimit, d.Redis))
	// Logout takes a refresh token in the body, not an access token, so it
	// stays outside the protected group; a client with an expired access
	// token must still be able to end its session.
	g.POST("/logout", d.Auth.Logout)

	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(d.Tokens, d.Log))
	auth.GET("/me", d.Auth.Me)
	auth.POST("/logout-all", d.Auth.LogoutAll)

	// Password changes re-check account status against the store; the
	// token's active flag alone is too stale for this.
	active := auth.Group("/me")
	active.Use(middleware.RequireActive(d.Users, d.Log))
	active.PUT("/password", d.Auth.ChangePassword)
}
