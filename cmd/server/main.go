package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/config"
	"github.com/iliyamo/auth-session-service/internal/database"
	"github.com/iliyamo/auth-session-service/internal/handler"
	"github.com/iliyamo/auth-session-service/internal/logging"
	"github.com/iliyamo/auth-session-service/internal/metrics"
	"github.com/iliyamo/auth-session-service/internal/middleware"
	"github.com/iliyamo/auth-session-service/internal/queue"
	"github.com/iliyamo/auth-session-service/internal/repository"
	"github.com/iliyamo/auth-session-service/internal/router"
	"github.com/iliyamo/auth-session-service/internal/service"
)

func main() {
	cfg := config.Load() // Load environment config

	log := logging.New(levelFor(cfg.Env))
	slog.SetDefault(log)
	metrics.Init()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := config.NewRedisClient() // nil when Redis is absent; limiter degrades locally
	if rdb != nil {
		defer rdb.Close()
	}

	publisher := queue.NewPublisher(cfg.AMQPURL, log) // nil when AMQP_URL unset
	defer publisher.Close()

	hasher := auth.NewHasher(cfg.BcryptCost, log)
	tokens, err := auth.NewTokenService(
		cfg.JWTSecret,
		time.Duration(cfg.AccessTTLMin)*time.Minute,
		time.Duration(cfg.RefreshTTLDays)*24*time.Hour,
	)
	if err != nil {
		log.Error("token service init failed", "err", err)
		os.Exit(1)
	}

	users := repository.NewUserRepo(db)
	sessions := repository.NewSessionRepo(db)

	svc := service.NewSession(hasher, tokens, users, sessions, publisher, service.Policy{
		LockoutThreshold:    cfg.LockoutThreshold,
		LockoutWindow:       cfg.LockoutWindow,
		LockoutDuration:     cfg.LockoutDuration,
		RegistrationEnabled: cfg.RegistrationEnabled,
		RequireVerification: cfg.RequireVerification,
		StorageTimeout:      cfg.StorageTimeout,
	}, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middlewareRecover(log))
	e.Use(middleware.SecurityHeaders())

	deps := router.Deps{
		Auth:          handler.NewAuthHandler(svc, log),
		Tokens:        tokens,
		Users:         users,
		DB:            db,
		Redis:         rdb,
		Log:           log,
		RegisterLimit: config.LoadRegisterRateLimit(),
		LoginLimit:    config.LoadLoginRateLimit(),
		RefreshLimit:  config.LoadRefreshRateLimit(),
	}
	router.RegisterRoutes(e, deps)
	router.RegisterAuth(e, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepExpiredSessions(ctx, sessions, cfg.SweepInterval, log)

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", "err", err)
	}
}

// sweepExpiredSessions periodically removes refresh sessions past their
// expiry. Revocation already makes them unusable; the sweep only keeps the
// table from growing without bound.
func sweepExpiredSessions(ctx context.Context, sessions *repository.SessionRepo, every time.Duration, log *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := sessions.DeleteExpired(opCtx, time.Now().UTC())
			cancel()
			if err != nil {
				log.Warn("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("session sweep", "deleted", n)
			}
		}
	}
}

func levelFor(env string) string {
	if env == "prod" || env == "production" {
		return "info"
	}
	return "debug"
}

// middlewareRecover turns handler panics into logged 500s instead of a
// dead connection.
func middlewareRecover(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", "path", c.Path(), "panic", r)
					_ = c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal"})
				}
			}()
			return next(c)
		}
	}
}
