package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable. The types reflect how the values are used in
// the application: strings for identifiers and secrets, ints and durations
// for lifetimes and costs.
type Config struct {
	Env            string // application environment (e.g. "dev", "prod")
	Port           string // HTTP port to listen on
	DBUser         string // database username
	DBPass         string // database password (optional)
	DBHost         string // database host address
	DBPort         string // database port number
	DBName         string // database name
	JWTSecret      string // secret used to sign access JWTs
	AccessTTLMin   int    // access token time-to-live in minutes
	RefreshTTLDays int    // refresh token time-to-live in days
	BcryptCost     int    // bcrypt cost for password hashing

	RegistrationEnabled bool // whether POST /register is accepted at all
	RequireVerification bool // create users as pending_verification and block their logins

	LockoutThreshold int           // failed logins before the account locks
	LockoutWindow    time.Duration // window in which failures are counted
	LockoutDuration  time.Duration // how long a locked account stays locked

	StorageTimeout time.Duration // per-call deadline for database operations
	SweepInterval  time.Duration // how often expired refresh sessions are deleted

	AMQPURL string // RabbitMQ URL for security events (empty disables publishing)
}

// Load reads configuration values from environment variables and returns a
// Config. A .env file is merged in first when present so local development
// does not need exported variables. Required variables are enforced by
// must() and missing values cause the program to exit with a fatal log
// message; serving requests with an unset JWT secret is never an option.
func Load() Config {
	_ = godotenv.Load() // absent .env is fine; real env always wins

	return Config{
		Env:            must("APP_ENV"),
		Port:           must("APP_PORT"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"), // empty allowed
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		JWTSecret:      must("JWT_SECRET"),
		AccessTTLMin:   envInt("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays: envInt("REFRESH_TOKEN_TTL_DAYS", 30),
		BcryptCost:     envInt("BCRYPT_COST", 12),

		RegistrationEnabled: envBool("REGISTRATION_ENABLED", true),
		RequireVerification: envBool("REQUIRE_EMAIL_VERIFICATION", false),

		LockoutThreshold: envInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    envDur("LOCKOUT_WINDOW", 15*time.Minute),
		LockoutDuration:  envDur("LOCKOUT_DURATION", 15*time.Minute),

		StorageTimeout: envDur("STORAGE_TIMEOUT", 5*time.Second),
		SweepInterval:  envDur("SESSION_SWEEP_INTERVAL", time.Hour),

		AMQPURL: os.Getenv("AMQP_URL"), // optional; empty disables the publisher
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
