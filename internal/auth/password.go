package auth

import (
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPassword is returned when an empty plaintext is submitted for
// hashing. It is the only way Hash can fail on valid configuration.
var ErrEmptyPassword = errors.New("auth: empty password")

// Hasher wraps bcrypt with a fixed work factor. The cost is chosen so a
// verification takes on the order of 100-300 ms on reference hardware;
// that latency is the point, not an accident.
type Hasher struct {
	cost  int
	dummy string
	log   *slog.Logger
}

// NewHasher builds a Hasher with the given bcrypt cost. Costs outside
// bcrypt's supported range fall back to the library default. A dummy hash
// is precomputed at the configured cost so callers can burn an equivalent
// verification when the account does not exist (timing-attack mitigation).
func NewHasher(cost int, log *slog.Logger) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if log == nil {
		log = slog.Default()
	}
	// The input value is irrelevant; no real password ever matches it
	// because Verify against it is only called on unknown accounts.
	dummy, err := bcrypt.GenerateFromPassword([]byte("auth-session-service.dummy"), cost)
	if err != nil {
		// GenerateFromPassword only fails on an invalid cost, which the
		// range check above already excludes.
		panic(err)
	}
	return &Hasher{cost: cost, dummy: string(dummy), log: log}
}

// Hash returns the bcrypt hash of plain. Empty input fails with
// ErrEmptyPassword before touching bcrypt.
func (h *Hasher) Hash(plain string) (string, error) {
	if plain == "" {
		return "", ErrEmptyPassword
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify compares a bcrypt hash and plain password. It never returns an
// error: a malformed stored hash yields false and a warning log entry so a
// corrupt row cannot turn into a 500 on the login path.
func (h *Hasher) Verify(plain, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		h.log.Warn("corrupt password hash", "err", err)
	}
	return false
}

// DummyHash returns the precomputed hash used to equalize verification
// timing for unknown accounts.
func (h *Hasher) DummyHash() string { return h.dummy }
