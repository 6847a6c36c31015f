package auth

import (
	"fmt"
	"strings"
	"unicode"
)

// MinPasswordLength is the smallest accepted password length.
const MinPasswordLength = 8

// WeakPasswordError lists the specific requirements a candidate password
// failed, so callers can render actionable feedback instead of a blanket
// rejection. The policy is enforced server-side at registration and
// password change; a client-side copy of it is cosmetic only.
type WeakPasswordError struct {
	Missing []string
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("weak password: missing %s", strings.Join(e.Missing, ", "))
}

// CheckPasswordStrength validates the password policy: at least
// MinPasswordLength characters and all four character classes (lowercase,
// uppercase, digit, symbol) present. Returns nil when the password passes,
// otherwise a *WeakPasswordError naming every unmet requirement.
func CheckPasswordStrength(plain string) error {
	var missing []string
	if len(plain) < MinPasswordLength {
		missing = append(missing, fmt.Sprintf("min_length_%d", MinPasswordLength))
	}
	var lower, upper, digit, symbol bool
	for _, r := range plain {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !lower {
		missing = append(missing, "lowercase")
	}
	if !upper {
		missing = append(missing, "uppercase")
	}
	if !digit {
		missing = append(missing, "digit")
	}
	if !symbol {
		missing = append(missing, "symbol")
	}
	if len(missing) > 0 {
		return &WeakPasswordError{Missing: missing}
	}
	return nil
}
