// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// session service to distinguish between different failure scenarios
// without parsing driver errors. For example, ErrEmailExists maps a MySQL
// duplicate-key violation on the unique email index to a conflict the
// handler can report precisely, while ErrRotationConflict signals that a
// concurrent refresh call already rotated the presented session.
package repository

import "errors"

// ErrEmailExists is returned when an insert hits the unique index on
// users.email. Handlers translate this into an HTTP 409 response.
var ErrEmailExists = errors.New("email already exists")

// ErrRotationConflict is returned when a compare-and-set rotation finds the
// session already revoked. Exactly one of two concurrent refresh calls
// presenting the same token receives this; the session service treats it
// the same as reuse of a rotated token.
var ErrRotationConflict = errors.New("refresh session already rotated")
