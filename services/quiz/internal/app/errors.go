package app

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthenticated is returned when no session token accompanies the request.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrInvalidSession is returned when the token matches no session row.
	ErrInvalidSession = errors.New("invalid or expired session")

	// ErrForbidden is returned when the session lacks a required scope or role.
	ErrForbidden = errors.New("insufficient permissions")

	// ErrInvalidCredentials covers both unknown usernames and wrong passwords
	// so responses do not reveal which accounts exist.
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrNotFound = errors.New("not found")

	// ErrValidation wraps a user-facing description of the rejected input.
	ErrValidation = errors.New("validation failed")

	// ErrStorage marks a rolled-back persistence failure. Its wrapped detail
	// is for logs only.
	ErrStorage = errors.New("storage failure")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidationMessage returns the user-facing part of a validation error.
func ValidationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
}
