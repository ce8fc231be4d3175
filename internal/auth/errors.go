package auth

import "errors"

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: resource conflict")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrUnavailable     = errors.New("auth: temporarily unavailable")
	ErrNotInvited      = errors.New("auth: no pending invitation")

	// ErrInvalidToken indicates an access token failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)
