package auth

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidChallenge   = errors.New("invalid or expired two-factor challenge")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSamePassword       = errors.New("new password must differ from the current one")
	ErrUnauthorized       = errors.New("unauthorized")
)
