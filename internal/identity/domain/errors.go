package domain

import "errors"

// Session errors shared by the session provider and its consumers.
var (
	ErrNoSession      = errors.New("no active session")
	ErrSessionInvalid = errors.New("session is invalid or revoked")
)
