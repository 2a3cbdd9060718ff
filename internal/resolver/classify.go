package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// ErrorKind is the recovery class of a resolution failure.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "TIMEOUT"
	KindConflict       ErrorKind = "CONFLICT"
	KindInvalidSession ErrorKind = "INVALID_SESSION"
	KindPolicyFault    ErrorKind = "POLICY_FAULT"
	KindUnknown        ErrorKind = "UNKNOWN"
)

// ClassifiedError is the only error type the resolver exposes. Err keeps the cause for logs.
type ClassifiedError struct {
	Kind ErrorKind
	// Field names the conflicting draft field for KindConflict.
	Field string
	// ReturnTo is the caller location to restore after re-authentication (KindInvalidSession).
	ReturnTo string
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Message is the user-facing text for the error kind.
func (e *ClassifiedError) Message() string {
	switch e.Kind {
	case KindTimeout:
		return "The server is taking too long to respond. Retrying shortly."
	case KindConflict:
		return fmt.Sprintf("This %s is already registered to another profile.", e.Field)
	case KindInvalidSession:
		return "Your session has expired. Please sign in again."
	case KindPolicyFault:
		return "The system is under maintenance. Please try again shortly."
	default:
		return "Could not load your profile."
	}
}

// Classify maps err to a ClassifiedError. A nil err returns nil; an already classified
// error is returned as is.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	var conflict *profiledomain.ConflictError
	switch {
	case errors.As(err, &conflict):
		return &ClassifiedError{Kind: KindConflict, Field: conflict.Field, Err: err}
	case errors.Is(err, profiledomain.ErrPolicyRecursion):
		return &ClassifiedError{Kind: KindPolicyFault, Err: err}
	case errors.Is(err, profiledomain.ErrPermissionDenied),
		errors.Is(err, identitydomain.ErrSessionInvalid),
		errors.Is(err, identitydomain.ErrNoSession):
		return &ClassifiedError{Kind: KindInvalidSession, Err: err}
	case isTimeout(err):
		return &ClassifiedError{Kind: KindTimeout, Err: err}
	}
	return &ClassifiedError{Kind: KindUnknown, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, profiledomain.ErrTimeout) ||
		errors.Is(err, ErrLockTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
