package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"freight-marketplace/identity/internal/profile/domain"
)

// ErrProfileNotFound is returned by UpdateActiveFlag when the identity does not own the profile.
var ErrProfileNotFound = errors.New("profile not found")

// Postgres SQLSTATE codes the resolver distinguishes.
const (
	codeUniqueViolation       = "23505"
	codeQueryCanceled         = "57014"
	codeInsufficientPrivilege = "42501"
	codeInvalidAuthorization  = "28000"
	codeInfiniteRecursion     = "42P17"
)

// mapError translates driver errors into profile domain errors. Unrecognised errors are
// returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return &domain.ConflictError{Field: conflictField(pgErr.ConstraintName), Constraint: pgErr.ConstraintName}
		case codeQueryCanceled:
			return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		case codeInsufficientPrivilege, codeInvalidAuthorization:
			return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
		case codeInfiniteRecursion:
			return fmt.Errorf("%w: %w", domain.ErrPolicyRecursion, err)
		}
		return err
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

// conflictField names the draft field behind a unique constraint.
func conflictField(constraint string) string {
	c := strings.ToLower(constraint)
	switch {
	case strings.Contains(c, "document"):
		return domain.FieldDocument
	case strings.Contains(c, "email"):
		return domain.FieldEmail
	case strings.Contains(c, "phone"):
		return domain.FieldPhone
	case strings.Contains(c, "primary_role"), strings.Contains(c, "pkey"):
		return domain.FieldRoleSlot
	}
	return constraint
}
