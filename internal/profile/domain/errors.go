package domain

import "errors"

// Store errors; repositories wrap driver errors with these so callers can classify them
// without knowing the driver.
var (
	ErrTimeout          = errors.New("profile store timed out")
	ErrPermissionDenied = errors.New("profile store denied access for this session")
	ErrPolicyRecursion  = errors.New("profile store authorization policy is self-referential")
)

// ErrNotCorrectable is returned by Draft.WithField for a field a user cannot correct.
var ErrNotCorrectable = errors.New("field cannot be corrected")

// FieldRoleSlot is reported by ConflictError when another client already provisioned the
// same (identity, role) slot.
const FieldRoleSlot = "role_slot"
