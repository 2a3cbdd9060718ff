package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

// Profile is one role-scoped persona owned by an identity. An identity may own several
// profiles (e.g. a driver and a producer at the same time).
type Profile struct {
	ID          string
	Identity    identitydomain.Identity
	DisplayName string
	Email       string
	Phone       string
	Document    string // national document id; unique across profiles
	PrimaryRole Role
	Roles       []Role // derived: primary role plus roles granted in the role table
	Status      ApprovalStatus
	Active      bool // server-side active flag, mirrored from explicit switches only
	Rating      float64
	City        string
	State       string
	Latitude    *float64
	Longitude   *float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Role string

const (
	RoleDriver           Role = "DRIVER"
	RoleProducer         Role = "PRODUCER"
	RoleTransportCompany Role = "TRANSPORT_COMPANY"
	RoleServiceProvider  Role = "SERVICE_PROVIDER"
	RoleAdmin            Role = "ADMIN"
)

// ParseRole returns the role named by s (case-insensitive). Unknown values return false.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleDriver, RoleProducer, RoleTransportCompany, RoleServiceProvider, RoleAdmin:
		return r, true
	}
	return "", false
}

type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

// HasRole reports whether r is among the profile's derived roles.
func (p *Profile) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// MergeRoles sets p.Roles to the primary role plus extra, deduplicated and sorted.
func (p *Profile) MergeRoles(extra []Role) {
	seen := make(map[Role]bool, len(extra)+1)
	out := make([]Role, 0, len(extra)+1)
	if p.PrimaryRole != "" {
		seen[p.PrimaryRole] = true
		out = append(out, p.PrimaryRole)
	}
	for _, r := range extra {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	p.Roles = out
}

// SortByCreation orders profiles by creation time, then id, so default selection is stable.
func SortByCreation(profiles []*Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Draft is a profile to be inserted by auto-provisioning.
type Draft struct {
	ID          string
	Identity    identitydomain.Identity
	DisplayName string
	Email       string
	Phone       string
	Document    string
	PrimaryRole Role
	Status      ApprovalStatus
}

// Draft field names used by ConflictError and Draft.WithField.
const (
	FieldDocument = "document"
	FieldEmail    = "email"
	FieldPhone    = "phone"
)

// Validate returns an error describing the first validation failure.
func (d *Draft) Validate() error {
	if d.ID == "" {
		return errors.New("profile id is required")
	}
	if d.Identity == "" {
		return errors.New("identity is required")
	}
	if d.PrimaryRole == "" {
		d.PrimaryRole = RoleProducer
	}
	if _, ok := ParseRole(string(d.PrimaryRole)); !ok {
		return fmt.Errorf("unknown role %q", d.PrimaryRole)
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	return nil
}

// WithField returns a copy of d with the named field replaced by value.
func (d Draft) WithField(field, value string) (Draft, error) {
	value = strings.TrimSpace(value)
	switch field {
	case FieldDocument:
		d.Document = value
	case FieldEmail:
		d.Email = value
	case FieldPhone:
		d.Phone = value
	default:
		return d, fmt.Errorf("%w: %q", ErrNotCorrectable, field)
	}
	return d, nil
}

// Value returns the current value of the named field.
func (d *Draft) Value(field string) string {
	switch field {
	case FieldDocument:
		return d.Document
	case FieldEmail:
		return d.Email
	case FieldPhone:
		return d.Phone
	}
	return ""
}

// ConflictError is returned by the store when an insert violates a uniqueness constraint on a
// personal field already claimed by another profile.
type ConflictError struct {
	Field      string
	Constraint string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("profile %s already in use (%s)", e.Field, e.Constraint)
}
