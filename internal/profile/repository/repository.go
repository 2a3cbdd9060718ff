package repository

import (
	"context"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	"freight-marketplace/identity/internal/profile/domain"
)

// Repository defines persistence for profiles and their granted roles.
type Repository interface {
	// ListProfiles returns up to limit profiles of identity ordered by created_at, id.
	ListProfiles(ctx context.Context, identity identitydomain.Identity, limit int) ([]*domain.Profile, error)
	// ListRoles returns granted roles per identity for all identities in a single query.
	ListRoles(ctx context.Context, identities []identitydomain.Identity) (map[identitydomain.Identity][]domain.Role, error)
	// InsertProfile persists draft. Unique violations are returned as *domain.ConflictError.
	InsertProfile(ctx context.Context, draft *domain.Draft) (*domain.Profile, error)
	// UpdateActiveFlag sets is_active on profileID and clears it on the identity's other profiles.
	UpdateActiveFlag(ctx context.Context, identity identitydomain.Identity, profileID string) error
	// GrantRole adds role to identity's granted roles. Granting an existing role is a no-op.
	GrantRole(ctx context.Context, identity identitydomain.Identity, role domain.Role) error
}
