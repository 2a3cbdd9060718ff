package repository

import (
	"context"
	"database/sql"
	"fmt"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	"freight-marketplace/identity/internal/profile/domain"
)

const profileColumns = `id, identity, display_name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(document, ''),
	primary_role, status, is_active, rating, COALESCE(city, ''), COALESCE(state, ''), latitude, longitude,
	created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a profile repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*domain.Profile, error) {
	var (
		p        domain.Profile
		identity string
		role     string
		status   string
		lat, lng sql.NullFloat64
	)
	err := row.Scan(&p.ID, &identity, &p.DisplayName, &p.Email, &p.Phone, &p.Document,
		&role, &status, &p.Active, &p.Rating, &p.City, &p.State, &lat, &lng,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Identity = identitydomain.Identity(identity)
	p.PrimaryRole = domain.Role(role)
	p.Status = domain.ApprovalStatus(status)
	if lat.Valid {
		p.Latitude = &lat.Float64
	}
	if lng.Valid {
		p.Longitude = &lng.Float64
	}
	return &p, nil
}

// ListProfiles returns up to limit profiles of identity, oldest first.
func (r *PostgresRepository) ListProfiles(ctx context.Context, identity identitydomain.Identity, limit int) ([]*domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE identity = $1 ORDER BY created_at, id LIMIT $2`,
		string(identity), limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []*domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

// ListRoles returns the granted roles of every identity in identities with one query.
func (r *PostgresRepository) ListRoles(ctx context.Context, identities []identitydomain.Identity) (map[identitydomain.Identity][]domain.Role, error) {
	out := make(map[identitydomain.Identity][]domain.Role, len(identities))
	if len(identities) == 0 {
		return out, nil
	}
	ids := make([]string, len(identities))
	for i, id := range identities {
		ids[i] = string(id)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT identity, role FROM profile_roles WHERE identity = ANY($1) ORDER BY identity, role`, ids)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var identity, role string
		if err := rows.Scan(&identity, &role); err != nil {
			return nil, mapError(err)
		}
		id := identitydomain.Identity(identity)
		out[id] = append(out[id], domain.Role(role))
	}
	return out, mapError(rows.Err())
}

// InsertProfile persists draft after validating it. Empty contact fields are stored as NULL
// so they never collide on a unique constraint.
func (r *PostgresRepository) InsertProfile(ctx context.Context, draft *domain.Draft) (*domain.Profile, error) {
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("invalid draft: %w", err)
	}
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, identity, display_name, email, phone, document, primary_role, status)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		 RETURNING `+profileColumns,
		draft.ID, string(draft.Identity), draft.DisplayName, draft.Email, draft.Phone, draft.Document,
		string(draft.PrimaryRole), string(draft.Status))
	p, err := scanProfile(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// UpdateActiveFlag marks profileID active and every other profile of identity inactive in one transaction.
func (r *PostgresRepository) UpdateActiveFlag(ctx context.Context, identity identitydomain.Identity, profileID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var owned bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1 AND identity = $2)`,
		profileID, string(identity)).Scan(&owned); err != nil {
		return mapError(err)
	}
	if !owned {
		return ErrProfileNotFound
	}
	// Only rows whose flag actually changes are touched, so no redundant change notifications.
	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET is_active = (id = $1), updated_at = now()
		 WHERE identity = $2 AND is_active IS DISTINCT FROM (id = $1)`,
		profileID, string(identity)); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// GrantRole adds role to identity. Re-granting is a no-op.
func (r *PostgresRepository) GrantRole(ctx context.Context, identity identitydomain.Identity, role domain.Role) error {
	if _, ok := domain.ParseRole(string(role)); !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profile_roles (identity, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		string(identity), string(role))
	return mapError(err)
}

var _ Repository = (*PostgresRepository)(nil)
