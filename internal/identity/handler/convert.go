package handler

import (
	"time"

	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/resolver"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// snapshotStruct renders s as a Struct-compatible map. outcome is included when set.
func snapshotStruct(s resolver.Snapshot, outcome resolver.Outcome) map[string]any {
	out := map[string]any{
		"identity":    string(s.Identity),
		"phase":       string(s.Phase),
		"resolving":   s.Resolving,
		"maintenance": s.Maintenance,
		"version":     float64(s.Version),
	}
	if outcome != "" {
		out["outcome"] = string(outcome)
	}
	if s.Profile != nil {
		out["profile"] = profileStruct(s.Profile)
	}
	profiles := make([]any, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		profiles = append(profiles, profileStruct(p))
	}
	out["profiles"] = profiles
	if e := s.LastError; e != nil {
		le := map[string]any{
			"kind":    string(e.Kind),
			"message": e.Message(),
		}
		if e.Field != "" {
			le["field"] = e.Field
		}
		if e.ReturnTo != "" {
			le["return_to"] = e.ReturnTo
		}
		out["last_error"] = le
	}
	return out
}

func profileStruct(p *profiledomain.Profile) map[string]any {
	roles := make([]any, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = string(r)
	}
	m := map[string]any{
		"id":           p.ID,
		"display_name": p.DisplayName,
		"email":        p.Email,
		"phone":        p.Phone,
		"document":     p.Document,
		"primary_role": string(p.PrimaryRole),
		"roles":        roles,
		"status":       string(p.Status),
		"active":       p.Active,
		"rating":       p.Rating,
		"city":         p.City,
		"state":        p.State,
	}
	if p.Latitude != nil && p.Longitude != nil {
		m["latitude"] = *p.Latitude
		m["longitude"] = *p.Longitude
	}
	if !p.CreatedAt.IsZero() {
		m["created_at"] = formatTime(p.CreatedAt)
	}
	return m
}
