package domain

import (
	"fmt"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

// ChangeOp is the kind of row change pushed by the notification channel.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// Change is a server-pushed notification about one profile row.
type Change struct {
	Op        ChangeOp                `json:"op"`
	ProfileID string                  `json:"profile_id"`
	Identity  identitydomain.Identity `json:"identity"`
	Active    bool                    `json:"is_active"`
	Status    ApprovalStatus          `json:"status"`
}

// Key identifies the exact row state a change carries. A write performed by this client
// produces the same key as the notification it triggers.
func (c Change) Key() string {
	return fmt.Sprintf("%s|%s|%t|%s", c.Op, c.ProfileID, c.Active, c.Status)
}
