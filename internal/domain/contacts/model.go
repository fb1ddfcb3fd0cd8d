// Package contacts is the emergency-contact directory: CRUD over a user's
// contacts plus the severity-scoped read used during crisis fan-out. Phone
// numbers are stored only as opaque secret references and resolved at send
// time.
package contacts

import (
	"time"

	"github.com/google/uuid"
)

// Contact is one emergency contact owned by a user. PhoneRef is the sealed
// secret reference; the plaintext number never leaves the notify path.
type Contact struct {
	ID           uuid.UUID `json:"id"`
	OwnerUserID  uuid.UUID `json:"owner_user_id"`
	Name         string    `json:"name"`
	PhoneRef     string    `json:"-"`
	PriorityTier int       `json:"priority_tier"`
	Relationship string    `json:"relationship,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
