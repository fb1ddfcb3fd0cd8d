package contacts

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the contact persistence contract.
type Repository interface {
	Create(ctx context.Context, c *Contact) error
	GetByID(ctx context.Context, id uuid.UUID) (*Contact, error)
	// ListByOwner returns the owner's contacts ordered by priority tier
	// ascending, then name.
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contact, error)
	// ListByOwnerMaxTier returns contacts at or above priority (tier value
	// at or below maxTier), ordered by tier ascending.
	ListByOwnerMaxTier(ctx context.Context, ownerID uuid.UUID, maxTier int) ([]*Contact, error)
	Update(ctx context.Context, c *Contact) error
	Delete(ctx context.Context, id uuid.UUID) error
}
