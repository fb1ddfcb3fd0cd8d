package contacts

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/domain/crisis"
)

// Sealer encrypts a plaintext into an opaque secret reference.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// PhoneResolver decrypts a sealed secret reference back to plaintext.
type PhoneResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Service owns contact CRUD and the severity-scoped crisis read. It
// implements crisis.ContactDirectory.
type Service struct {
	repo     Repository
	sealer   Sealer
	resolver PhoneResolver
	logger   zerolog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, sealer Sealer, resolver PhoneResolver, logger zerolog.Logger) *Service {
	return &Service{repo: repo, sealer: sealer, resolver: resolver, logger: logger}
}

// CreateContact seals the phone number and persists the contact.
func (s *Service) CreateContact(ctx context.Context, ownerID uuid.UUID, name, phone string, priorityTier int, relationship string) (*Contact, error) {
	if name == "" {
		return nil, fmt.Errorf("contact name is required")
	}
	if phone == "" {
		return nil, fmt.Errorf("contact phone is required")
	}
	if priorityTier < 1 {
		priorityTier = 1
	}
	ref, err := s.sealer.Seal(phone)
	if err != nil {
		return nil, fmt.Errorf("seal phone: %w", err)
	}
	c := &Contact{
		OwnerUserID:  ownerID,
		Name:         name,
		PhoneRef:     ref,
		PriorityTier: priorityTier,
		Relationship: relationship,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListContacts returns the owner's contacts, priority order.
func (s *Service) ListContacts(ctx context.Context, ownerID uuid.UUID) ([]*Contact, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// UpdateContact applies changes to an owned contact. A non-empty phone is
// re-sealed.
func (s *Service) UpdateContact(ctx context.Context, ownerID, id uuid.UUID, name, phone string, priorityTier int, relationship string) (*Contact, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerUserID != ownerID {
		return nil, ErrContactNotFound
	}
	if name != "" {
		c.Name = name
	}
	if phone != "" {
		ref, err := s.sealer.Seal(phone)
		if err != nil {
			return nil, fmt.Errorf("seal phone: %w", err)
		}
		c.PhoneRef = ref
	}
	if priorityTier >= 1 {
		c.PriorityTier = priorityTier
	}
	if relationship != "" {
		c.Relationship = relationship
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteContact removes an owned contact.
func (s *Service) DeleteContact(ctx context.Context, ownerID, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.OwnerUserID != ownerID {
		return ErrContactNotFound
	}
	return s.repo.Delete(ctx, id)
}

// maxTierFor maps severity to contact-tier breadth: emergency reaches every
// contact, critical tiers 1-2, high only tier 1, lower severities none.
func maxTierFor(sev crisis.Severity) (int, bool) {
	switch sev {
	case crisis.SeverityEmergency:
		return int(^uint(0) >> 1), true
	case crisis.SeverityCritical:
		return 2, true
	case crisis.SeverityHigh:
		return 1, true
	}
	return 0, false
}

// NotifiableContacts returns the contacts in scope for the severity with
// phones resolved, ordered by priority tier. A failed phone resolution
// leaves the contact in the list with an empty phone so the dispatcher can
// record the failure per channel.
func (s *Service) NotifiableContacts(ctx context.Context, userID uuid.UUID, sev crisis.Severity) ([]crisis.Contact, error) {
	maxTier, any := maxTierFor(sev)
	if !any {
		return nil, nil
	}

	list, err := s.repo.ListByOwnerMaxTier(ctx, userID, maxTier)
	if err != nil {
		return nil, err
	}

	out := make([]crisis.Contact, 0, len(list))
	for _, c := range list {
		phone, err := s.resolver.Resolve(ctx, c.PhoneRef)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("contact_id", c.ID.String()).
				Msg("phone resolution failed")
			phone = ""
		}
		out = append(out, crisis.Contact{
			ID:           c.ID,
			Name:         c.Name,
			Phone:        phone,
			PriorityTier: c.PriorityTier,
			Relationship: c.Relationship,
		})
	}
	return out, nil
}
