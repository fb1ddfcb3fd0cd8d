package contacts

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/domain/crisis"
	"github.com/mindwell/mindwell/internal/platform/secrets"
)

type mockRepo struct {
	contacts []*Contact
	err      error
}

func (m *mockRepo) Create(_ context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.contacts = append(m.contacts, c)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Contact, error) {
	for _, c := range m.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, ErrContactNotFound
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*Contact
	for _, c := range m.contacts {
		if c.OwnerUserID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepo) ListByOwnerMaxTier(_ context.Context, ownerID uuid.UUID, maxTier int) ([]*Contact, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*Contact
	for _, c := range m.contacts {
		if c.OwnerUserID == ownerID && c.PriorityTier <= maxTier {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockRepo) Update(context.Context, *Contact) error { return nil }

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	for i, c := range m.contacts {
		if c.ID == id {
			m.contacts = append(m.contacts[:i], m.contacts[i+1:]...)
			return nil
		}
	}
	return ErrContactNotFound
}

type failingSealer struct{}

func (failingSealer) Seal(string) (string, error) { return "", errors.New("sealer broken") }

func newServiceFixture(t *testing.T) (*Service, *mockRepo, *secrets.StaticResolver, uuid.UUID) {
	t.Helper()
	repo := &mockRepo{}
	resolver := secrets.NewStaticResolver(nil)
	owner := uuid.New()

	seed := []struct {
		name string
		tier int
		ref  string
	}{
		{"Ana", 1, "ref-ana"},
		{"Ben", 2, "ref-ben"},
		{"Cid", 3, "ref-cid"},
	}
	for _, s := range seed {
		resolver.Put(s.ref, "+1555"+s.name)
		repo.contacts = append(repo.contacts, &Contact{
			ID:           uuid.New(),
			OwnerUserID:  owner,
			Name:         s.name,
			PhoneRef:     s.ref,
			PriorityTier: s.tier,
		})
	}
	return NewService(repo, failingSealer{}, resolver, zerolog.Nop()), repo, resolver, owner
}

func TestNotifiableContacts_TierBreadth(t *testing.T) {
	svc, _, _, owner := newServiceFixture(t)
	ctx := context.Background()

	cases := []struct {
		sev  crisis.Severity
		want int
	}{
		{crisis.SeverityLow, 0},
		{crisis.SeverityModerate, 0},
		{crisis.SeverityHigh, 1},
		{crisis.SeverityCritical, 2},
		{crisis.SeverityEmergency, 3},
	}
	for _, tc := range cases {
		got, err := svc.NotifiableContacts(ctx, owner, tc.sev)
		if err != nil {
			t.Fatalf("%v: %v", tc.sev, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%v: contacts = %d, want %d", tc.sev, len(got), tc.want)
		}
	}
}

func TestNotifiableContacts_ResolvesPhones(t *testing.T) {
	svc, _, _, owner := newServiceFixture(t)

	got, err := svc.NotifiableContacts(context.Background(), owner, crisis.SeverityHigh)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Phone != "+1555Ana" {
		t.Fatalf("got = %+v, want Ana with resolved phone", got)
	}
}

func TestNotifiableContacts_ResolveFailureKeepsContact(t *testing.T) {
	svc, repo, _, owner := newServiceFixture(t)
	repo.contacts[0].PhoneRef = "missing-ref"

	got, err := svc.NotifiableContacts(context.Background(), owner, crisis.SeverityHigh)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("contacts = %d, want 1", len(got))
	}
	if got[0].Phone != "" {
		t.Fatalf("phone = %q, want empty after resolve failure", got[0].Phone)
	}
}

func TestCreateContact_Validation(t *testing.T) {
	svc, _, _, owner := newServiceFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateContact(ctx, owner, "", "+1555", 1, ""); err == nil {
		t.Fatal("empty name should be rejected")
	}
	if _, err := svc.CreateContact(ctx, owner, "Dee", "", 1, ""); err == nil {
		t.Fatal("empty phone should be rejected")
	}
	// The fixture sealer always fails; creation surfaces it.
	if _, err := svc.CreateContact(ctx, owner, "Dee", "+1555", 1, "friend"); err == nil {
		t.Fatal("sealer failure should surface")
	}
}

func TestDeleteContact_OwnershipEnforced(t *testing.T) {
	svc, repo, _, _ := newServiceFixture(t)
	stranger := uuid.New()

	err := svc.DeleteContact(context.Background(), stranger, repo.contacts[0].ID)
	if !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("err = %v, want ErrContactNotFound for foreign contact", err)
	}
	if len(repo.contacts) != 3 {
		t.Fatal("foreign delete removed a contact")
	}
}
