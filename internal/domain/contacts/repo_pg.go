package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrContactNotFound is returned when no contact exists for the given id.
var ErrContactNotFound = errors.New("contact not found")

type contactRepoPG struct{ pool *pgxpool.Pool }

// NewContactRepoPG creates the Postgres-backed contact repository.
func NewContactRepoPG(pool *pgxpool.Pool) Repository {
	return &contactRepoPG{pool: pool}
}

const contactCols = `id, owner_user_id, name, phone_ref, priority_tier, relationship, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.Name, &c.PhoneRef, &c.PriorityTier,
		&c.Relationship, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	return &c, err
}

func (r *contactRepoPG) Create(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO emergency_contact (id, owner_user_id, name, phone_ref, priority_tier, relationship)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.OwnerUserID, c.Name, c.PhoneRef, c.PriorityTier, c.Relationship)
	return err
}

func (r *contactRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Contact, error) {
	return scanContact(r.pool.QueryRow(ctx,
		`SELECT `+contactCols+` FROM emergency_contact WHERE id = $1`, id))
}

func (r *contactRepoPG) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contactCols+` FROM emergency_contact
		WHERE owner_user_id = $1
		ORDER BY priority_tier ASC, name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

func (r *contactRepoPG) ListByOwnerMaxTier(ctx context.Context, ownerID uuid.UUID, maxTier int) ([]*Contact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+contactCols+` FROM emergency_contact
		WHERE owner_user_id = $1 AND priority_tier <= $2
		ORDER BY priority_tier ASC, name ASC`, ownerID, maxTier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectContacts(rows)
}

func collectContacts(rows pgx.Rows) ([]*Contact, error) {
	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *contactRepoPG) Update(ctx context.Context, c *Contact) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE emergency_contact
		SET name = $2, phone_ref = $3, priority_tier = $4, relationship = $5, updated_at = now()
		WHERE id = $1`,
		c.ID, c.Name, c.PhoneRef, c.PriorityTier, c.Relationship)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrContactNotFound
	}
	return nil
}

func (r *contactRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM emergency_contact WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete contact %s: %w", id, ErrContactNotFound)
	}
	return nil
}
