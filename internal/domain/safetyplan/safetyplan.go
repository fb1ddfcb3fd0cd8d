// Package safetyplan stores the per-user safety plan pushed to subjects
// with every crisis response.
package safetyplan

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindwell/mindwell/internal/domain/crisis"
)

// Plan is a user's safety plan.
type Plan struct {
	UserID  uuid.UUID `json:"user_id"`
	Summary string    `json:"summary"`
	Steps   []string  `json:"steps"`
}

// Repository is the safety-plan persistence contract.
type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*Plan, error)
	Put(ctx context.Context, p *Plan) error
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed safety-plan repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Get(ctx context.Context, userID uuid.UUID) (*Plan, error) {
	var p Plan
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, summary, steps FROM safety_plan WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.Summary, &p.Steps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Put(ctx context.Context, p *Plan) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO safety_plan (user_id, summary, steps)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			steps = EXCLUDED.steps,
			updated_at = now()`,
		p.UserID, p.Summary, p.Steps)
	return err
}

// Service implements crisis.SafetyPlanSource and owns plan reads/writes.
type Service struct {
	repo Repository
}

// NewService creates a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// PlanFor returns the user's plan as the crisis-facing snippet, or nil when
// no plan exists.
func (s *Service) PlanFor(ctx context.Context, userID uuid.UUID) (*crisis.SafetyPlan, error) {
	p, err := s.repo.Get(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	return &crisis.SafetyPlan{Summary: p.Summary, Steps: p.Steps}, nil
}

// Get returns the user's full plan.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Plan, error) {
	return s.repo.Get(ctx, userID)
}

// Put stores the user's plan.
func (s *Service) Put(ctx context.Context, p *Plan) error {
	return s.repo.Put(ctx, p)
}
