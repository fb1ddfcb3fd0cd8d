// Package careteam looks up the responders assigned to a subject: their
// therapist and the counselor currently on call.
package careteam

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mindwell/mindwell/internal/domain/crisis"
)

// Repository is the care-team lookup contract.
type Repository interface {
	// TherapistFor returns the subject's assigned therapist, or nil when
	// none is assigned.
	TherapistFor(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error)
	// OnCall returns the counselor currently on call, or nil when the
	// rotation is empty.
	OnCall(ctx context.Context) (*uuid.UUID, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed care-team repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) TherapistFor(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	var therapistID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT therapist_user_id FROM care_team WHERE subject_user_id = $1`, userID).
		Scan(&therapistID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &therapistID, nil
}

func (r *repoPG) OnCall(ctx context.Context) (*uuid.UUID, error) {
	var counselorID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT counselor_user_id FROM care_oncall
		WHERE active AND started_at <= now()
		ORDER BY started_at DESC
		LIMIT 1`).
		Scan(&counselorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &counselorID, nil
}

// Service implements crisis.CareTeamDirectory. A failed on-call lookup
// degrades to a team without a counselor rather than failing the pipeline.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// TeamFor returns the subject's responders.
func (s *Service) TeamFor(ctx context.Context, userID uuid.UUID) (crisis.CareTeam, error) {
	therapist, err := s.repo.TherapistFor(ctx, userID)
	if err != nil {
		return crisis.CareTeam{}, err
	}
	counselor, err := s.repo.OnCall(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("on-call lookup failed")
		counselor = nil
	}
	return crisis.CareTeam{TherapistID: therapist, CounselorID: counselor}, nil
}
