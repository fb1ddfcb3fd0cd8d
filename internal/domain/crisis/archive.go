package crisis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGArchiver persists resolved cases to the crisis_case table so the live
// registry only ever holds open episodes.
type PGArchiver struct {
	pool *pgxpool.Pool
}

// NewPGArchiver creates a PGArchiver.
func NewPGArchiver(pool *pgxpool.Pool) *PGArchiver {
	return &PGArchiver{pool: pool}
}

// ArchiveCase writes the resolved case. Re-archiving the same case id
// overwrites the previous row.
func (a *PGArchiver) ArchiveCase(ctx context.Context, c *Case) error {
	actions, err := json.Marshal(c.ResponseActions)
	if err != nil {
		return fmt.Errorf("encode response actions: %w", err)
	}
	flags, err := json.Marshal(c.RiskFlags)
	if err != nil {
		return fmt.Errorf("encode risk flags: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO crisis_case (id, subject_user_id, severity, trigger_source, trigger_details,
			risk_flags, status, response_actions, created_at, resolved_at, resolution_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			risk_flags = EXCLUDED.risk_flags,
			response_actions = EXCLUDED.response_actions,
			resolved_at = EXCLUDED.resolved_at,
			resolution_method = EXCLUDED.resolution_method`,
		c.ID, c.SubjectUserID, c.Severity.String(), string(c.TriggerSource), c.TriggerDetails,
		flags, string(c.Status), actions, c.CreatedAt, c.ResolvedAt, c.ResolutionMethod)
	return err
}
