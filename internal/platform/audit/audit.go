// Package audit writes append-only audit records for crisis handling. The
// sink is best-effort by contract: a failed write is logged and never
// propagated into the calling pipeline.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Entry is a single audit record.
type Entry struct {
	ID         uuid.UUID      `json:"id"`
	Action     string         `json:"action"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty"`
	SubjectID  *uuid.UUID     `json:"subject_id,omitempty"`
	CaseID     *uuid.UUID     `json:"case_id,omitempty"`
	Outcome    string         `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Sink appends an audit entry to durable storage.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// PGSink appends audit entries to the audit_event table.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a PGSink backed by the given connection pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Append inserts the entry. The table is append-only; there is no update path.
func (s *PGSink) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_event (id, action, actor_id, subject_id, case_id, outcome, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Action, e.ActorID, e.SubjectID, e.CaseID, e.Outcome, e.Detail, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// LogSink writes audit entries to the structured log. Used when no database is
// configured and as the fallback destination for failed sink writes.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Append logs the entry at info level.
func (s *LogSink) Append(_ context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	s.logger.Info().
		Str("audit_id", e.ID.String()).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Interface("detail", e.Detail).
		Msg("audit")
	return nil
}

// MemorySink collects entries in memory. Test double.
type MemorySink struct {
	mu      sync.Mutex
	entries []*Entry
	// FailNext forces the next Append to fail, then resets.
	FailNext bool
}

// Append records the entry, or fails once when FailNext is set.
func (s *MemorySink) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext {
		s.FailNext = false
		return fmt.Errorf("audit: sink unavailable")
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of recorded entries.
func (s *MemorySink) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Recorder wraps a Sink with the best-effort contract: one retry, then a log
// line, never an error to the caller.
type Recorder struct {
	sink   Sink
	logger zerolog.Logger
}

// NewRecorder creates a Recorder around sink.
func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// Record appends the entry, retrying once before giving up. Failures are
// logged with the entry payload so nothing is silently lost.
func (r *Recorder) Record(ctx context.Context, e *Entry) {
	err := r.sink.Append(ctx, e)
	if err == nil {
		return
	}
	if err = r.sink.Append(ctx, e); err == nil {
		return
	}
	r.logger.Error().
		Err(err).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Interface("detail", e.Detail).
		Msg("audit write failed; entry dropped from sink")
}
