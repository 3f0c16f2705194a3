package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	protection "ptoc-relay/internal/protection/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trip_events (
	id TEXT PRIMARY KEY,
	function_name TEXT NOT NULL,
	event_type TEXT NOT NULL,
	phase TEXT NOT NULL,
	rms DOUBLE PRECISION NOT NULL,
	elapsed_us BIGINT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE trip_events ADD COLUMN IF NOT EXISTS elapsed_us BIGINT NOT NULL DEFAULT 0;
DO $$
BEGIN
	IF EXISTS (
		SELECT 1 FROM information_schema.columns
		WHERE table_name = 'trip_events' AND column_name = 'elapsed_ms'
	) THEN
		UPDATE trip_events SET elapsed_us = elapsed_ms * 1000;
		ALTER TABLE trip_events DROP COLUMN elapsed_ms;
	END IF;
END $$;
CREATE INDEX IF NOT EXISTS idx_trip_events_occurred_at ON trip_events (occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_trip_events_type ON trip_events (event_type);
`

// TripEventRepository persists trip events in Postgres through database/sql.
type TripEventRepository struct {
	db *sql.DB
}

// NewTripEventRepository constructs a repository.
func NewTripEventRepository(db *sql.DB) *TripEventRepository {
	return &TripEventRepository{db: db}
}

// EnsureSchema creates the trip_events table when missing.
func (r *TripEventRepository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("trip event repo: nil db")
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("trip event repo: ensure schema: %w", err)
	}
	return nil
}

// Record inserts an event. Re-recording the same id is a no-op.
func (r *TripEventRepository) Record(ctx context.Context, event protection.TripEvent) error {
	if r == nil || r.db == nil {
		return errors.New("trip event repo: nil db")
	}
	if event.ID == "" {
		return errors.New("trip event repo: empty id")
	}
	recordedAt := event.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO trip_events (
	id, function_name, event_type, phase, rms, elapsed_us, occurred_at, recorded_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (id) DO NOTHING`,
		event.ID,
		event.Function,
		string(event.Type),
		event.Phase.String(),
		event.RMS,
		elapsedMicros(event.Elapsed),
		event.At.UTC(),
		recordedAt.UTC(),
	)
	return err
}

// List returns matching events, newest first.
func (r *TripEventRepository) List(ctx context.Context, query protection.EventQuery) ([]protection.TripEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("trip event repo: nil db")
	}
	var (
		where []string
		args  []any
	)
	if !query.From.IsZero() {
		args = append(args, query.From.UTC())
		where = append(where, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}
	if !query.To.IsZero() {
		args = append(args, query.To.UTC())
		where = append(where, fmt.Sprintf("occurred_at < $%d", len(args)))
	}
	if query.Function != "" {
		args = append(args, query.Function)
		where = append(where, fmt.Sprintf("function_name = $%d", len(args)))
	}
	args = append(args, query.NormalizedLimit())

	stmt := `
SELECT id, function_name, event_type, phase, rms, elapsed_us, occurred_at, recorded_at
FROM trip_events`
	if len(where) > 0 {
		stmt += "\nWHERE " + strings.Join(where, " AND ")
	}
	stmt += fmt.Sprintf("\nORDER BY occurred_at DESC\nLIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []protection.TripEvent
	for rows.Next() {
		var (
			event     protection.TripEvent
			eventType string
			phase     string
			elapsedUS int64
		)
		if err := rows.Scan(
			&event.ID,
			&event.Function,
			&eventType,
			&phase,
			&event.RMS,
			&elapsedUS,
			&event.At,
			&event.RecordedAt,
		); err != nil {
			return nil, err
		}
		event.Type = protection.EventType(eventType)
		if event.Phase, err = protection.ParsePhase(phase); err != nil {
			return nil, err
		}
		event.Elapsed = elapsedFromMicros(elapsedUS)
		event.At = event.At.UTC()
		event.RecordedAt = event.RecordedAt.UTC()
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Elapsed times are stored in microseconds, the sample timestamp resolution.
func elapsedMicros(d time.Duration) int64 {
	return d.Microseconds()
}

func elapsedFromMicros(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
