package postgres

import (
	"context"
	"fmt"
)

// schema is applied by EnsureSchema; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		run_id          TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		config          JSONB NOT NULL,
		targets         JSONB NOT NULL,
		time_steps      INTEGER NOT NULL,
		seed            BIGINT NOT NULL DEFAULT 0,
		steering        TEXT NOT NULL DEFAULT 'ideal',
		parallel        BOOLEAN NOT NULL DEFAULT FALSE,
		detections      INTEGER NOT NULL DEFAULT 0,
		misses          INTEGER NOT NULL DEFAULT 0,
		numeric_repairs BIGINT NOT NULL DEFAULT 0,
		range_clamps    BIGINT NOT NULL DEFAULT 0,
		summary         JSONB,
		started_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS track_records (
		run_id       TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
		time_step    INTEGER NOT NULL,
		target_index INTEGER NOT NULL,
		detected     BOOLEAN NOT NULL,
		snr          DOUBLE PRECISION,
		estimated_x  DOUBLE PRECISION,
		estimated_y  DOUBLE PRECISION,
		truth_x      DOUBLE PRECISION NOT NULL,
		truth_y      DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, time_step, target_index)
	)`,
	`CREATE INDEX IF NOT EXISTS track_records_detected_idx ON track_records (run_id) WHERE detected`,
}

// EnsureSchema creates the runs and track_records tables when missing
func (p *Pool) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
