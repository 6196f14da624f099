// Package postgres provides PostgreSQL connection pooling and the run archive
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agile-defense/radarsot/pkg/sim"
)

// Run statuses
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusInterrupted = "interrupted"
)

// Pool wraps pgxpool.Pool with domain-specific query methods
type Pool struct {
	*pgxpool.Pool
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "radarsot",
		User:        "radarsot",
		Password:    "radarsot",
		SSLMode:     "disable",
		MaxConns:    10,
		MinConns:    1,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// ConnectionString builds a PostgreSQL connection string
func (c Config) ConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// NewPool creates a new PostgreSQL connection pool
func NewPool(ctx context.Context, cfg Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLife
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdle
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	return connect(ctx, poolCfg)
}

// NewPoolFromURL creates a pool from a connection URL
func NewPoolFromURL(ctx context.Context, url string) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection URL: %w", err)
	}
	return connect(ctx, poolCfg)
}

func connect(ctx context.Context, poolCfg *pgxpool.Config) (*Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// RunRow represents a simulation run stored in the database
type RunRow struct {
	RunID          string          `json:"run_id"`
	Status         string          `json:"status"`
	Config         json.RawMessage `json:"config"`
	Targets        json.RawMessage `json:"targets"`
	TimeSteps      int             `json:"time_steps"`
	Seed           uint64          `json:"seed"`
	Steering       string          `json:"steering"`
	Parallel       bool            `json:"parallel"`
	Detections     int             `json:"detections"`
	Misses         int             `json:"misses"`
	NumericRepairs int64           `json:"numeric_repairs"`
	RangeClamps    int64           `json:"range_clamps"`
	Summary        json.RawMessage `json:"summary,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RunFilter defines filter options for run queries
type RunFilter struct {
	Status string
	Since  *time.Time
	Limit  int
	Offset int
}

const runColumns = `
	run_id, status, config, targets, time_steps, seed, steering, parallel,
	detections, misses, numeric_repairs, range_clamps, summary,
	started_at, completed_at
`

func scanRun(row pgx.Row) (*RunRow, error) {
	var r RunRow
	var seed int64
	var summary []byte
	err := row.Scan(
		&r.RunID, &r.Status, &r.Config, &r.Targets, &r.TimeSteps, &seed, &r.Steering, &r.Parallel,
		&r.Detections, &r.Misses, &r.NumericRepairs, &r.RangeClamps, &summary,
		&r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	// seeds are stored as the bit pattern of a signed BIGINT
	r.Seed = uint64(seed)
	if len(summary) > 0 {
		r.Summary = summary
	}
	return &r, nil
}

// InsertRun records the start of a run
func (p *Pool) InsertRun(ctx context.Context, info sim.RunInfo) error {
	cfg, err := json.Marshal(info.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	targets, err := json.Marshal(info.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}

	query := `
		INSERT INTO runs (
			run_id, status, config, targets, time_steps, seed, steering, parallel, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO NOTHING
	`
	_, err = p.Exec(ctx, query,
		info.RunID, RunStatusRunning, cfg, targets, info.TimeSteps,
		int64(info.Seed), info.Steering, info.Parallel, info.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// CompleteRun stores the summary of a finished run. A run whose records do
// not cover every step is marked interrupted.
func (p *Pool) CompleteRun(ctx context.Context, summary sim.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	status := RunStatusCompleted
	if len(summary.Targets) > 0 && summary.Records < summary.TimeSteps*len(summary.Targets) {
		status = RunStatusInterrupted
	}

	query := `
		UPDATE runs SET
			status = $2,
			detections = $3,
			misses = $4,
			numeric_repairs = $5,
			range_clamps = $6,
			summary = $7,
			completed_at = NOW()
		WHERE run_id = $1
	`
	tag, err := p.Exec(ctx, query,
		summary.RunID, status, summary.Detections, summary.Misses,
		summary.Repairs, summary.RangeClamps, data,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run not found: %s", summary.RunID)
	}
	return nil
}

// InsertTrackRecords stores the records of one step in a single batch.
// Re-inserting a record is a no-op.
func (p *Pool) InsertTrackRecords(ctx context.Context, records []sim.Record) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO track_records (
			run_id, time_step, target_index, detected, snr,
			estimated_x, estimated_y, truth_x, truth_y
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, time_step, target_index) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query,
			r.RunID, r.TimeStep, r.TargetIndex, r.Detected, r.FiniteSNR(),
			r.EstimatedX, r.EstimatedY, r.TruthX, r.TruthY,
		)
	}

	if err := p.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert track records: %w", err)
	}
	return nil
}

// ListRuns retrieves runs with optional filtering, newest first
func (p *Pool) ListRuns(ctx context.Context, filter RunFilter) ([]RunRow, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", argNum)
		args = append(args, *filter.Since)
		argNum++
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRow{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// GetRun retrieves a single run. It returns nil, nil when the run does not exist.
func (p *Pool) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	r, err := scanRun(p.QueryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = $1", runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// RecordFilter defines filter options for track record queries
type RecordFilter struct {
	TargetIndex  *int
	DetectedOnly bool
	Limit        int
	Offset       int
}

// ListTrackRecords retrieves the records of a run in step then target order
func (p *Pool) ListTrackRecords(ctx context.Context, runID string, filter RecordFilter) ([]sim.Record, error) {
	query := `
		SELECT
			run_id, time_step, target_index, detected, snr,
			estimated_x, estimated_y, truth_x, truth_y
		FROM track_records
		WHERE run_id = $1
	`
	args := []interface{}{runID}
	argNum := 2

	if filter.TargetIndex != nil {
		query += fmt.Sprintf(" AND target_index = $%d", argNum)
		args = append(args, *filter.TargetIndex)
		argNum++
	}

	if filter.DetectedOnly {
		query += " AND detected"
	}

	query += " ORDER BY time_step, target_index"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query track records: %w", err)
	}
	defer rows.Close()

	records := []sim.Record{}
	for rows.Next() {
		var r sim.Record
		var snr *float64
		err := rows.Scan(
			&r.RunID, &r.TimeStep, &r.TargetIndex, &r.Detected, &snr,
			&r.EstimatedX, &r.EstimatedY, &r.TruthX, &r.TruthY,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track record: %w", err)
		}
		if snr != nil {
			r.SNR = *snr
		} else if r.Detected {
			// only a zero noise floor produces a non-finite SNR on a detection
			r.SNR = math.Inf(1)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating track records: %w", err)
	}

	return records, nil
}

// ClearAllResult contains the counts of deleted records per table
type ClearAllResult struct {
	Runs    int64 `json:"runs"`
	Records int64 `json:"records"`
}

// ClearAll deletes every stored run and record in one transaction
func (p *Pool) ClearAll(ctx context.Context) (*ClearAllResult, error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &ClearAllResult{}
	var tag pgconn.CommandTag

	tag, err = tx.Exec(ctx, "DELETE FROM track_records")
	if err != nil {
		return nil, fmt.Errorf("failed to delete from track_records: %w", err)
	}
	result.Records = tag.RowsAffected()

	tag, err = tx.Exec(ctx, "DELETE FROM runs")
	if err != nil {
		return nil, fmt.Errorf("failed to delete from runs: %w", err)
	}
	result.Runs = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// Health checks if the database connection is healthy
func (p *Pool) Health(ctx context.Context) error {
	return p.Ping(ctx)
}
