// Package history persists submission runs to PostgreSQL so administrators
// can see what was imported, by whom, and which rows the school system
// rejected.
package history

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/enroll/internal/importer"
)

//go:embed schema.sql
var schemaSQL string

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 50

// maxListLimit bounds a caller-supplied limit.
const maxListLimit = 500

// Run is one recorded submission run.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Entity     string    `json:"entity"`
	FileName   string    `json:"file_name"`
	User       string    `json:"user,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Mode       string    `json:"mode"`
	Outcome    string    `json:"outcome"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	BulkError  string    `json:"bulk_error,omitempty"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Failure is one row the school system rejected.
type Failure struct {
	Row    int    `json:"row"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// Store writes and reads runs. It implements importer.Recorder.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store on pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the history tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

// RecordRun stores run and its failed rows in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec importer.RunRecord) error {
	run := FromRecord(ctx, rec)
	if run == nil {
		return nil
	}

	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("parse run id: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO import_runs (
			id, session_id, entity, file_name, user_id, ip_address, user_agent,
			mode, outcome, attempted, succeeded, failed, skipped,
			bulk_error, cancelled, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		id, run.SessionID, run.Entity, run.FileName, run.User, run.IPAddress, run.UserAgent,
		run.Mode, run.Outcome, run.Attempted, run.Succeeded, run.Failed, run.Skipped,
		run.BulkError, run.Cancelled, run.StartedAt, run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}

	if len(run.Failures) > 0 {
		rows := make([][]any, len(run.Failures))
		for i, f := range run.Failures {
			rows[i] = []any{id, f.Row, f.Label, f.Reason}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"import_run_failures"},
			[]string{"run_id", "row_number", "label", "reason"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert import run failures: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// FromRecord converts a finished run into its stored form. Rows that ended
// in error become failures. A record without a result yields nil.
func FromRecord(ctx context.Context, rec importer.RunRecord) *Run {
	res := rec.Result
	if res == nil {
		return nil
	}

	run := &Run{
		ID:         uuid.NewString(),
		SessionID:  rec.SessionID,
		Entity:     rec.Entity,
		FileName:   rec.FileName,
		User:       rec.User,
		IPAddress:  IPAddressFromContext(ctx),
		UserAgent:  UserAgentFromContext(ctx),
		Mode:       string(res.Mode),
		Outcome:    string(res.Outcome),
		Attempted:  res.Attempted,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Skipped:    res.Skipped,
		BulkError:  res.BulkError,
		Cancelled:  res.Cancelled,
		StartedAt:  res.StartedAt,
		DurationMs: res.Duration.Milliseconds(),
	}
	for _, row := range res.Rows {
		if row.Status != importer.StatusError {
			continue
		}
		run.Failures = append(run.Failures, Failure{Row: row.Line, Label: row.Name, Reason: row.Error})
	}
	return run
}

// List returns the most recent runs, newest first, optionally for one
// entity. Failures are included.
func (s *Store) List(ctx context.Context, entity string, limit int) ([]Run, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, session_id, entity, file_name, user_id, ip_address, user_agent,
		       mode, outcome, attempted, succeeded, failed, skipped,
		       bulk_error, cancelled, started_at, duration_ms
		FROM import_runs
		WHERE $1::text = '' OR entity = $1::text
		ORDER BY started_at DESC
		LIMIT $2`, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("query import runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var r Run
		err := row.Scan(
			&r.ID, &r.SessionID, &r.Entity, &r.FileName, &r.User, &r.IPAddress, &r.UserAgent,
			&r.Mode, &r.Outcome, &r.Attempted, &r.Succeeded, &r.Failed, &r.Skipped,
			&r.BulkError, &r.Cancelled, &r.StartedAt, &r.DurationMs,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan import runs: %w", err)
	}
	if len(runs) == 0 {
		return runs, nil
	}

	if err := s.attachFailures(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) attachFailures(ctx context.Context, runs []Run) error {
	ids := make([]string, len(runs))
	index := make(map[string]int, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, row_number, label, reason
		FROM import_run_failures
		WHERE run_id::text = ANY($1::text[])
		ORDER BY run_id, row_number`, ids)
	if err != nil {
		return fmt.Errorf("query import run failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var runID string
		var f Failure
		if err := rows.Scan(&runID, &f.Row, &f.Label, &f.Reason); err != nil {
			return fmt.Errorf("scan import run failure: %w", err)
		}
		if i, ok := index[runID]; ok {
			runs[i].Failures = append(runs[i].Failures, f)
		}
	}
	return rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
