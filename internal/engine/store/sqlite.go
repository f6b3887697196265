package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/engine/run"
)

// SQLiteStore persists run history in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			pipeline_code TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT DEFAULT '',
			records_processed INTEGER DEFAULT 0,
			records_failed INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			step_states TEXT DEFAULT '{}',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS record_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			record_index INTEGER NOT NULL,
			message TEXT NOT NULL,
			attempts INTEGER DEFAULT 1,
			occurred_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES pipeline_runs (id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_code ON pipeline_runs(pipeline_code)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON pipeline_runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_record_errors_run_id ON record_errors(run_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r *run.Run) error {
	states, err := json.Marshal(r.StepStates)
	if err != nil {
		return fmt.Errorf("failed to marshal step states: %w", err)
	}

	query := `INSERT INTO pipeline_runs (id, pipeline_code, status, error, records_processed,
			  records_failed, duration_ms, step_states, started_at, finished_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query, r.ID, r.PipelineCode, string(r.Status), r.Error,
		r.Metrics.RecordsProcessed, r.Metrics.RecordsFailed, r.Metrics.Duration.Milliseconds(),
		string(states), r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r *run.Run) error {
	states, err := json.Marshal(r.StepStates)
	if err != nil {
		return fmt.Errorf("failed to marshal step states: %w", err)
	}

	query := `UPDATE pipeline_runs SET status = ?, error = ?, records_processed = ?,
			  records_failed = ?, duration_ms = ?, step_states = ?, finished_at = ?
			  WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, string(r.Status), r.Error,
		r.Metrics.RecordsProcessed, r.Metrics.RecordsFailed, r.Metrics.Duration.Milliseconds(),
		string(states), r.FinishedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return errors.NotFoundError("run " + r.ID)
	}

	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	query := `SELECT id, pipeline_code, status, error, records_processed, records_failed,
			  duration_ms, step_states, started_at, finished_at
			  FROM pipeline_runs WHERE id = ?`

	r, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("run " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, pipelineCode string, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, pipeline_code, status, error, records_processed, records_failed,
			  duration_ms, step_states, started_at, finished_at
			  FROM pipeline_runs`
	args := []interface{}{}
	if pipelineCode != "" {
		query += ` WHERE pipeline_code = ?`
		args = append(args, pipelineCode)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

func (s *SQLiteStore) SaveRecordErrors(ctx context.Context, runID string, recordErrors []run.RecordError) error {
	if len(recordErrors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO record_errors
		(run_id, step_key, record_index, message, attempts, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, re := range recordErrors {
		if _, err := stmt.ExecContext(ctx, runID, re.StepKey, re.RecordIndex,
			re.Message, re.Attempts, re.OccurredAt); err != nil {
			return fmt.Errorf("failed to save record error: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetRecordErrors(ctx context.Context, runID string) ([]run.RecordError, error) {
	query := `SELECT step_key, record_index, message, attempts, occurred_at
			  FROM record_errors WHERE run_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get record errors: %w", err)
	}
	defer rows.Close()

	var result []run.RecordError
	for rows.Next() {
		var re run.RecordError
		if err := rows.Scan(&re.StepKey, &re.RecordIndex, &re.Message,
			&re.Attempts, &re.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan record error: %w", err)
		}
		result = append(result, re)
	}

	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r          run.Run
		status     string
		durationMs int64
		states     string
		finishedAt sql.NullTime
	)

	err := row.Scan(&r.ID, &r.PipelineCode, &status, &r.Error,
		&r.Metrics.RecordsProcessed, &r.Metrics.RecordsFailed,
		&durationMs, &states, &r.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	r.Status = run.Status(status)
	r.Metrics.Duration = time.Duration(durationMs) * time.Millisecond
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(states), &r.StepStates); err != nil {
		return nil, fmt.Errorf("corrupt step states: %w", err)
	}

	return &r, nil
}
