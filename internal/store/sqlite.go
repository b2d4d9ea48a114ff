package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tailorview/fitform/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id          TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    state           TEXT NOT NULL,
    photo_url       TEXT NOT NULL,
    height          INTEGER NOT NULL,
    weight          INTEGER,
    gender          TEXT NOT NULL,
    external_job_id TEXT NOT NULL DEFAULT '',
    result          TEXT NOT NULL DEFAULT '',
    error_kind      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL,
    started_at      DATETIME,
    completed_at    DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			job_id, owner_id, state, photo_url, height, weight, gender,
			external_job_id, result, error_kind, error_message,
			attempt_count, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', '', '', '', ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.State, j.PhotoURL, j.Height, j.Weight, j.Gender,
		j.AttemptCount, j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const selectJobColumns = `job_id, owner_id, state, photo_url, height, weight,
	gender, external_job_id, result, error_kind, error_message,
	attempt_count, created_at, started_at, completed_at`

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// optionally filtered by owner, along with the total matching count.
func (s *SQLiteStore) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if ownerID != "" {
		where = " WHERE owner_id = ?"
		args = append(args, ownerID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs`+where+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// TransitionState moves a job to a new state after validating the transition
// against the job's current state. The update is compare-and-set on the
// current state, so a lost race surfaces as ErrInvalidTransition rather than
// silently overwriting a concurrent transition.
func (s *SQLiteStore) TransitionState(ctx context.Context, id, to string) error {
	current, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	var result sql.Result
	if to == model.StatePreparing {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, started_at = ? WHERE job_id = ? AND state = ?`,
			to, time.Now().UTC(), id, current)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ? WHERE job_id = ? AND state = ?`,
			to, id, current)
	}
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return checkTransitioned(result, current, to)
}

// SetExternalJobID records the provider's id, enforcing set-at-most-once.
func (s *SQLiteStore) SetExternalJobID(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET external_job_id = ? WHERE job_id = ? AND external_job_id = ''`,
		externalID, id)
	if err != nil {
		return fmt.Errorf("set external job id: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrExternalIDSet
	}
	return nil
}

// SetAttemptCount records how many submission attempts the job consumed.
func (s *SQLiteStore) SetAttemptCount(ctx context.Context, id string, attempts int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempt_count = ? WHERE job_id = ?`, attempts, id)
	if err != nil {
		return fmt.Errorf("set attempt count: %w", err)
	}
	return checkFound(result)
}

// CompleteJob transitions a job to completed with its materialized result.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, res *model.Result) error {
	current, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(current, model.StateCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, model.StateCompleted)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, completed_at = ?
		 WHERE job_id = ? AND state = ?`,
		model.StateCompleted, string(data), time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return checkTransitioned(result, current, model.StateCompleted)
}

// FailJob transitions a job to its failure state. Re-entering a terminal
// state is a no-op so failure handling stays idempotent.
func (s *SQLiteStore) FailJob(ctx context.Context, id, kind, message string) error {
	current, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminal(current) {
		return nil
	}
	to := model.FailureState(kind)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_kind = ?, error_message = ?, completed_at = ?
		 WHERE job_id = ? AND state = ?`,
		to, kind, message, time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return checkTransitioned(result, current, to)
}

// ReapStale times out every non-terminal job created before the cutoff.
func (s *SQLiteStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_kind = ?, error_message = ?, completed_at = ?
		 WHERE state NOT IN (?, ?, ?) AND created_at < ?`,
		model.StateTimedOut, model.ErrKindTimedOut,
		"job exceeded the pipeline budget without reaching a terminal state",
		time.Now().UTC(),
		model.StateCompleted, model.StateFailed, model.StateTimedOut, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

// GetJobStats returns aggregate counts and the average terminal duration.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{CountByState: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(completed_at) - julianday(started_at)) * 86400000.0)
		 FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func (s *SQLiteStore) currentState(ctx context.Context, id string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE job_id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job state: %w", err)
	}
	return state, nil
}

// scanJob scans one job row and unpacks the JSON result and error columns.
func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	j := &model.Job{}
	var result, errKind, errMsg string
	if err := scan(
		&j.ID, &j.OwnerID, &j.State, &j.PhotoURL, &j.Height, &j.Weight,
		&j.Gender, &j.ExternalJobID, &result, &errKind, &errMsg,
		&j.AttemptCount, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	if result != "" {
		var res model.Result
		if err := json.Unmarshal([]byte(result), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
	}
	if errKind != "" {
		j.Error = &model.JobError{Kind: errKind, Message: errMsg}
	}
	return j, nil
}

func checkFound(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func checkTransitioned(result sql.Result, from, to string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		// The compare-and-set missed: another writer moved the job first.
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
