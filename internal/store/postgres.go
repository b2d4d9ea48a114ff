package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tailorview/fitform/internal/model"

	_ "github.com/lib/pq"
)

const createJobsTablePG = `
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
    created_at      TIMESTAMPTZ NOT NULL,
    started_at      TIMESTAMPTZ,
    completed_at    TIMESTAMPTZ
)`

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL. It carries the same
// semantics as SQLiteStore; only the SQL dialect differs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database at dbURL and runs migrations.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(createJobsTablePG); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *PostgresStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			job_id, owner_id, state, photo_url, height, weight, gender,
			attempt_count, created_at, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.OwnerID, j.State, j.PhotoURL, j.Height, j.Weight, j.Gender,
		j.AttemptCount, j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE job_id = $1`, id)
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
func (s *PostgresStore) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	countQuery := "SELECT COUNT(*) FROM jobs"
	listQuery := `SELECT ` + selectJobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	countArgs := []any{}
	listArgs := []any{limit, offset}
	if ownerID != "" {
		countQuery = "SELECT COUNT(*) FROM jobs WHERE owner_id = $1"
		listQuery = `SELECT ` + selectJobColumns + ` FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		countArgs = []any{ownerID}
		listArgs = []any{ownerID, limit, offset}
	}

	var total int
	if err := tx.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, listQuery, listArgs...)
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

// TransitionState moves a job to a new state, compare-and-set on the
// current state.
func (s *PostgresStore) TransitionState(ctx context.Context, id, to string) error {
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
			`UPDATE jobs SET state = $1, started_at = $2 WHERE job_id = $3 AND state = $4`,
			to, time.Now().UTC(), id, current)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = $1 WHERE job_id = $2 AND state = $3`,
			to, id, current)
	}
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	return checkTransitioned(result, current, to)
}

// SetExternalJobID records the provider's id, enforcing set-at-most-once.
func (s *PostgresStore) SetExternalJobID(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET external_job_id = $1 WHERE job_id = $2 AND external_job_id = ''`,
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
func (s *PostgresStore) SetAttemptCount(ctx context.Context, id string, attempts int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempt_count = $1 WHERE job_id = $2`, attempts, id)
	if err != nil {
		return fmt.Errorf("set attempt count: %w", err)
	}
	return checkFound(result)
}

// CompleteJob transitions a job to completed with its materialized result.
func (s *PostgresStore) CompleteJob(ctx context.Context, id string, res *model.Result) error {
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
		`UPDATE jobs SET state = $1, result = $2, completed_at = $3
		 WHERE job_id = $4 AND state = $5`,
		model.StateCompleted, string(data), time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return checkTransitioned(result, current, model.StateCompleted)
}

// FailJob transitions a job to its failure state, no-op when already terminal.
func (s *PostgresStore) FailJob(ctx context.Context, id, kind, message string) error {
	current, err := s.currentState(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminal(current) {
		return nil
	}
	to := model.FailureState(kind)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = $1, error_kind = $2, error_message = $3, completed_at = $4
		 WHERE job_id = $5 AND state = $6`,
		to, kind, message, time.Now().UTC(), id, current)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return checkTransitioned(result, current, to)
}

// ReapStale times out every non-terminal job created before the cutoff.
func (s *PostgresStore) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = $1, error_kind = $2, error_message = $3, completed_at = $4
		 WHERE state NOT IN ($5, $6, $7) AND created_at < $8`,
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
func (s *PostgresStore) GetJobStats(ctx context.Context) (*JobStats, error) {
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
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000.0)
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

func (s *PostgresStore) currentState(ctx context.Context, id string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE job_id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job state: %w", err)
	}
	return state, nil
}
