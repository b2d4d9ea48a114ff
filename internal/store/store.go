package store

import (
	"context"
	"errors"
	"time"

	"github.com/tailorview/fitform/internal/model"
)

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when a job state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrExternalIDSet is returned when a job's external id is assigned twice.
var ErrExternalIDSet = errors.New("external job id already set")

// JobStats holds aggregate pipeline statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for job records. All mutations
// are atomic per job_id: transitions are compare-and-set against the current
// state so concurrent writers cannot regress a record.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*model.Job, int, error)

	// TransitionState moves a job to a new non-terminal-entry state,
	// enforcing the transition table. Entering "preparing" records
	// started_at.
	TransitionState(ctx context.Context, id, to string) error

	// SetExternalJobID records the provider's id for a job. It may be
	// called at most once per job.
	SetExternalJobID(ctx context.Context, id, externalID string) error

	// SetAttemptCount records how many submission attempts a job consumed.
	SetAttemptCount(ctx context.Context, id string, attempts int) error

	// CompleteJob transitions a job to "completed" with its result and
	// completed_at timestamp.
	CompleteJob(ctx context.Context, id string, result *model.Result) error

	// FailJob transitions a job to its failure state ("timed_out" for the
	// TimedOut kind, "failed" otherwise) with an error and completed_at.
	// It is an idempotent no-op when the job is already terminal.
	FailJob(ctx context.Context, id, kind, message string) error

	// ReapStale fails every non-terminal job created before the cutoff as
	// timed out, returning how many were reaped.
	ReapStale(ctx context.Context, cutoff time.Time) (int, error)

	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
