package model

import "time"

// Job state constants.
const (
	StateQueued        = "queued"
	StatePreparing     = "preparing"
	StateSubmitted     = "submitted"
	StatePolling       = "polling"
	StateMaterializing = "materializing"
	StateCompleted     = "completed"
	StateFailed        = "failed"
	StateTimedOut      = "timed_out"
)

// Error kind constants for terminal failures.
const (
	ErrKindInputResolution = "InputResolutionError"
	ErrKindSubmission      = "SubmissionError"
	ErrKindRemoteExecution = "RemoteExecutionError"
	ErrKindTimedOut        = "TimedOut"
	ErrKindMaterialization = "MaterializationError"
)

// Gender constants accepted by the creation request.
const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
)

// validTransitions maps each state to the set of states it may transition to.
// Terminal states have no outgoing edges, so a terminal job can never regress.
var validTransitions = map[string]map[string]bool{
	StateQueued: {
		StatePreparing: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
	StatePreparing: {
		StateSubmitted: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
	StateSubmitted: {
		StatePolling:  true,
		StateFailed:   true,
		StateTimedOut: true,
	},
	StatePolling: {
		StateMaterializing: true,
		StateFailed:        true,
		StateTimedOut:      true,
	},
	StateMaterializing: {
		StateCompleted: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a state is terminal.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateTimedOut
}

// FailureState maps an error kind to the terminal state it produces.
func FailureState(kind string) string {
	if kind == ErrKindTimedOut {
		return StateTimedOut
	}
	return StateFailed
}

// JobError describes why a job reached a failure state.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result holds the materialized output of a completed job: one URL per
// uploaded artifact, the primary model URL, and the parsed body measurements.
type Result struct {
	Artifacts    map[string]string `json:"artifacts"`
	AvatarURL    string            `json:"avatar_url"`
	Measurements *Measurements     `json:"measurements,omitempty"`
}

// Job is the durable record of one avatar-creation request. It is created
// once by the gateway and mutated only by the engine afterwards.
type Job struct {
	ID            string     `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	State         string     `json:"state"`
	PhotoURL      string     `json:"photo_url"`
	Height        int        `json:"height"`
	Weight        *int       `json:"weight,omitempty"`
	Gender        string     `json:"gender"`
	ExternalJobID string     `json:"external_job_id,omitempty"`
	Result        *Result    `json:"result,omitempty"`
	Error         *JobError  `json:"error,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
