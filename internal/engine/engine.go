package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tailorview/fitform/internal/artifact"
	"github.com/tailorview/fitform/internal/model"
	"github.com/tailorview/fitform/internal/provider"
	"github.com/tailorview/fitform/internal/store"
)

// measurementsKey is the logical key of the measurements artifact. Its bytes
// are JSON and get parsed into the structured result fields.
const measurementsKey = "measurements"

// errPollBudget marks poll budget exhaustion while the remote job was still
// non-terminal.
var errPollBudget = errors.New("polling budget exhausted")

// errShutdown marks a pipeline abandoned because the engine is stopping.
// The job stays non-terminal; the startup reaper finalizes it later.
var errShutdown = errors.New("engine shutting down")

// abandoned reports whether a pipeline stopped because the process is going
// away rather than because anything actually failed. Queue consumers run
// pipelines under the process-lifetime context, so its cancellation means
// shutdown too. Abandoned jobs must never be finalized: they stay
// non-terminal and the startup reaper converges them to timed_out.
func abandoned(err error) bool {
	return errors.Is(err, errShutdown) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Options carries the pipeline budgets and materialization policy. Both
// timeout boundaries live here, not in code: the submission retry budget
// and the polling budget.
type Options struct {
	SubmitMaxAttempts int
	SubmitBackoffBase time.Duration
	SubmitBackoffCap  time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	MaxConcurrent     int

	// MandatoryArtifact is the logical key without which a job cannot
	// complete successfully.
	MandatoryArtifact string

	// PhotoURLPrefix marks photo URLs that live in private storage and
	// need a signed URL before the provider can fetch them.
	PhotoURLPrefix string
	SignedURLTTL   time.Duration
}

// Dispatcher schedules exactly one engine execution for a job. The default
// is the engine itself (in-process goroutine); a queue-backed dispatcher can
// replace it for multi-replica deployments.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Engine orchestrates asynchronous avatar pipeline execution.
type Engine struct {
	store     store.Store
	provider  provider.Client
	artifacts artifact.Store
	logger    *slog.Logger
	opts      Options
	dispatch  Dispatcher
	sem       chan struct{}
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewEngine creates a new pipeline engine dispatching in-process.
func NewEngine(s store.Store, p provider.Client, a artifact.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	e := &Engine{
		store:     s,
		provider:  p,
		artifacts: a,
		logger:    logger,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		done:      make(chan struct{}),
	}
	e.dispatch = e
	return e
}

// SetDispatcher replaces the in-process dispatcher, e.g. with a Redis queue.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatch = d
}

// Submit persists the job record in its queued state and schedules exactly
// one background execution. The caller never blocks on the pipeline.
func (e *Engine) Submit(ctx context.Context, j *model.Job) error {
	if err := e.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if err := e.dispatch.Dispatch(ctx, j.ID); err != nil {
		return fmt.Errorf("dispatch job: %w", err)
	}
	return nil
}

// Dispatch launches the job's pipeline in a goroutine, bounded by the
// concurrency semaphore so the provider sees back-pressure, not a stampede.
func (e *Engine) Dispatch(_ context.Context, jobID string) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-e.done:
			return
		}
		e.Run(context.Background(), jobID)
	}()
	return nil
}

// Run executes the pipeline for one job synchronously. Queue consumers call
// it directly. Terminal jobs are never re-entered.
func (e *Engine) Run(ctx context.Context, jobID string) {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error("load job for execution", "job_id", jobID, "error", err)
		return
	}
	if model.IsTerminal(j.State) {
		e.logger.Warn("skipping terminal job", "job_id", jobID, "state", j.State)
		return
	}
	e.execute(ctx, j)
}

// Wait blocks until all in-flight pipeline goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close asks in-flight pipelines to stop at their next poll boundary.
// Abandoned jobs stay non-terminal and are reaped on the next startup.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// execute drives the job state machine to a terminal state.
func (e *Engine) execute(ctx context.Context, j *model.Job) {
	jobsStarted.Inc()
	logger := e.logger.With("job_id", j.ID, "owner_id", j.OwnerID)

	// queued -> preparing
	if err := e.store.TransitionState(ctx, j.ID, model.StatePreparing); err != nil {
		logger.Error("transition to preparing", "error", err)
		return
	}

	inputURL, err := e.resolveInput(ctx, j.PhotoURL)
	if err != nil {
		e.finishFailed(logger, j.ID, model.ErrKindInputResolution, err.Error())
		return
	}

	// preparing -> submitted
	req := provider.SubmitRequest{
		OwnerID:  j.OwnerID,
		PhotoURL: inputURL,
		Height:   j.Height,
		Weight:   j.Weight,
		Gender:   j.Gender,
	}
	externalID, attempts, err := e.submitWithRetry(ctx, req)
	if serr := e.store.SetAttemptCount(context.Background(), j.ID, attempts); serr != nil {
		logger.Error("record attempt count", "error", serr)
	}
	if err != nil {
		if abandoned(err) {
			logger.Warn("submission abandoned on shutdown")
			return
		}
		e.finishFailed(logger, j.ID, model.ErrKindSubmission,
			fmt.Sprintf("submission failed after %d attempts: %v", attempts, err))
		return
	}
	if err := e.store.SetExternalJobID(context.Background(), j.ID, externalID); err != nil {
		e.finishFailed(logger, j.ID, model.ErrKindSubmission,
			fmt.Sprintf("record external job id: %v", err))
		return
	}
	if err := e.store.TransitionState(ctx, j.ID, model.StateSubmitted); err != nil {
		logger.Error("transition to submitted", "error", err)
		return
	}
	logger.Info("submitted to provider", "external_job_id", externalID, "attempts", attempts)

	// submitted -> polling
	if err := e.store.TransitionState(ctx, j.ID, model.StatePolling); err != nil {
		logger.Error("transition to polling", "error", err)
		return
	}
	status, err := e.poll(ctx, logger, externalID)
	if err != nil {
		switch {
		case abandoned(err):
			// Best-effort cancel so the provider stops burning GPU time.
			if cerr := e.provider.Cancel(context.Background(), externalID); cerr != nil {
				logger.Warn("cancel remote job", "error", cerr)
			}
			logger.Warn("polling abandoned on shutdown")
			return
		case errors.Is(err, errPollBudget):
			e.finishFailed(logger, j.ID, model.ErrKindTimedOut,
				fmt.Sprintf("remote job not terminal after %d polls", e.opts.PollMaxAttempts))
		default:
			e.finishFailed(logger, j.ID, model.ErrKindRemoteExecution, err.Error())
		}
		return
	}

	// polling -> materializing
	if err := e.store.TransitionState(ctx, j.ID, model.StateMaterializing); err != nil {
		logger.Error("transition to materializing", "error", err)
		return
	}
	result, err := e.materialize(ctx, logger, j.OwnerID, status.Output)
	if err != nil {
		e.finishFailed(logger, j.ID, model.ErrKindMaterialization, err.Error())
		return
	}

	// materializing -> completed
	if err := e.store.CompleteJob(context.Background(), j.ID, result); err != nil {
		logger.Error("complete job", "error", err)
		return
	}
	jobsTerminal.WithLabelValues(model.StateCompleted).Inc()
	logger.Info("job completed", "artifacts", len(result.Artifacts))
}

// resolveInput validates the photo reference and swaps private storage URLs
// for signed ones. The signed URL's TTL outlives the pipeline budget, so the
// provider can fetch the photo at any point of the run.
func (e *Engine) resolveInput(ctx context.Context, photoURL string) (string, error) {
	u, err := url.Parse(photoURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid photo url %q", photoURL)
	}

	if e.opts.PhotoURLPrefix == "" || !strings.HasPrefix(photoURL, e.opts.PhotoURLPrefix) {
		return photoURL, nil
	}

	path := strings.TrimPrefix(photoURL, e.opts.PhotoURLPrefix)
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	signed, err := e.artifacts.SignURL(ctx, path, e.opts.SignedURLTTL)
	if err != nil {
		return "", fmt.Errorf("sign photo url: %w", err)
	}
	return signed, nil
}

// submitWithRetry submits the job to the provider, retrying transient
// failures with capped exponential backoff. It returns the external job id
// and how many attempts were consumed.
func (e *Engine) submitWithRetry(ctx context.Context, req provider.SubmitRequest) (string, int, error) {
	backoff := e.opts.SubmitBackoffBase
	var lastErr error

	for attempt := 1; attempt <= e.opts.SubmitMaxAttempts; attempt++ {
		externalID, err := e.provider.Submit(ctx, req)
		if err == nil {
			return externalID, attempt, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return "", attempt, err
		}
		submitRetries.Inc()

		if attempt == e.opts.SubmitMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-e.done:
			return "", attempt, errShutdown
		case <-ctx.Done():
			return "", attempt, ctx.Err()
		}
		backoff *= 2
		if backoff > e.opts.SubmitBackoffCap {
			backoff = e.opts.SubmitBackoffCap
		}
	}
	return "", e.opts.SubmitMaxAttempts, lastErr
}

// poll watches the remote job until it reaches a terminal remote state or
// the attempt budget runs out. A failed poll attempt consumes budget but is
// not fatal; a successful poll reporting remote failure is.
func (e *Engine) poll(ctx context.Context, logger *slog.Logger, externalID string) (*provider.JobStatus, error) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= e.opts.PollMaxAttempts; attempt++ {
		select {
		case <-ticker.C:
		case <-e.done:
			return nil, errShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		status, err := e.provider.Status(ctx, externalID)
		pollAttempts.Inc()
		if err != nil {
			logger.Warn("poll attempt failed", "attempt", attempt, "error", err)
			continue
		}

		switch status.State {
		case provider.RemoteSucceeded:
			return status, nil
		case provider.RemoteFailed, provider.RemoteCancelled:
			msg := status.Message
			if msg == "" {
				msg = "remote execution " + status.State
			}
			return nil, errors.New(msg)
		default:
			// Still queued or running remotely.
		}
	}
	return nil, errPollBudget
}

// uploadOutcome is the per-artifact result of materialization.
type uploadOutcome struct {
	key string
	url string
	err error
}

// materialize decodes and uploads the provider's output artifacts. Uploads
// are independent and unordered; a decode or upload failure on an optional
// artifact drops that key only. The job fails here only when the mandatory
// artifact cannot be stored.
func (e *Engine) materialize(ctx context.Context, logger *slog.Logger, ownerID string, output map[string]provider.EncodedArtifact) (*model.Result, error) {
	if len(output) == 0 {
		return nil, errors.New("provider returned an empty output payload")
	}

	decoded := make(map[string][]byte, len(output))
	for key, enc := range output {
		data, err := enc.Decode()
		if err != nil {
			logger.Warn("skipping undecodable artifact", "logical_key", key, "error", err)
			continue
		}
		decoded[key] = data
	}

	outcomes := make(chan uploadOutcome, len(decoded))
	var wg sync.WaitGroup
	for key, data := range decoded {
		key, data := key, data
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := e.artifacts.Put(ctx, ownerID, key, data, output[key].ContentType)
			outcomes <- uploadOutcome{key: key, url: u, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	result := &model.Result{Artifacts: make(map[string]string)}
	var mandatoryErr error
	for out := range outcomes {
		if out.err != nil {
			artifactUploadFailures.Inc()
			if out.key == e.opts.MandatoryArtifact {
				mandatoryErr = out.err
			} else {
				logger.Warn("optional artifact upload failed", "logical_key", out.key, "error", out.err)
			}
			continue
		}
		result.Artifacts[out.key] = out.url
	}

	if mandatoryErr != nil {
		return nil, fmt.Errorf("mandatory artifact %q: %w", e.opts.MandatoryArtifact, mandatoryErr)
	}
	avatarURL, ok := result.Artifacts[e.opts.MandatoryArtifact]
	if !ok {
		return nil, fmt.Errorf("mandatory artifact %q missing from provider output", e.opts.MandatoryArtifact)
	}
	result.AvatarURL = avatarURL

	// Measurements parse from the decoded bytes even if their upload failed:
	// the structured values matter more than the raw JSON blob's URL.
	if data, ok := decoded[measurementsKey]; ok {
		m, err := model.ParseMeasurements(data)
		if err != nil {
			logger.Warn("parse measurements artifact", "error", err)
		} else {
			result.Measurements = m
		}
	}

	return result, nil
}

// finishFailed marks a job failed with the given error kind and message.
// Re-entry on an already-terminal job is a no-op in the store.
func (e *Engine) finishFailed(logger *slog.Logger, id, kind, message string) {
	if err := e.store.FailJob(context.Background(), id, kind, message); err != nil {
		logger.Error("mark job failed", "kind", kind, "error", err)
		return
	}
	jobsTerminal.WithLabelValues(model.FailureState(kind)).Inc()
	logger.Info("job failed", "kind", kind, "message", message)
}
