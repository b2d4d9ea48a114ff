package engine_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tailorview/fitform/internal/artifact"
	"github.com/tailorview/fitform/internal/engine"
	"github.com/tailorview/fitform/internal/model"
	"github.com/tailorview/fitform/internal/provider"
	"github.com/tailorview/fitform/internal/store"
)

// noopDispatcher leaves jobs queued so tests can run them synchronously.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, string) error { return nil }

// fakeProvider is a configurable mock compute provider.
type fakeProvider struct {
	mu        sync.Mutex
	submits   int
	polls     int
	submitFn  func(attempt int) (string, error)
	statusFn  func(poll int) (*provider.JobStatus, error)
	cancelled []string
}

func (f *fakeProvider) Submit(_ context.Context, _ provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(n)
	}
	return "ext-1", nil
}

func (f *fakeProvider) Status(_ context.Context, _ string) (*provider.JobStatus, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	f.mu.Unlock()
	if f.statusFn != nil {
		return f.statusFn(n)
	}
	return &provider.JobStatus{State: provider.RemoteQueued}, nil
}

func (f *fakeProvider) Cancel(_ context.Context, externalID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, externalID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeProvider) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// fakeArtifacts records uploads and can be told to fail specific keys.
type fakeArtifacts struct {
	mu       sync.Mutex
	puts     map[string][]byte
	failKeys map[string]error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		puts:     make(map[string][]byte),
		failKeys: make(map[string]error),
	}
}

func (f *fakeArtifacts) Put(_ context.Context, ownerID, logicalKey string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failKeys[logicalKey]; ok {
		return "", err
	}
	f.puts[logicalKey] = data
	return fmt.Sprintf("https://store/%s/%s", ownerID, logicalKey), nil
}

func (f *fakeArtifacts) SignURL(_ context.Context, objectPath string, _ time.Duration) (string, error) {
	return "https://store/signed/" + objectPath, nil
}

func (f *fakeArtifacts) uploaded(logicalKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.puts[logicalKey]
	return ok
}

func testOptions() engine.Options {
	return engine.Options{
		SubmitMaxAttempts: 3,
		SubmitBackoffBase: time.Millisecond,
		SubmitBackoffCap:  4 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		PollMaxAttempts:   10,
		MaxConcurrent:     4,
		MandatoryArtifact: "avatar_model",
	}
}

func newTestEngine(t *testing.T, p provider.Client, a artifact.Store, opts engine.Options) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, p, a, logger, opts)
	t.Cleanup(func() {
		eng.Close()
		eng.Wait()
	})
	return eng, s
}

func makeJob() *model.Job {
	return &model.Job{
		ID:        model.NewID(),
		OwnerID:   "u1",
		State:     model.StateQueued,
		PhotoURL:  "https://photos.example.com/u1/photo.jpg",
		Height:    180,
		Gender:    model.GenderFemale,
		CreatedAt: time.Now().UTC(),
	}
}

// waitForTerminal polls the store until the job reaches a terminal state.
func waitForTerminal(t *testing.T, s store.Store, id string, timeout time.Duration) *model.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if model.IsTerminal(j.State) {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %v", id, timeout)
	return nil
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func successOutput() map[string]provider.EncodedArtifact {
	return map[string]provider.EncodedArtifact{
		"avatar_model": {Data: b64("glb-bytes"), ContentType: "model/gltf-binary"},
		"measurements": {Data: b64(`{"chest":102,"waist":83}`), ContentType: "application/json"},
	}
}

func TestPipelineHappyPath(t *testing.T) {
	p := &fakeProvider{
		statusFn: func(poll int) (*provider.JobStatus, error) {
			if poll < 3 {
				return &provider.JobStatus{State: provider.RemoteRunning}, nil
			}
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: successOutput()}, nil
		},
	}
	a := newFakeArtifacts()
	eng, s := newTestEngine(t, p, a, testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateCompleted {
		t.Fatalf("State = %q (error %+v), want completed", got.State, got.Error)
	}
	if got.ExternalJobID != "ext-1" {
		t.Errorf("ExternalJobID = %q, want ext-1", got.ExternalJobID)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.Result == nil {
		t.Fatal("Result is nil")
	}
	if len(got.Result.Artifacts) != 2 {
		t.Errorf("Artifacts = %v, want exactly the 2 provider keys", got.Result.Artifacts)
	}
	if got.Result.AvatarURL != "https://store/u1/avatar_model" {
		t.Errorf("AvatarURL = %q", got.Result.AvatarURL)
	}
	if got.Result.Measurements == nil || got.Result.Measurements.Chest == nil || *got.Result.Measurements.Chest != 102 {
		t.Errorf("Measurements = %+v, want chest 102", got.Result.Measurements)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("StartedAt or CompletedAt is nil")
	}
	if got.Error != nil {
		t.Errorf("Error = %+v, want nil", got.Error)
	}
}

func TestAcceptReturnsImmediately(t *testing.T) {
	// Provider never finishes; accept must still return right away.
	p := &fakeProvider{}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	start := time.Now()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Submit took %v, want bounded time independent of pipeline", elapsed)
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if model.IsTerminal(got.State) {
		t.Errorf("State = %q immediately after accept, want non-terminal", got.State)
	}
}

func TestSubmitRetryExhaustion(t *testing.T) {
	p := &fakeProvider{
		submitFn: func(int) (string, error) {
			return "", &provider.Error{Kind: provider.KindNetwork, Message: "connection refused"}
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Error == nil || got.Error.Kind != model.ErrKindSubmission {
		t.Errorf("Error = %+v, want kind SubmissionError", got.Error)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}
	if n := p.submitCount(); n != 3 {
		t.Errorf("provider saw %d submits, want 3", n)
	}
}

func TestSubmitNonTransientNoRetry(t *testing.T) {
	p := &fakeProvider{
		submitFn: func(int) (string, error) {
			return "", &provider.Error{Kind: provider.KindUnauthorized, Message: "bad key"}
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Error.Kind != model.ErrKindSubmission {
		t.Errorf("Error kind = %q, want SubmissionError", got.Error.Kind)
	}
	if n := p.submitCount(); n != 1 {
		t.Errorf("provider saw %d submits, want 1 (no retry on auth failure)", n)
	}
}

func TestPollBudgetTimesOut(t *testing.T) {
	// Remote job stays queued for every poll.
	p := &fakeProvider{}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateTimedOut {
		t.Fatalf("State = %q, want timed_out", got.State)
	}
	if got.Error == nil || got.Error.Kind != model.ErrKindTimedOut {
		t.Errorf("Error = %+v, want kind TimedOut", got.Error)
	}
	if got.Result != nil {
		t.Errorf("Result = %+v, want nil", got.Result)
	}
}

func TestFailedPollAttemptsConsumeBudget(t *testing.T) {
	// Every poll attempt fails transiently; the job must still converge to
	// timed_out instead of spinning forever or failing outright.
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return nil, &provider.Error{Kind: provider.KindNetwork, Message: "flaky"}
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateTimedOut {
		t.Fatalf("State = %q, want timed_out", got.State)
	}
	if n := p.pollCount(); n != testOptions().PollMaxAttempts {
		t.Errorf("provider saw %d polls, want %d", n, testOptions().PollMaxAttempts)
	}
}

func TestRemoteExecutionFailure(t *testing.T) {
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteFailed, Message: "GPU OOM"}, nil
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Error.Kind != model.ErrKindRemoteExecution {
		t.Errorf("Error kind = %q, want RemoteExecutionError", got.Error.Kind)
	}
	if got.Error.Message != "GPU OOM" {
		t.Errorf("Error message = %q, want the provider detail", got.Error.Message)
	}
}

func TestMandatoryArtifactUploadFails(t *testing.T) {
	output := successOutput()
	output["thumbnail"] = provider.EncodedArtifact{Data: b64("png"), ContentType: "image/png"}
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: output}, nil
		},
	}
	a := newFakeArtifacts()
	a.failKeys["avatar_model"] = &artifact.Error{Kind: artifact.KindQuotaExceeded, Message: "bucket full"}
	eng, s := newTestEngine(t, p, a, testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Error.Kind != model.ErrKindMaterialization {
		t.Errorf("Error kind = %q, want MaterializationError", got.Error.Kind)
	}
	if got.Result != nil {
		t.Errorf("Result = %+v, want nil — partial success must not surface as completed", got.Result)
	}
	// The optional upload still happened independently.
	if !a.uploaded("thumbnail") {
		t.Error("optional thumbnail was not uploaded")
	}
}

func TestOptionalArtifactFailureStillCompletes(t *testing.T) {
	output := successOutput()
	output["thumbnail"] = provider.EncodedArtifact{Data: b64("png"), ContentType: "image/png"}
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: output}, nil
		},
	}
	a := newFakeArtifacts()
	a.failKeys["thumbnail"] = &artifact.Error{Kind: artifact.KindNetwork, Message: "timeout"}
	eng, s := newTestEngine(t, p, a, testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateCompleted {
		t.Fatalf("State = %q (error %+v), want completed", got.State, got.Error)
	}
	if _, ok := got.Result.Artifacts["thumbnail"]; ok {
		t.Error("failed optional artifact should be absent from the result")
	}
	if _, ok := got.Result.Artifacts["avatar_model"]; !ok {
		t.Error("mandatory artifact missing from result")
	}
}

func TestUndecodableOptionalArtifactSkipped(t *testing.T) {
	output := successOutput()
	output["heatmap"] = provider.EncodedArtifact{Data: "!!! not base64 !!!", ContentType: "image/png"}
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: output}, nil
		},
	}
	a := newFakeArtifacts()
	eng, s := newTestEngine(t, p, a, testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateCompleted {
		t.Fatalf("State = %q, want completed", got.State)
	}
	if _, ok := got.Result.Artifacts["heatmap"]; ok {
		t.Error("undecodable artifact should be absent from the result")
	}
}

func TestTerminalJobNeverReentered(t *testing.T) {
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: successOutput()}, nil
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitForTerminal(t, s, j.ID, 5*time.Second)

	submitsBefore := p.submitCount()
	eng.Run(context.Background(), j.ID)

	second, _ := s.GetJob(context.Background(), j.ID)
	if second.State != first.State {
		t.Errorf("State changed on re-entry: %q -> %q", first.State, second.State)
	}
	if n := p.submitCount(); n != submitsBefore {
		t.Errorf("re-entry submitted to the provider again (%d -> %d)", submitsBefore, n)
	}
}

func TestSignedURLForPrivatePhotos(t *testing.T) {
	var submitted provider.SubmitRequest
	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			return &provider.JobStatus{State: provider.RemoteSucceeded, Output: successOutput()}, nil
		},
	}
	p.submitFn = func(int) (string, error) { return "ext-1", nil }

	opts := testOptions()
	opts.PhotoURLPrefix = "https://store.example.com/storage/v1/object/public/photos/"
	opts.SignedURLTTL = time.Hour

	a := newFakeArtifacts()
	eng, s := newTestEngine(t, &capturingProvider{fakeProvider: p, captured: &submitted}, a, opts)

	j := makeJob()
	j.PhotoURL = "https://store.example.com/storage/v1/object/public/photos/u1/photo.jpg?v=2"
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateCompleted {
		t.Fatalf("State = %q, want completed", got.State)
	}
	if submitted.PhotoURL != "https://store/signed/u1/photo.jpg" {
		t.Errorf("provider saw photo url %q, want the signed url", submitted.PhotoURL)
	}
}

// capturingProvider records the submit request it receives.
type capturingProvider struct {
	*fakeProvider
	captured *provider.SubmitRequest
}

func (c *capturingProvider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	*c.captured = req
	return c.fakeProvider.Submit(ctx, req)
}

func TestInvalidPhotoURLFailsInputResolution(t *testing.T) {
	p := &fakeProvider{}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	j := makeJob()
	j.PhotoURL = "not a url"
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Error.Kind != model.ErrKindInputResolution {
		t.Errorf("Error kind = %q, want InputResolutionError", got.Error.Kind)
	}
	if n := p.submitCount(); n != 0 {
		t.Errorf("provider saw %d submits, want 0", n)
	}
}

func TestCancelledRunLeavesJobNonTerminal(t *testing.T) {
	// Queue consumers run pipelines under the process-lifetime context. Its
	// cancellation is shutdown, not a provider verdict: the job must stay
	// non-terminal with no error recorded, for the reaper to finish later.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakeProvider{
		statusFn: func(int) (*provider.JobStatus, error) {
			cancel()
			return &provider.JobStatus{State: provider.RemoteRunning}, nil
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())
	eng.SetDispatcher(noopDispatcher{})

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Run(ctx, j.ID)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if model.IsTerminal(got.State) {
		t.Fatalf("State = %q after cancelled run, want non-terminal", got.State)
	}
	if got.Error != nil {
		t.Errorf("Error = %+v, want nil — cancellation is not a remote failure", got.Error)
	}

	// The reaper, not the cancelled run, finalizes the record.
	if _, err := s.ReapStale(context.Background(), time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	got, _ = s.GetJob(context.Background(), j.ID)
	if got.State != model.StateTimedOut {
		t.Errorf("State = %q after reap, want timed_out", got.State)
	}
	if got.Error == nil || got.Error.Kind != model.ErrKindTimedOut {
		t.Errorf("Error = %+v, want kind TimedOut", got.Error)
	}
}

func TestCancelledSubmitBackoffLeavesJobNonTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakeProvider{
		submitFn: func(int) (string, error) {
			cancel()
			return "", &provider.Error{Kind: provider.KindNetwork, Message: "connection refused"}
		},
	}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())
	eng.SetDispatcher(noopDispatcher{})

	j := makeJob()
	if err := eng.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Run(ctx, j.ID)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if model.IsTerminal(got.State) {
		t.Fatalf("State = %q after cancelled run, want non-terminal", got.State)
	}
	if got.Error != nil {
		t.Errorf("Error = %+v, want nil — cancellation is not a submission failure", got.Error)
	}
}

func TestReaperTimesOutStaleJobs(t *testing.T) {
	p := &fakeProvider{}
	eng, s := newTestEngine(t, p, newFakeArtifacts(), testOptions())

	// Simulate a job orphaned by a crash: persisted but never dispatched.
	j := makeJob()
	j.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.StartReaper(ctx, 10*time.Millisecond, 30*time.Minute)

	got := waitForTerminal(t, s, j.ID, 5*time.Second)
	if got.State != model.StateTimedOut {
		t.Fatalf("State = %q, want timed_out", got.State)
	}
	if got.Error == nil || got.Error.Kind != model.ErrKindTimedOut {
		t.Errorf("Error = %+v, want kind TimedOut", got.Error)
	}
}
