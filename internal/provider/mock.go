package provider

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
)

var _ Client = (*MockClient)(nil)

// MockClient is the development stand-in used when no provider credentials
// are configured. Each job reports queued once, running once, then succeeds
// with a placeholder model and a fixed set of measurements.
type MockClient struct {
	mu    sync.Mutex
	polls map[string]int
}

// NewMockClient creates a mock provider.
func NewMockClient() *MockClient {
	return &MockClient{polls: make(map[string]int)}
}

// Submit returns a fresh fake job id.
func (m *MockClient) Submit(_ context.Context, _ SubmitRequest) (string, error) {
	return "mock-" + uuid.NewString()[:8], nil
}

// Status walks a job through queued, running, succeeded across calls.
func (m *MockClient) Status(_ context.Context, externalID string) (*JobStatus, error) {
	m.mu.Lock()
	m.polls[externalID]++
	n := m.polls[externalID]
	m.mu.Unlock()

	switch {
	case n == 1:
		return &JobStatus{State: RemoteQueued}, nil
	case n == 2:
		return &JobStatus{State: RemoteRunning}, nil
	default:
		return &JobStatus{State: RemoteSucceeded, Output: mockOutput()}, nil
	}
}

// Cancel always succeeds.
func (m *MockClient) Cancel(_ context.Context, externalID string) error {
	m.mu.Lock()
	delete(m.polls, externalID)
	m.mu.Unlock()
	return nil
}

func mockOutput() map[string]EncodedArtifact {
	measurements := []byte(`{"chest":102,"waist":83,"hips":96,"inseam":86,` +
		`"shoulder_width":46,"arm_length":61,"neck":40,"thigh":61,"torso_length":58}`)
	return map[string]EncodedArtifact{
		"avatar_model": {
			Data:        base64.StdEncoding.EncodeToString([]byte("glTF-placeholder")),
			ContentType: "model/gltf-binary",
		},
		"measurements": {
			Data:        base64.StdEncoding.EncodeToString(measurements),
			ContentType: "application/json",
		},
	}
}
