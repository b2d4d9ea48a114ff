package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 30 * time.Second

var _ Client = (*RunPodClient)(nil)

// RunPodClient talks to a RunPod-style serverless GPU endpoint:
// POST {base}/{endpoint}/run to submit, GET {base}/{endpoint}/status/{id}
// to poll, POST {base}/{endpoint}/cancel/{id} to cancel.
type RunPodClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRunPodClient creates a provider client for the given endpoint.
func NewRunPodClient(baseURL, endpointID, apiKey string) *RunPodClient {
	return &RunPodClient{
		baseURL: fmt.Sprintf("%s/%s", baseURL, endpointID),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

type submitPayload struct {
	Input SubmitRequest `json:"input"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string                     `json:"status"`
	Output map[string]EncodedArtifact `json:"output"`
	Error  string                     `json:"error"`
}

// Submit sends the job input to the provider and returns its job id.
func (c *RunPodClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(submitPayload{Input: req})
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{Kind: KindNetwork, Message: "provider returned no job id"}
	}
	return resp.ID, nil
}

// Status polls the provider for the remote job state and, on success, the
// output payload.
func (c *RunPodClient) Status(ctx context.Context, externalID string) (*JobStatus, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/status/"+externalID, nil, &resp); err != nil {
		return nil, err
	}

	status := &JobStatus{
		State:   normalizeRemoteState(resp.Status),
		Message: resp.Error,
	}
	if status.State == RemoteSucceeded {
		status.Output = resp.Output
	}
	return status, nil
}

// Cancel asks the provider to stop a running job. Best effort.
func (c *RunPodClient) Cancel(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/cancel/"+externalID, nil, nil)
}

func (c *RunPodClient) do(ctx context.Context, method, url string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromStatus(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindNetwork, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// errorFromStatus maps HTTP failure codes to the provider error taxonomy.
func errorFromStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindUnauthorized, Message: msg}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Message: msg}
	default:
		return &Error{Kind: KindNetwork, Message: msg}
	}
}

// normalizeRemoteState maps RunPod status strings to the remote state enum.
// Unknown states are treated as still running so the poll loop keeps its
// attempt budget as the only stopping rule.
func normalizeRemoteState(s string) string {
	switch s {
	case "IN_QUEUE":
		return RemoteQueued
	case "IN_PROGRESS":
		return RemoteRunning
	case "COMPLETED":
		return RemoteSucceeded
	case "FAILED":
		return RemoteFailed
	case "CANCELLED":
		return RemoteCancelled
	default:
		return RemoteRunning
	}
}
