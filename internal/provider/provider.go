// Package provider defines the client contract for the external GPU compute
// provider, along with the domain types exchanged between the orchestration
// engine and provider implementations. The provider's computation is opaque:
// only its submit/status/cancel surface matters here.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

// Remote job states as reported by the provider, normalized.
const (
	RemoteQueued    = "queued"
	RemoteRunning   = "running"
	RemoteSucceeded = "succeeded"
	RemoteFailed    = "failed"
	RemoteCancelled = "cancelled"
)

// Error kinds for provider calls.
const (
	KindUnauthorized = "Unauthorized"
	KindNotFound     = "NotFound"
	KindRateLimited  = "RateLimited"
	KindNetwork      = "NetworkError"
)

// Error is a provider call failure tagged with a kind the engine uses to
// decide between retrying and giving up.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

// IsTransient reports whether an error is worth retrying: network failures
// and rate limits pass, authorization and not-found rejections do not.
func IsTransient(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindNetwork || pe.Kind == KindRateLimited
}

// SubmitRequest carries the pipeline input for one job.
type SubmitRequest struct {
	OwnerID  string `json:"user_id"`
	PhotoURL string `json:"photo_url"`
	Height   int    `json:"height"`
	Weight   *int   `json:"weight,omitempty"`
	Gender   string `json:"gender"`
}

// EncodedArtifact is one pipeline output blob as carried on the wire:
// base64 bytes plus a content type.
type EncodedArtifact struct {
	Data        string `json:"data"`
	ContentType string `json:"content_type"`
}

// Decode returns the artifact's raw bytes.
func (a EncodedArtifact) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, fmt.Errorf("decode artifact bytes: %w", err)
	}
	return data, nil
}

// JobStatus is the normalized result of one status poll. Output is non-nil
// only when State is RemoteSucceeded. Message carries the provider's error
// detail when State is RemoteFailed or RemoteCancelled.
type JobStatus struct {
	State   string
	Output  map[string]EncodedArtifact
	Message string
}

// Succeeded reports whether the remote job finished successfully.
func (s *JobStatus) Succeeded() bool { return s.State == RemoteSucceeded }

// Terminal reports whether the remote job can make no further progress.
func (s *JobStatus) Terminal() bool {
	return s.State == RemoteSucceeded || s.State == RemoteFailed || s.State == RemoteCancelled
}

// Client is the compute provider protocol: submit a job, poll its status,
// and best-effort cancel it.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, externalID string) (*JobStatus, error)
	Cancel(ctx context.Context, externalID string) error
}
