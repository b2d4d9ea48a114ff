package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 60 * time.Second

var _ Store = (*HTTPStore)(nil)

// HTTPStore talks to a Supabase-style storage REST API: objects are uploaded
// to /storage/v1/object/{bucket}/{path} and served from the bucket's public
// prefix; signed URLs come from /storage/v1/object/sign/{bucket}/{path}.
type HTTPStore struct {
	baseURL     string
	apiKey      string
	bucket      string
	photoBucket string
	httpClient  *http.Client
}

// NewHTTPStore creates a storage client. bucket receives job artifacts;
// photoBucket holds the private input photos that get signed URLs.
func NewHTTPStore(baseURL, apiKey, bucket, photoBucket string) *HTTPStore {
	return &HTTPStore{
		baseURL:     baseURL,
		apiKey:      apiKey,
		bucket:      bucket,
		photoBucket: photoBucket,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Put uploads one artifact under {owner_id}/{logical_key} and returns its
// public URL.
func (s *HTTPStore) Put(ctx context.Context, ownerID, logicalKey string, data []byte, contentType string) (string, error) {
	path := fmt.Sprintf("%s/%s", ownerID, logicalKey)
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", contentType)
	// Overwrite on retry instead of failing with a duplicate error.
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errorFromStatus(resp)
	}

	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, path), nil
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// SignURL mints a time-bounded URL for a private photo path.
func (s *HTTPStore) SignURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", s.baseURL, s.photoBucket, objectPath)

	body, err := json.Marshal(signRequest{ExpiresIn: int(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errorFromStatus(resp)
	}

	var signed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", &Error{Kind: KindNetwork, Message: fmt.Sprintf("decode sign response: %v", err)}
	}
	if signed.SignedURL == "" {
		return "", &Error{Kind: KindNetwork, Message: "storage returned no signed URL"}
	}

	return s.baseURL + signed.SignedURL, nil
}

// errorFromStatus maps HTTP failure codes to the storage error taxonomy.
func errorFromStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindPermissionDenied, Message: msg}
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return &Error{Kind: KindQuotaExceeded, Message: msg}
	default:
		return &Error{Kind: KindNetwork, Message: msg}
	}
}
