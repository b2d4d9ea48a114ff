// Package artifact defines the client contract for per-owner blob storage.
// Every artifact of a job lives under exactly one owner's namespace
// ({owner_id}/{logical_key}); each put is independent, with no
// cross-artifact transactionality.
package artifact

import (
	"context"
	"fmt"
	"time"
)

// Error kinds for storage calls.
const (
	KindQuotaExceeded    = "QuotaExceeded"
	KindPermissionDenied = "PermissionDenied"
	KindNetwork          = "NetworkError"
)

// Error is a storage call failure tagged with a kind.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("artifact store: %s: %s", e.Kind, e.Message)
}

// Store uploads named byte blobs to per-owner storage paths and mints
// short-lived signed URLs for private inputs.
type Store interface {
	// Put uploads one artifact under the owner's namespace and returns a
	// retrievable URL for it.
	Put(ctx context.Context, ownerID, logicalKey string, data []byte, contentType string) (string, error)

	// SignURL returns a time-bounded URL for a private object path. The
	// TTL must outlive the worst-case pipeline duration when the URL is
	// handed to the compute provider.
	SignURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
}
