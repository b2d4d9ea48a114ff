package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a job identifier. ULIDs are
// globally unique for practical purposes and sort by creation time.
func NewID() string {
	return ulid.Make().String()
}
