// Package idgen generates identifiers used across the runtime.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MustEventID returns a time-ordered UUIDv7 string. Sorting these
// lexicographically equals sorting by creation time.
func MustEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// MustSortableID returns a ULID string, used for subscription and processor
// instance names where a compact sortable id reads better in logs.
func MustSortableID() string {
	return ulid.Make().String()
}
