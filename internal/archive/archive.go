// Package archive persists generate-once readings. A row is written exactly
// once per cache key and is immutable afterwards; a uniqueness conflict on
// insert means another worker finished the same work first.
package archive

import (
	"context"
	"errors"
)

// ErrConflict reports that a record already exists for the key. Expected and
// recoverable: callers re-read the winning record instead of failing.
var ErrConflict = errors.New("archive record already exists")

// Archive is the durable store for generate-once content.
type Archive interface {
	// Insert writes content under key. Returns ErrConflict if a record for
	// key already exists.
	Insert(ctx context.Context, key string, content []byte) error

	// Get returns (content, true, nil) when a record exists and
	// (nil, false, nil) when it does not.
	Get(ctx context.Context, key string) ([]byte, bool, error)
}
