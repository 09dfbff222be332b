package attach

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrFileNotFound is returned (wrapped) by storages when an object does not exist.
	ErrFileNotFound = errors.New("file not found in storage")

	// ErrNotCached is returned when cached data is expected but points elsewhere.
	ErrNotCached = errors.New("file is not cached")

	// ErrPersisted is wrapped by Persistence.Update errors raised after f was
	// already written, so the record keeps referencing f.
	ErrPersisted = errors.New("attachment already persisted")
)

// Storage is a backend holding uploaded file content, addressed by ID.
type Storage interface {
	// Upload stores content read from r under id. size is the number of bytes
	// that will be read from r, or -1 when unknown.
	Upload(ctx context.Context, id string, r io.Reader, size int64) error

	// Open returns a reader for the content stored under id.
	// The error wraps ErrFileNotFound when nothing is stored there.
	Open(ctx context.Context, id string) (io.ReadCloser, error)

	// Exists reports whether content is stored under id.
	Exists(ctx context.Context, id string) (bool, error)

	// Delete removes the content stored under id. Deleting a missing object
	// is not an error.
	Delete(ctx context.Context, id string) error
}
