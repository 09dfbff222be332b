package testutil

import (
	"context"
	"io"
	"testing"

	"attachkit/internal/attach"
	"attachkit/internal/storage"
)

// TestUploader bundles an uploader with its in-memory storages.
type TestUploader struct {
	*attach.Uploader
	Cache *storage.MemoryStorage
	Store *storage.MemoryStorage
	IDs   *StubIDGenerator
}

// NewTestUploader creates an uploader over two empty memory storages with
// sequential file IDs.
func NewTestUploader(logger attach.Logger) *TestUploader {
	cache := storage.NewMemoryStorage()
	store := storage.NewMemoryStorage()
	ids := NewStubIDGenerator()
	return &TestUploader{
		Uploader: attach.NewUploader(cache, store, ids, logger),
		Cache:    cache,
		Store:    store,
		IDs:      ids,
	}
}

// ReadFile returns the content of f, failing the test if it cannot be read.
func ReadFile(t *testing.T, u *attach.Uploader, f *attach.UploadedFile) string {
	t.Helper()

	rc, err := u.Open(context.Background(), f)
	if err != nil {
		t.Fatalf("opening %s/%s: %v", f.Storage, f.ID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s/%s: %v", f.Storage, f.ID, err)
	}
	return string(data)
}
