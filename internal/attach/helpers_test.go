package attach

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
)

// memStorage is a minimal in-memory Storage for tests in this package.
type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (s *memStorage) Upload(_ context.Context, id string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: got %d, want %d", len(data), size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[id] = data
	return nil
}

func (s *memStorage) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrFileNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[id]
	return ok, nil
}

func (s *memStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
	return nil
}

func (s *memStorage) has(id string) bool {
	ok, _ := s.Exists(context.Background(), id)
	return ok
}

type seqIDs struct{ n int }

func (g *seqIDs) New() string {
	g.n++
	return fmt.Sprintf("f%d", g.n)
}

type testEnv struct {
	uploader *Uploader
	cache    *memStorage
	store    *memStorage
}

func newTestEnv() *testEnv {
	cache, store := newMemStorage(), newMemStorage()
	return &testEnv{
		uploader: NewUploader(cache, store, &seqIDs{}, nil),
		cache:    cache,
		store:    store,
	}
}

func readAll(t *testing.T, u *Uploader, f *UploadedFile) string {
	t.Helper()
	rc, err := u.Open(context.Background(), f)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", f.ID, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", f.ID, err)
	}
	return string(data)
}
