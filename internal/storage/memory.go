package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"attachkit/internal/attach"
)

// MemoryStorage keeps file content in memory. It is safe for concurrent use.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ attach.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) Upload(_ context.Context, id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = data
	return nil
}

func (m *MemoryStorage) Open(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.objects[id]
	if !ok {
		return nil, notFound(id)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[id]
	return ok, nil
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, id)
	return nil
}

// IDs returns the stored ids in sorted order.
func (m *MemoryStorage) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.objects))
	for id := range m.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored objects.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
