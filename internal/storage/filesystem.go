package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"attachkit/internal/attach"
)

// FileSystemStorage stores each file as <root>/<id[:2]>/<id>. Writes go to a
// temp file in the same directory and are renamed into place, so readers
// never see partial content.
type FileSystemStorage struct {
	root string
}

var _ attach.Storage = (*FileSystemStorage)(nil)

// NewFileSystemStorage creates a storage rooted at root, creating it if needed.
func NewFileSystemStorage(root string) (*FileSystemStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileSystemStorage{root: root}, nil
}

// Root returns the storage directory.
func (s *FileSystemStorage) Root() string { return s.root }

func (s *FileSystemStorage) path(id string) string {
	shard := id
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, id)
}

func (s *FileSystemStorage) Upload(ctx context.Context, id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	dest := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	return writeFileAtomic(ctx, dest, r, size)
}

func (s *FileSystemStorage) Open(_ context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func (s *FileSystemStorage) Exists(_ context.Context, id string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat file: %w", err)
}

func (s *FileSystemStorage) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// writeFileAtomic writes r to dest through a temp file and a rename.
// A non-negative size is verified before the rename.
func writeFileAtomic(ctx context.Context, dest string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
