package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"attachkit/internal/attach"
	"attachkit/internal/encryption"
)

// testStorageContract runs the behaviour every attach.Storage must share.
func testStorageContract(t *testing.T, s attach.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("upload and open", func(t *testing.T) {
		tests := []struct {
			name    string
			id      string
			content string
			size    int64
		}{
			{name: "known size", id: "a1.txt", content: "hello world", size: 11},
			{name: "unknown size", id: "a2.txt", content: "streamed", size: -1},
			{name: "empty content", id: "a3", content: "", size: 0},
			{name: "large content", id: "a4.bin", content: strings.Repeat("x", 100000), size: 100000},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := s.Upload(ctx, tt.id, strings.NewReader(tt.content), tt.size); err != nil {
					t.Fatalf("Upload() error = %v", err)
				}
				rc, err := s.Open(ctx, tt.id)
				if err != nil {
					t.Fatalf("Open() error = %v", err)
				}
				defer rc.Close()
				got, err := io.ReadAll(rc)
				if err != nil {
					t.Fatalf("reading content: %v", err)
				}
				if string(got) != tt.content {
					t.Errorf("Open() content length = %d, want %d", len(got), len(tt.content))
				}
			})
		}
	})

	t.Run("open missing", func(t *testing.T) {
		_, err := s.Open(ctx, "missing")
		if !errors.Is(err, attach.ErrFileNotFound) {
			t.Errorf("Open() error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("exists and delete", func(t *testing.T) {
		if err := s.Upload(ctx, "del.txt", strings.NewReader("bye"), 3); err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if ok, err := s.Exists(ctx, "del.txt"); err != nil || !ok {
			t.Fatalf("Exists() = %v, %v, want true", ok, err)
		}
		if err := s.Delete(ctx, "del.txt"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if ok, err := s.Exists(ctx, "del.txt"); err != nil || ok {
			t.Errorf("Exists() after Delete = %v, %v, want false", ok, err)
		}
		if err := s.Delete(ctx, "del.txt"); err != nil {
			t.Errorf("Delete() of missing object error = %v, want nil", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		if err := s.Upload(ctx, "short.txt", strings.NewReader("abc"), 10); err == nil {
			t.Error("Upload() with wrong size error = nil, want error")
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorageContract(t, NewMemoryStorage())
}

func TestFileSystemStorage(t *testing.T) {
	s, err := NewFileSystemStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemStorage() error = %v", err)
	}
	testStorageContract(t, s)

	t.Run("rejects path traversal", func(t *testing.T) {
		for _, id := range []string{"../x", "a/b", "..", ""} {
			if err := s.Upload(context.Background(), id, strings.NewReader("x"), 1); err == nil {
				t.Errorf("Upload(%q) error = nil, want error", id)
			}
		}
	})
}

func TestEncryptedStorage(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStorage()
	enc := encryption.NewTestEncryptor()
	s := NewEncryptedStorage(inner, enc)

	if err := s.Upload(ctx, "secret.txt", strings.NewReader("plain"), 5); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	raw, _ := inner.Open(ctx, "secret.txt")
	stored, _ := io.ReadAll(raw)
	if string(stored) == "plain" {
		t.Error("inner storage holds plaintext")
	}

	if !s.Locked() {
		t.Error("Locked() = false before Unlock")
	}
	if _, err := s.Open(ctx, "secret.txt"); !errors.Is(err, ErrLocked) {
		t.Errorf("Open() while locked error = %v, want ErrLocked", err)
	}

	dc, err := enc.Unlock("passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	s.Unlock(dc)

	testStorageContract(t, s)
}
