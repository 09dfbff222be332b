package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"attachkit/internal/attach"
	"attachkit/internal/encryption"
)

// EncryptedStorage encrypts content on its way into another storage and
// decrypts it on the way out. Uploads only need the public key; Open fails
// with ErrLocked until Unlock has been called.
type EncryptedStorage struct {
	inner attach.Storage
	enc   encryption.Encryptor

	mu sync.RWMutex
	dc encryption.DecryptionContext
}

var _ attach.Storage = (*EncryptedStorage)(nil)

// NewEncryptedStorage wraps inner with enc.
func NewEncryptedStorage(inner attach.Storage, enc encryption.Encryptor) *EncryptedStorage {
	return &EncryptedStorage{inner: inner, enc: enc}
}

// Unlock makes stored content readable with dc.
func (e *EncryptedStorage) Unlock(dc encryption.DecryptionContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dc = dc
}

// Locked reports whether Open would fail for lack of a decryption context.
func (e *EncryptedStorage) Locked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dc == nil
}

// Upload encrypts r while streaming it to the inner storage. The ciphertext
// size is not known in advance, so the inner storage gets -1 and the
// plaintext size is checked here instead.
func (e *EncryptedStorage) Upload(ctx context.Context, id string, r io.Reader, size int64) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		cr := &countingReader{r: r}
		err := e.enc.Encrypt(cr, pw)
		if err == nil && size >= 0 && cr.n != size {
			err = fmt.Errorf("size mismatch: expected %d bytes, got %d", size, cr.n)
		}
		pw.CloseWithError(err)
		done <- err
	}()

	err := e.inner.Upload(ctx, id, pr, -1)
	pr.CloseWithError(io.ErrClosedPipe)
	encErr := <-done
	if err != nil {
		return err
	}
	if encErr != nil {
		return fmt.Errorf("encrypting %s: %w", id, encErr)
	}
	return nil
}

func (e *EncryptedStorage) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	e.mu.RLock()
	dc := e.dc
	e.mu.RUnlock()
	if dc == nil {
		return nil, fmt.Errorf("opening %s: %w", id, ErrLocked)
	}

	rc, err := e.inner.Open(ctx, id)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		err := dc.Decrypt(rc, pw)
		rc.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (e *EncryptedStorage) Exists(ctx context.Context, id string) (bool, error) {
	return e.inner.Exists(ctx, id)
}

func (e *EncryptedStorage) Delete(ctx context.Context, id string) error {
	return e.inner.Delete(ctx, id)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
