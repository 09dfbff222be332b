package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected to detect the MIME type.
const sniffLen = 3072

// Uploader moves file content in and out of its cache and store storages and
// produces the UploadedFile values that attachers keep in record slots.
type Uploader struct {
	storages map[string]Storage
	idgen    IDGenerator
	logger   Logger
}

// NewUploader creates an Uploader with the given cache and permanent storages.
func NewUploader(cache, store Storage, idgen IDGenerator, logger Logger) *Uploader {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Uploader{
		storages: map[string]Storage{CacheKey: cache, StoreKey: store},
		idgen:    idgen,
		logger:   logger,
	}
}

// Storage returns the storage registered under key.
func (u *Uploader) Storage(key string) (Storage, error) {
	s, ok := u.storages[key]
	if !ok || s == nil {
		return nil, fmt.Errorf("unknown storage: %q", key)
	}
	return s, nil
}

// Upload streams r into the storage named by key and returns the uploaded file.
// Content is spooled to a temp file first so size, SHA-256 and MIME type are
// known before the storage sees a single byte.
func (u *Uploader) Upload(ctx context.Context, key string, r io.Reader, filename string) (*UploadedFile, error) {
	storage, err := u.Storage(key)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp("", "attachkit-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return nil, fmt.Errorf("spooling upload: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding spool file: %w", err)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(tmp, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading spool file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding spool file: %w", err)
	}

	file := &UploadedFile{
		ID:      fileID(u.idgen, filename),
		Storage: key,
		Metadata: Metadata{
			Filename: filename,
			Size:     size,
			MimeType: detectMimeType(head[:n]),
			SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		},
	}

	if err := storage.Upload(ctx, file.ID, tmp, size); err != nil {
		return nil, fmt.Errorf("uploading to %s: %w", key, err)
	}

	u.logger.Debug("file uploaded", "storage", key, "id", file.ID, "size", size)
	return file, nil
}

// Promote copies a cached file into the store under a fresh ID and returns
// the stored copy. The cached original is left in place.
func (u *Uploader) Promote(ctx context.Context, file *UploadedFile) (*UploadedFile, error) {
	if file.Storage != CacheKey {
		return nil, fmt.Errorf("promoting %s: %w", file.ID, ErrNotCached)
	}

	src, err := u.Open(ctx, file)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	store, err := u.Storage(StoreKey)
	if err != nil {
		return nil, err
	}

	stored := &UploadedFile{
		ID:       fileID(u.idgen, file.Metadata.Filename),
		Storage:  StoreKey,
		Metadata: file.Metadata,
	}
	if err := store.Upload(ctx, stored.ID, src, file.Metadata.Size); err != nil {
		return nil, fmt.Errorf("uploading to %s: %w", StoreKey, err)
	}

	u.logger.Debug("file promoted", "from", file.ID, "to", stored.ID)
	return stored, nil
}

// Open returns a reader for the file's content.
func (u *Uploader) Open(ctx context.Context, file *UploadedFile) (io.ReadCloser, error) {
	storage, err := u.Storage(file.Storage)
	if err != nil {
		return nil, err
	}
	rc, err := storage.Open(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("opening %s/%s: %w", file.Storage, file.ID, err)
	}
	return rc, nil
}

// Exists reports whether the file's content is still present in its storage.
func (u *Uploader) Exists(ctx context.Context, file *UploadedFile) (bool, error) {
	storage, err := u.Storage(file.Storage)
	if err != nil {
		return false, err
	}
	return storage.Exists(ctx, file.ID)
}

// Delete removes the file's content from its storage.
func (u *Uploader) Delete(ctx context.Context, file *UploadedFile) error {
	storage, err := u.Storage(file.Storage)
	if err != nil {
		return err
	}
	if err := storage.Delete(ctx, file.ID); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", file.Storage, file.ID, err)
	}
	u.logger.Debug("file deleted", "storage", file.Storage, "id", file.ID)
	return nil
}

// detectMimeType returns the media type of content without parameters,
// e.g. "text/plain" rather than "text/plain; charset=utf-8".
func detectMimeType(head []byte) string {
	mt, _, _ := strings.Cut(mimetype.Detect(head).String(), ";")
	return strings.TrimSpace(mt)
}
