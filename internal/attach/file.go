package attach

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Storage keys an Uploader knows about. Files are uploaded to the cache first
// and promoted to the store once their record has been persisted.
const (
	CacheKey = "cache"
	StoreKey = "store"
)

// Metadata describes the content of an uploaded file.
type Metadata struct {
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// UploadedFile points at a file held by one of the Uploader's storages.
// Its JSON form is what gets written into a record's attachment slot.
type UploadedFile struct {
	ID       string   `json:"id"`
	Storage  string   `json:"storage"`
	Metadata Metadata `json:"metadata"`
}

// Data returns the serialized form stored in an attachment slot.
// The encoding is deterministic: the same file always produces the same bytes.
// A nil file serializes to the empty string.
func (f *UploadedFile) Data() string {
	if f == nil {
		return ""
	}
	b, err := json.Marshal(f)
	if err != nil {
		// Only strings and integers are marshaled; this cannot fail.
		panic(fmt.Sprintf("attach: marshaling uploaded file: %v", err))
	}
	return string(b)
}

// ParseFile decodes attachment slot data. Empty data means no file and
// returns nil without error.
func ParseFile(data string) (*UploadedFile, error) {
	if data == "" {
		return nil, nil
	}
	var f UploadedFile
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decoding attachment data: %w", err)
	}
	if f.ID == "" || f.Storage == "" {
		return nil, fmt.Errorf("attachment data missing id or storage: %q", data)
	}
	return &f, nil
}

// Equal reports whether two files refer to the same stored object.
func (f *UploadedFile) Equal(other *UploadedFile) bool {
	if f == nil || other == nil {
		return f == other
	}
	return f.ID == other.ID && f.Storage == other.Storage
}

// Extension returns the lowercase extension of the original filename,
// without the leading dot.
func (f *UploadedFile) Extension() string {
	name := f.Metadata.Filename
	if name == "" {
		name = f.ID
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}
