package attach

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// Validator inspects a newly attached file and returns error messages.
// An empty result means the file is acceptable.
type Validator func(f *UploadedFile) []string

// MaxSize rejects files larger than max bytes.
func MaxSize(max int64) Validator {
	return func(f *UploadedFile) []string {
		if f.Metadata.Size > max {
			return []string{fmt.Sprintf("size must not be greater than %s", humanize.Bytes(uint64(max)))}
		}
		return nil
	}
}

// AllowedMimeTypes rejects files whose detected MIME type is not listed.
func AllowedMimeTypes(types ...string) Validator {
	return func(f *UploadedFile) []string {
		if slices.Contains(types, f.Metadata.MimeType) {
			return nil
		}
		return []string{fmt.Sprintf("type must be one of: %s", strings.Join(types, ", "))}
	}
}

// AllowedExtensions rejects files whose original filename extension is not
// listed. Extensions are compared case-insensitively and without the dot.
func AllowedExtensions(exts ...string) Validator {
	normalized := make([]string, len(exts))
	for i, ext := range exts {
		normalized[i] = strings.TrimPrefix(strings.ToLower(ext), ".")
	}
	return func(f *UploadedFile) []string {
		if slices.Contains(normalized, f.Extension()) {
			return nil
		}
		return []string{fmt.Sprintf("extension must be one of: %s", strings.Join(normalized, ", "))}
	}
}
