// Package storage implements attach.Storage backends.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"attachkit/internal/attach"
)

// ErrLocked is returned when reading from an encrypted storage whose private
// key has not been unlocked.
var ErrLocked = errors.New("storage is locked")

// notFound wraps attach.ErrFileNotFound with the missing id.
func notFound(id string) error {
	return fmt.Errorf("%s: %w", id, attach.ErrFileNotFound)
}

// validateID rejects ids that could escape a storage's namespace.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid storage id %q", id)
	}
	return nil
}
