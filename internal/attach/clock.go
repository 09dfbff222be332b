package attach

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so queue timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces storage identifiers for uploaded files.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// fileID builds a storage identifier from a generated ID and the extension of
// the original filename, e.g. "3f0c...-9a1e.jpg".
func fileID(idgen IDGenerator, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return idgen.New() + ext
}
