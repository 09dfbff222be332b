package app

import "time"

// Operation identifies one CLI invocation. Its ID tags every log line the
// invocation writes, and its status is logged when the app closes.
type Operation struct {
	ID        string
	Name      string
	Status    string // "success" or "error"
	StartedAt time.Time
}

// NewOperation creates an operation started at now.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		Status:    "success",
		StartedAt: now,
	}
}

// Track marks the operation failed when err is non-nil and returns err.
func (op *Operation) Track(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Failed reports whether any tracked step failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
