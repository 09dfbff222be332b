package testutil

import (
	"sync"

	"attachkit/internal/attach"
)

// LogEntry is one message captured by RecordingLogger.
type LogEntry struct {
	Level   string
	Message string
	Args    []any
}

// RecordingLogger keeps every message so tests can assert on them.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

var _ attach.Logger = (*RecordingLogger)(nil)

func (l *RecordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Message: msg, Args: args})
}

func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

// Has reports whether a message was logged at level.
func (l *RecordingLogger) Has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}
