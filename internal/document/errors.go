package document

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalid is wrapped by errors returned when validation blocks a save.
	ErrInvalid = errors.New("record invalid")

	// ErrNotFound is returned when destroying a record the store does not hold.
	ErrNotFound = errors.New("record not found")

	// ErrEmbeddedModel is returned for direct lookups of embedded models,
	// which can only be reached through their parent.
	ErrEmbeddedModel = errors.New("embedded model cannot be looked up directly")

	// ErrAfterSave is wrapped by Save when the record was written but an
	// after-save callback failed.
	ErrAfterSave = errors.New("after-save callback failed")

	// ErrNestedEmbed is returned when an embedded model embeds models itself.
	ErrNestedEmbed = errors.New("embedded model cannot embed other models")
)

// Errors collects validation messages per field, in insertion order.
type Errors struct {
	order    []string
	messages map[string][]string
}

// NewErrors creates an empty error collection.
func NewErrors() *Errors {
	return &Errors{messages: make(map[string][]string)}
}

// Add records msg against field.
func (e *Errors) Add(field, msg string) {
	if _, ok := e.messages[field]; !ok {
		e.order = append(e.order, field)
	}
	e.messages[field] = append(e.messages[field], msg)
}

// On returns the messages recorded against field.
func (e *Errors) On(field string) []string {
	return append([]string(nil), e.messages[field]...)
}

// Empty reports whether no messages were recorded.
func (e *Errors) Empty() bool { return len(e.order) == 0 }

// Clear removes all messages.
func (e *Errors) Clear() {
	e.order = nil
	e.messages = make(map[string][]string)
}

// FullMessages returns every message prefixed with its field name.
func (e *Errors) FullMessages() []string {
	var out []string
	for _, field := range e.order {
		for _, msg := range e.messages[field] {
			out = append(out, field+" "+msg)
		}
	}
	return out
}

// ValidationError reports why a record failed validation.
type ValidationError struct {
	Model    string
	ID       string
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s invalid: %s", e.Model, e.ID, strings.Join(e.Messages, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }
