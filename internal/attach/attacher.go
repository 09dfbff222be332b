package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Record is the view of a persisted entity an Attacher needs: the raw value of
// its attachment slot and a reference that can be used to find it again.
type Record interface {
	Field(name string) string
	SetField(name, value string)
	Ref() RecordRef
}

// PromoteFunc replaces inline promotion in Finalize, e.g. to hand the work
// to a background queue.
type PromoteFunc func(ctx context.Context, a *Attacher) error

// Option configures an Attacher.
type Option func(*Attacher)

// WithPersistence sets the Persistence consulted by Swap and Update.
func WithPersistence(p Persistence) Option {
	return func(a *Attacher) { a.persistence = p }
}

// WithValidators sets the validators run whenever a new file is attached.
func WithValidators(validators ...Validator) Option {
	return func(a *Attacher) { a.validators = validators }
}

// WithPromoter sets the function Finalize uses to promote cached files.
func WithPromoter(fn PromoteFunc) Option {
	return func(a *Attacher) { a.promoter = fn }
}

// WithLogger sets the attacher's logger.
func WithLogger(l Logger) Option {
	return func(a *Attacher) { a.logger = l }
}

// Attacher manages the file held in one attachment slot of one record.
//
// A newly attached file goes to the cache storage and is written into the
// slot right away. Once the record has been persisted, Finalize deletes the
// file it replaced and promotes the cached file to the store. Attachers are
// not safe for concurrent use; each belongs to a single in-memory record.
type Attacher struct {
	record      Record
	name        string
	uploader    *Uploader
	persistence Persistence
	validators  []Validator
	promoter    PromoteFunc
	logger      Logger

	file     *UploadedFile
	previous *UploadedFile
	changed  bool
	errors   []string
}

// NewAttacher creates an attacher for the named slot of record.
// Call Load to pick up whatever the slot currently holds.
func NewAttacher(record Record, name string, uploader *Uploader, opts ...Option) *Attacher {
	a := &Attacher{
		record:      record,
		name:        name,
		uploader:    uploader,
		persistence: NopPersistence{},
		logger:      NewNopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the attachment slot name.
func (a *Attacher) Name() string { return a.name }

// Record returns the record this attacher belongs to.
func (a *Attacher) Record() Record { return a.record }

// Uploader returns the uploader used for storage operations.
func (a *Attacher) Uploader() *Uploader { return a.uploader }

// File returns the attached file, or nil.
func (a *Attacher) File() *UploadedFile { return a.file }

// Attached reports whether the slot holds a file.
func (a *Attacher) Attached() bool { return a.file != nil }

// Changed reports whether the attachment changed since it was loaded or last finalized.
func (a *Attacher) Changed() bool { return a.changed }

// Cached reports whether the attached file lives in the cache storage.
func (a *Attacher) Cached() bool { return a.file != nil && a.file.Storage == CacheKey }

// Stored reports whether the attached file lives in the permanent storage.
func (a *Attacher) Stored() bool { return a.file != nil && a.file.Storage == StoreKey }

// Errors returns the validation errors for the current file.
func (a *Attacher) Errors() []string {
	return append([]string(nil), a.errors...)
}

// Load reads the slot's current value from the record and forgets any
// unsaved change.
func (a *Attacher) Load() error {
	f, err := ParseFile(a.record.Field(a.name))
	if err != nil {
		return fmt.Errorf("loading %s: %w", a.name, err)
	}
	a.file = f
	a.previous = nil
	a.changed = false
	a.errors = nil
	return nil
}

// Attach uploads r to the cache and assigns it to the slot.
// Validation errors do not fail Attach; they are available from Errors.
func (a *Attacher) Attach(ctx context.Context, r io.Reader, filename string) error {
	f, err := a.uploader.Upload(ctx, CacheKey, r, filename)
	if err != nil {
		return fmt.Errorf("attaching %s: %w", a.name, err)
	}
	a.change(f)
	a.Validate()
	return nil
}

// AttachCached assigns a file that was already uploaded to the cache,
// given its serialized data.
func (a *Attacher) AttachCached(ctx context.Context, data string) error {
	f, err := ParseFile(data)
	if err != nil {
		return err
	}
	if f == nil {
		a.Detach()
		return nil
	}
	if f.Storage != CacheKey {
		return fmt.Errorf("attaching %s: %w", a.name, ErrNotCached)
	}
	exists, err := a.uploader.Exists(ctx, f)
	if err != nil {
		return fmt.Errorf("checking cached file: %w", err)
	}
	if !exists {
		return fmt.Errorf("attaching %s: %s: %w", a.name, f.ID, ErrFileNotFound)
	}
	a.change(f)
	a.Validate()
	return nil
}

// Detach empties the slot. The replaced file is deleted by Finalize.
func (a *Attacher) Detach() {
	a.change(nil)
	a.errors = nil
}

// Validate runs the validators against the attached file.
func (a *Attacher) Validate() {
	a.errors = nil
	if a.file == nil {
		return
	}
	for _, v := range a.validators {
		a.errors = append(a.errors, v(a.file)...)
	}
}

// Save runs right before the record is written. A changed cached file must
// still be present in the cache; otherwise the record would point at nothing.
func (a *Attacher) Save(ctx context.Context) error {
	if !a.changed || !a.Cached() {
		return nil
	}
	exists, err := a.uploader.Exists(ctx, a.file)
	if err != nil {
		return fmt.Errorf("checking cached file: %w", err)
	}
	if !exists {
		return fmt.Errorf("saving %s: %s: %w", a.name, a.file.ID, ErrFileNotFound)
	}
	return nil
}

// Finalize runs after the record was written: it deletes the file that the
// current one replaced and promotes the current file if it is cached.
// Nothing happens when the attachment did not change.
func (a *Attacher) Finalize(ctx context.Context) error {
	if !a.changed {
		return nil
	}
	previous := a.previous
	a.previous = nil
	a.changed = false

	if previous != nil && !previous.Equal(a.file) {
		if err := a.uploader.Delete(ctx, previous); err != nil {
			return fmt.Errorf("deleting replaced %s: %w", a.name, err)
		}
	}

	if !a.Cached() {
		return nil
	}
	if a.promoter != nil {
		return a.promoter(ctx, a)
	}
	return a.Promote(ctx)
}

// Promote uploads the cached file to the store and swaps it in. When the swap
// is declined the promoted copy is deleted again.
func (a *Attacher) Promote(ctx context.Context) error {
	if !a.Cached() {
		return nil
	}
	cached := a.file

	stored, err := a.uploader.Promote(ctx, cached)
	if err != nil {
		return fmt.Errorf("promoting %s: %w", a.name, err)
	}

	swapped, err := a.Swap(ctx, stored)
	if errors.Is(err, ErrPersisted) {
		return fmt.Errorf("swapping %s: %w", a.name, err)
	}
	if err != nil || !swapped {
		if err != nil {
			// Point the record back at the cached file, which still exists.
			a.set(cached)
		}
		if delErr := a.uploader.Delete(ctx, stored); delErr != nil {
			a.logger.Warn("removing unused promoted file failed", "slot", a.name, "id", stored.ID, "error", delErr)
		}
	}
	if err != nil {
		return fmt.Errorf("swapping %s: %w", a.name, err)
	}
	if !swapped {
		a.logger.Debug("promotion discarded", "slot", a.name, "cached", cached.ID)
		return nil
	}

	a.logger.Info("file promoted", "slot", a.name, "id", stored.ID)
	return nil
}

// Swap replaces the attached file with f through the configured Persistence.
// The default behaviour is Update.
func (a *Attacher) Swap(ctx context.Context, f *UploadedFile) (bool, error) {
	return a.persistence.Swap(ctx, a, f, func(f *UploadedFile) error {
		return a.Update(ctx, f)
	})
}

// Update sets f as the attached file without marking the attachment changed.
// The default behaviour writes f into the record's slot.
func (a *Attacher) Update(ctx context.Context, f *UploadedFile) error {
	return a.persistence.Update(ctx, a, f, a.set)
}

// Destroy deletes the attached file from its storage. It is a no-op when
// nothing is attached.
func (a *Attacher) Destroy(ctx context.Context) error {
	if a.file == nil {
		return nil
	}
	if err := a.uploader.Delete(ctx, a.file); err != nil {
		return fmt.Errorf("destroying %s: %w", a.name, err)
	}
	return nil
}

// Dump returns the attacher state a background worker needs.
func (a *Attacher) Dump() Dump {
	return Dump{
		Slot:   a.name,
		Record: a.record.Ref(),
		Data:   a.file.Data(),
	}
}

func (a *Attacher) change(f *UploadedFile) {
	if !a.changed {
		a.previous = a.file
	}
	a.file = f
	a.changed = true
	a.record.SetField(a.name, f.Data())
}

func (a *Attacher) set(f *UploadedFile) error {
	a.file = f
	a.record.SetField(a.name, f.Data())
	return nil
}
