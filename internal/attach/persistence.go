package attach

import "context"

// Persistence lets the layer that owns a record take part in swapping and
// updating its attachment. Both methods receive the default behaviour as next;
// an implementation may gate it, wrap it, or follow it with a write.
type Persistence interface {
	// Swap replaces the attached file with f by calling next, or declines.
	// It reports whether the swap happened.
	Swap(ctx context.Context, a *Attacher, f *UploadedFile, next func(*UploadedFile) error) (bool, error)

	// Update sets f as the attached file by calling next. An error means f
	// was not persisted unless it wraps ErrPersisted.
	Update(ctx context.Context, a *Attacher, f *UploadedFile, next func(*UploadedFile) error) error
}

// NopPersistence runs the default behaviours without any gating or writes.
type NopPersistence struct{}

func (NopPersistence) Swap(_ context.Context, _ *Attacher, f *UploadedFile, next func(*UploadedFile) error) (bool, error) {
	if err := next(f); err != nil {
		return false, err
	}
	return true, nil
}

func (NopPersistence) Update(_ context.Context, _ *Attacher, f *UploadedFile, next func(*UploadedFile) error) error {
	return next(f)
}

var _ Persistence = NopPersistence{}
