package integration

import (
	"context"
	"errors"
	"fmt"

	"attachkit/internal/attach"
	"attachkit/internal/document"
)

// recordPersistence gates promotion swaps on the stored slot value and writes
// the record after every attachment update.
type recordPersistence struct {
	adapter *Adapter
	rec     *document.Record
}

var _ attach.Persistence = (*recordPersistence)(nil)

// Swap re-reads the slot from the database and only swaps when it still holds
// the value this attacher has. A missing record or a different value means a
// concurrent writer got there first; the swap is then declined without error.
func (p *recordPersistence) Swap(ctx context.Context, a *attach.Attacher, f *attach.UploadedFile, next func(*attach.UploadedFile) error) (bool, error) {
	stored, found, err := p.adapter.store.FieldValue(ctx, p.rec, a.Name())
	if err != nil {
		return false, fmt.Errorf("reading stored %s: %w", a.Name(), err)
	}
	if !found {
		p.adapter.logger.Debug("swap declined: record gone", "model", p.rec.Model().Name(), "id", p.rec.ID(), "slot", a.Name())
		return false, nil
	}
	if stored != a.File().Data() {
		// TODO: report lost races to the caller instead of only logging them.
		p.adapter.logger.Debug("swap declined: attachment changed", "model", p.rec.Model().Name(), "id", p.rec.ID(), "slot", a.Name())
		return false, nil
	}
	if err := next(f); err != nil {
		return false, err
	}
	return true, nil
}

// Update applies f and saves the whole record with validations. A failure
// in an after-save callback comes after the write and is reported as
// attach.ErrPersisted.
func (p *recordPersistence) Update(ctx context.Context, a *attach.Attacher, f *attach.UploadedFile, next func(*attach.UploadedFile) error) error {
	if err := next(f); err != nil {
		return err
	}
	if err := p.adapter.store.Save(ctx, p.rec, document.SaveOptions{Validate: true}); err != nil {
		if errors.Is(err, document.ErrAfterSave) {
			return fmt.Errorf("saving %s %s after updating %s: %w: %w", p.rec.Model().Name(), p.rec.ID(), a.Name(), attach.ErrPersisted, err)
		}
		return fmt.Errorf("saving %s %s after updating %s: %w", p.rec.Model().Name(), p.rec.ID(), a.Name(), err)
	}
	return nil
}
