package integration

import (
	"context"
	"fmt"

	"attachkit/internal/attach"
	"attachkit/internal/document"
)

// Attachment is one slot installed on a model.
type Attachment struct {
	adapter    *Adapter
	model      *document.Model
	slot       string
	uploader   *attach.Uploader
	validators []attach.Validator
}

// Slot returns the slot name, which is also the record field holding the file data.
func (at *Attachment) Slot() string { return at.slot }

// Model returns the model the slot is installed on.
func (at *Attachment) Model() *document.Model { return at.model }

// Uploader returns the uploader backing the slot.
func (at *Attachment) Uploader() *attach.Uploader { return at.uploader }

// Attacher returns the attacher for this slot on rec. It is created on first
// use and kept on the record until the record is reloaded.
func (at *Attachment) Attacher(rec *document.Record) (*attach.Attacher, error) {
	if rec.Model() != at.model {
		return nil, fmt.Errorf("attachment %q belongs to %s, not %s", at.slot, at.model.Name(), rec.Model().Name())
	}
	v, err := rec.Memo("attacher:"+at.slot, func() (any, error) {
		att := attach.NewAttacher(recordAdapter{rec}, at.slot, at.uploader,
			attach.WithPersistence(&recordPersistence{adapter: at.adapter, rec: rec}),
			attach.WithValidators(at.validators...),
			attach.WithPromoter(at.promote),
			attach.WithLogger(at.adapter.logger),
		)
		if err := att.Load(); err != nil {
			return nil, err
		}
		return att, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*attach.Attacher), nil
}

func (at *Attachment) validate(_ context.Context, rec *document.Record) {
	att, err := at.Attacher(rec)
	if err != nil {
		rec.Errors().Add(at.slot, "is unreadable")
		return
	}
	for _, msg := range att.Errors() {
		rec.Errors().Add(at.slot, msg)
	}
}

func (at *Attachment) beforeSave(ctx context.Context, rec *document.Record) error {
	att, err := at.Attacher(rec)
	if err != nil {
		return err
	}
	if !att.Attached() {
		return nil
	}
	return att.Save(ctx)
}

func (at *Attachment) afterSave(ctx context.Context, rec *document.Record) error {
	att, err := at.Attacher(rec)
	if err != nil {
		return err
	}
	if !att.Attached() {
		return nil
	}
	return att.Finalize(ctx)
}

func (at *Attachment) afterDestroy(ctx context.Context, rec *document.Record) error {
	att, err := at.Attacher(rec)
	if err != nil {
		return err
	}
	return att.Destroy(ctx)
}

// promote runs from Finalize: it queues the attacher when a queue is set
// and promotes inline otherwise.
func (at *Attachment) promote(ctx context.Context, att *attach.Attacher) error {
	q := at.adapter.queue
	if q == nil {
		return att.Promote(ctx)
	}
	dump := att.Dump()
	if err := q.Enqueue(ctx, dump); err != nil {
		return fmt.Errorf("enqueueing promotion of %s: %w", at.slot, err)
	}
	at.adapter.logger.Debug("promotion enqueued", "model", dump.Record.Type, "id", dump.Record.ID, "slot", at.slot)
	return nil
}

// recordAdapter presents a document record as an attach.Record.
type recordAdapter struct {
	rec *document.Record
}

var _ attach.Record = recordAdapter{}

func (r recordAdapter) Field(name string) string     { return r.rec.Field(name) }
func (r recordAdapter) SetField(name, value string) { r.rec.SetField(name, value) }
func (r recordAdapter) Ref() attach.RecordRef       { return RefOf(r.rec) }

// RefOf returns the reference a background worker uses to find rec again.
// Embedded records carry their parent's type, ID and the relation name.
func RefOf(rec *document.Record) attach.RecordRef {
	ref := attach.RecordRef{Type: rec.Model().Name(), ID: rec.ID()}
	if p := rec.Parent(); p != nil {
		ref.Parent = &attach.ParentRef{
			Type:     p.Model().Name(),
			ID:       p.ID(),
			Relation: rec.Relation(),
		}
	}
	return ref
}
