// Package integration connects attachment slots to document models: it hooks
// attachers into the record lifecycle, finds records again for background
// promotion, and persists attachment changes back to the store.
package integration

import (
	"context"
	"fmt"
	"sort"

	"attachkit/internal/attach"
	"attachkit/internal/document"
)

// Config selects which hook groups Install registers.
type Config struct {
	// Callbacks installs the save, finalize and destroy hooks.
	Callbacks bool
	// Validations copies attachment validation errors onto the record.
	Validations bool
}

// DefaultConfig enables every hook group.
func DefaultConfig() Config {
	return Config{Callbacks: true, Validations: true}
}

// Store is the part of document.Store the adapter uses.
type Store interface {
	Fetch(ctx context.Context, m *document.Model, id string) (*document.Record, error)
	FieldValue(ctx context.Context, rec *document.Record, field string) (string, bool, error)
	Save(ctx context.Context, rec *document.Record, opts document.SaveOptions) error
}

var _ Store = (*document.Store)(nil)

// Enqueuer accepts attacher dumps for background promotion.
type Enqueuer interface {
	Enqueue(ctx context.Context, dump attach.Dump) error
}

// Adapter owns the attachment slots installed on a registry's models.
type Adapter struct {
	cfg      Config
	registry *document.Registry
	store    Store
	logger   attach.Logger
	queue    Enqueuer

	attachments map[string]map[string]*Attachment // model -> slot -> attachment
}

// New creates an adapter. If logger is nil, a no-op logger is used.
func New(cfg Config, registry *document.Registry, store Store, logger attach.Logger) *Adapter {
	if logger == nil {
		logger = attach.NewNopLogger()
	}
	return &Adapter{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		logger:      logger,
		attachments: make(map[string]map[string]*Attachment),
	}
}

// SetQueue makes Finalize hand cached files to q instead of promoting them
// inline. A nil q restores inline promotion.
func (a *Adapter) SetQueue(q Enqueuer) {
	a.queue = q
}

// Attachment returns the slot installed on the named model.
func (a *Adapter) Attachment(model, slot string) (*Attachment, bool) {
	at, ok := a.attachments[model][slot]
	return at, ok
}

// Attachments returns the slots installed on the named model, sorted by slot name.
func (a *Adapter) Attachments(model string) []*Attachment {
	out := make([]*Attachment, 0, len(a.attachments[model]))
	for _, at := range a.attachments[model] {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

// Install declares an attachment slot on model and registers the hook groups
// enabled in the adapter's Config:
//
//   - validation: the attacher's errors are added to the record under slot;
//   - before save: a changed cached file must still exist (only if attached);
//   - after save: the replaced file is deleted and the new one promoted (only if attached);
//   - after destroy: the attached file is deleted.
//
// Installing the same slot twice on a model is an error.
func (a *Adapter) Install(model *document.Model, slot string, uploader *attach.Uploader, validators ...attach.Validator) (*Attachment, error) {
	if slot == "" {
		return nil, fmt.Errorf("installing attachment on %s: empty slot name", model.Name())
	}
	if _, exists := a.attachments[model.Name()][slot]; exists {
		return nil, fmt.Errorf("attachment %q already installed on %s", slot, model.Name())
	}

	at := &Attachment{
		adapter:    a,
		model:      model,
		slot:       slot,
		uploader:   uploader,
		validators: validators,
	}
	if a.attachments[model.Name()] == nil {
		a.attachments[model.Name()] = make(map[string]*Attachment)
	}
	a.attachments[model.Name()][slot] = at

	if a.cfg.Validations {
		model.Validate(at.validate)
	}
	if a.cfg.Callbacks {
		model.BeforeSave(at.beforeSave)
		model.AfterSave(at.afterSave)
		model.AfterDestroy(at.afterDestroy)
	}

	a.logger.Debug("attachment installed", "model", model.Name(), "slot", slot)
	return at, nil
}

// FindRecord loads a record by model name and ID straight from the database,
// bypassing the identity map. A missing record yields nil without error; an
// unknown model name is an error.
func (a *Adapter) FindRecord(ctx context.Context, typeName, id string) (*document.Record, error) {
	m, ok := a.registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", typeName)
	}
	rec, err := a.store.Fetch(ctx, m, id)
	if err != nil {
		return nil, fmt.Errorf("finding %s %s: %w", typeName, id, err)
	}
	return rec, nil
}

// LoadRecord resolves ref to a record. Embedded records are reached through
// their parent and relation: the child with a matching ID in a collection,
// or the single child of a singular relation. A missing link yields nil
// without error.
func (a *Adapter) LoadRecord(ctx context.Context, ref attach.RecordRef) (*document.Record, error) {
	if !ref.Embedded() {
		return a.FindRecord(ctx, ref.Type, ref.ID)
	}

	parent, err := a.FindRecord(ctx, ref.Parent.Type, ref.Parent.ID)
	if err != nil || parent == nil {
		return nil, err
	}

	rel, ok := parent.Model().Relation(ref.Parent.Relation)
	if !ok {
		return nil, fmt.Errorf("model %q has no relation %q", ref.Parent.Type, ref.Parent.Relation)
	}
	if rel.Many {
		return parent.Child(rel.Name, ref.ID), nil
	}
	kids := parent.Children(rel.Name)
	if len(kids) == 0 {
		return nil, nil
	}
	return kids[0], nil
}

// Promote continues a promotion that was handed to the background queue.
// Nothing happens when the record is gone or its slot no longer holds the
// dumped file; both mean a newer write superseded the job.
func (a *Adapter) Promote(ctx context.Context, dump attach.Dump) error {
	rec, err := a.LoadRecord(ctx, dump.Record)
	if err != nil {
		return err
	}
	if rec == nil {
		a.logger.Debug("promotion skipped: record gone", "model", dump.Record.Type, "id", dump.Record.ID, "slot", dump.Slot)
		return nil
	}

	at, ok := a.Attachment(rec.Model().Name(), dump.Slot)
	if !ok {
		return fmt.Errorf("no attachment %q on %s", dump.Slot, rec.Model().Name())
	}
	att, err := at.Attacher(rec)
	if err != nil {
		return err
	}
	if att.File().Data() != dump.Data {
		a.logger.Debug("promotion skipped: attachment changed", "model", dump.Record.Type, "id", dump.Record.ID, "slot", dump.Slot)
		return nil
	}
	return att.Promote(ctx)
}
