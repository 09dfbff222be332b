// Package app wires configuration, storage, the document database and the
// attachment integration into the operations the CLI exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"attachkit/internal/attach"
	"attachkit/internal/background"
	"attachkit/internal/config"
	"attachkit/internal/database"
	"attachkit/internal/document"
	"attachkit/internal/encryption"
	"attachkit/internal/integration"
	"attachkit/internal/storage"
)

var (
	// ErrRecordNotFound is returned when an operation names a record that does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNoFile is returned when reading a slot that holds no file.
	ErrNoFile = errors.New("no file attached")

	// ErrBackgroundDisabled is returned by queue operations when promotion runs inline.
	ErrBackgroundDisabled = errors.New("background promotion is not enabled")
)

// App is the application layer between the CLI and the attachment integration.
// It constructs all dependencies from config, exposes high-level operations
// addressed by record references, and releases resources on Close.
type App struct {
	cfg       *config.Config
	op        *Operation
	logger    attach.Logger
	backend   *database.SQLiteBackend
	store     *document.Store
	registry  *document.Registry
	adapter   *integration.Adapter
	uploader  *attach.Uploader
	encryptor encryption.Encryptor
	encrypted []*storage.EncryptedStorage
	queue     *background.Queue
	logFile   *os.File
}

// deps are the collaborators NewApp creates itself and tests replace.
type deps struct {
	logger attach.Logger
	clock  attach.Clock
	ids    attach.IDGenerator
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Put", "Work").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	clock := attach.RealClock{}
	op := NewOperation(operation, clock.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a, err := newApp(ctx, cfg, op, deps{
		logger: &slogAdapter{l: logger},
		clock:  clock,
		ids:    attach.UUIDGenerator{},
	})
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, op *Operation, d deps) (*App, error) {
	registry, err := buildRegistry(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("declaring models: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	cache, err := storage.NewStorageFromConfig(ctx, cfg.Cache, enc)
	if err != nil {
		return nil, fmt.Errorf("creating cache storage: %w", err)
	}
	store, err := storage.NewStorageFromConfig(ctx, cfg.Store, enc)
	if err != nil {
		return nil, fmt.Errorf("creating store storage: %w", err)
	}
	var encrypted []*storage.EncryptedStorage
	for _, s := range []attach.Storage{cache, store} {
		if es, ok := s.(*storage.EncryptedStorage); ok {
			encrypted = append(encrypted, es)
		}
	}

	backend, err := database.NewBackendFromConfig(cfg.Database, d.clock)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	// An in-memory database starts empty every run.
	if cfg.Database.Type == "memory" {
		err = backend.Migrate()
	} else {
		err = backend.CheckMigrations()
	}
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	docs, err := document.NewStore(backend, cfg.Database.IdentityMapSize)
	if err != nil {
		backend.Close()
		return nil, err
	}

	uploader := attach.NewUploader(cache, store, d.ids, d.logger)
	adapter := integration.New(integration.Config{
		Callbacks:   cfg.Integration.CallbacksEnabled(),
		Validations: cfg.Integration.ValidationsEnabled(),
	}, registry, docs, d.logger)
	if err := installAttachments(adapter, registry, cfg.Models, uploader); err != nil {
		backend.Close()
		return nil, fmt.Errorf("installing attachments: %w", err)
	}

	var queue *background.Queue
	if cfg.Promotion.Background {
		queue = background.NewQueue(backend.DB(), d.clock, nil, cfg.Promotion.MaxAttempts)
		adapter.SetQueue(queue)
	}

	d.logger.Debug("app started", "operation", op.Name, "database", cfg.Database.Type,
		"cache", cfg.Cache.Type, "store", cfg.Store.Type, "background", cfg.Promotion.Background)

	return &App{
		cfg:       cfg,
		op:        op,
		logger:    d.logger,
		backend:   backend,
		store:     docs,
		registry:  registry,
		adapter:   adapter,
		uploader:  uploader,
		encryptor: enc,
		encrypted: encrypted,
		queue:     queue,
	}, nil
}

// Locked reports whether an encrypted storage still needs Unlock before
// files can be read from it.
func (a *App) Locked() bool {
	for _, es := range a.encrypted {
		if es.Locked() {
			return true
		}
	}
	return false
}

// Unlock decrypts the private key and makes encrypted storages readable.
func (a *App) Unlock(passphrase string) error {
	if len(a.encrypted) == 0 {
		return nil
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return a.op.Track(fmt.Errorf("unlocking storages: %w", err))
	}
	for _, es := range a.encrypted {
		es.Unlock(dc)
	}
	return nil
}

// Put attaches the content of r to slot on the referenced record and saves
// the record. Records that do not exist yet are created; an embedded record
// is created inside its parent, which must exist. fields are set on the
// record before saving. The returned file is cached, or stored when the
// promotion ran inline.
func (a *App) Put(ctx context.Context, ref attach.RecordRef, slot string, r io.Reader, filename string, fields map[string]string) (*attach.UploadedFile, error) {
	file, err := a.put(ctx, ref, slot, r, filename, fields)
	return file, a.op.Track(err)
}

func (a *App) put(ctx context.Context, ref attach.RecordRef, slot string, r io.Reader, filename string, fields map[string]string) (*attach.UploadedFile, error) {
	rec, err := a.recordForWrite(ctx, ref)
	if err != nil {
		return nil, err
	}
	at, ok := a.adapter.Attachment(rec.Model().Name(), slot)
	if !ok {
		return nil, fmt.Errorf("model %q has no attachment %q", rec.Model().Name(), slot)
	}
	for name, value := range fields {
		if _, isSlot := a.adapter.Attachment(rec.Model().Name(), name); isSlot {
			return nil, fmt.Errorf("field %q is an attachment slot", name)
		}
		rec.SetField(name, value)
	}

	att, err := at.Attacher(rec)
	if err != nil {
		return nil, err
	}
	if err := att.Attach(ctx, r, filename); err != nil {
		return nil, err
	}
	if err := a.store.Save(ctx, rec, document.SaveOptions{Validate: true}); err != nil {
		return nil, err
	}

	a.logger.Info("file attached", "model", rec.Model().Name(), "id", rec.ID(), "slot", slot,
		"file", att.File().ID, "storage", att.File().Storage)
	return att.File(), nil
}

// recordForWrite loads the referenced record or builds a new one.
func (a *App) recordForWrite(ctx context.Context, ref attach.RecordRef) (*document.Record, error) {
	if !ref.Embedded() {
		m, ok := a.registry.Lookup(ref.Type)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", ref.Type)
		}
		rec, err := a.store.Find(ctx, m, ref.ID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = m.New(ref.ID)
		}
		return rec, nil
	}

	parent, err := a.adapter.FindRecord(ctx, ref.Parent.Type, ref.Parent.ID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent %s %s: %w", ref.Parent.Type, ref.Parent.ID, ErrRecordNotFound)
	}
	rel, ok := parent.Model().Relation(ref.Parent.Relation)
	if !ok {
		return nil, fmt.Errorf("model %q has no relation %q", ref.Parent.Type, ref.Parent.Relation)
	}
	if ref.Type != "" && rel.Model.Name() != ref.Type {
		return nil, fmt.Errorf("relation %q holds %q records, not %q", rel.Name, rel.Model.Name(), ref.Type)
	}
	if child := parent.Child(rel.Name, ref.ID); child != nil {
		return child, nil
	}
	child := rel.Model.New(ref.ID)
	if err := parent.Embed(rel.Name, child); err != nil {
		return nil, err
	}
	return child, nil
}

// load resolves ref to an existing record.
func (a *App) load(ctx context.Context, ref attach.RecordRef) (*document.Record, error) {
	rec, err := a.adapter.LoadRecord(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%s %s: %w", ref.Type, ref.ID, ErrRecordNotFound)
	}
	return rec, nil
}

// Get copies the file held in slot of the referenced record to w.
func (a *App) Get(ctx context.Context, ref attach.RecordRef, slot string, w io.Writer) (*attach.UploadedFile, error) {
	file, err := a.get(ctx, ref, slot, w)
	return file, a.op.Track(err)
}

func (a *App) get(ctx context.Context, ref attach.RecordRef, slot string, w io.Writer) (*attach.UploadedFile, error) {
	rec, err := a.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	at, ok := a.adapter.Attachment(rec.Model().Name(), slot)
	if !ok {
		return nil, fmt.Errorf("model %q has no attachment %q", rec.Model().Name(), slot)
	}
	att, err := at.Attacher(rec)
	if err != nil {
		return nil, err
	}
	if !att.Attached() {
		return nil, fmt.Errorf("%s %s %s: %w", rec.Model().Name(), rec.ID(), slot, ErrNoFile)
	}

	rc, err := a.uploader.Open(ctx, att.File())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if _, err := io.Copy(w, rc); err != nil {
		return nil, fmt.Errorf("copying %s: %w", att.File().ID, err)
	}
	return att.File(), nil
}

// SlotView is one attachment slot of a shown record.
type SlotView struct {
	Slot string
	File *attach.UploadedFile // nil when empty
}

// RecordView is what Show reports about a record.
type RecordView struct {
	Ref         attach.RecordRef
	Fields      map[string]string // plain fields, attachment slots excluded
	Attachments []SlotView
	Children    []attach.RecordRef
}

// Show returns the fields, attachment slots and embedded records of the
// referenced record.
func (a *App) Show(ctx context.Context, ref attach.RecordRef) (*RecordView, error) {
	view, err := a.show(ctx, ref)
	return view, a.op.Track(err)
}

func (a *App) show(ctx context.Context, ref attach.RecordRef) (*RecordView, error) {
	rec, err := a.load(ctx, ref)
	if err != nil {
		return nil, err
	}

	view := &RecordView{Ref: integration.RefOf(rec), Fields: rec.Fields()}
	for _, at := range a.adapter.Attachments(rec.Model().Name()) {
		delete(view.Fields, at.Slot())
		att, err := at.Attacher(rec)
		if err != nil {
			return nil, err
		}
		view.Attachments = append(view.Attachments, SlotView{Slot: at.Slot(), File: att.File()})
	}
	for _, rel := range rec.Model().Relations() {
		for _, child := range rec.Children(rel.Name) {
			view.Children = append(view.Children, integration.RefOf(child))
		}
	}
	return view, nil
}

// Remove destroys the referenced record; its attached files are deleted by
// the destroy callbacks.
func (a *App) Remove(ctx context.Context, ref attach.RecordRef) error {
	return a.op.Track(a.remove(ctx, ref))
}

func (a *App) remove(ctx context.Context, ref attach.RecordRef) error {
	rec, err := a.load(ctx, ref)
	if err != nil {
		return err
	}
	if err := a.store.Destroy(ctx, rec); err != nil {
		return err
	}
	a.logger.Info("record removed", "model", rec.Model().Name(), "id", rec.ID())
	return nil
}

// Work drains the promotion queue once and reports how many jobs succeeded
// and failed.
func (a *App) Work(ctx context.Context) (succeeded, failed int, err error) {
	if a.queue == nil {
		return 0, 0, a.op.Track(ErrBackgroundDisabled)
	}
	w := background.NewWorker(a.queue, a.adapter, a.cfg.Promotion.Concurrency, a.logger)
	succeeded, failed, err = w.RunOnce(ctx)
	return succeeded, failed, a.op.Track(err)
}

// QueueStatus reports the number of queued promotion jobs and the jobs that
// ran out of attempts.
func (a *App) QueueStatus(ctx context.Context) (int, []background.Job, error) {
	if a.queue == nil {
		return 0, nil, ErrBackgroundDisabled
	}
	n, err := a.queue.Count(ctx)
	if err != nil {
		return 0, nil, err
	}
	failed, err := a.queue.Failed(ctx)
	if err != nil {
		return 0, nil, err
	}
	return n, failed, nil
}

// Models returns the declared model names, sorted.
func (a *App) Models() []string {
	names := make([]string, 0, len(a.cfg.Models))
	for _, m := range a.cfg.Models {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// Close logs the outcome of the operation and closes all resources.
func (a *App) Close() error {
	a.logger.Debug("operation finished", "operation", a.op.Name, "status", a.op.Status)

	var firstErr error
	if err := a.backend.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// MigrateDB applies pending schema migrations to the configured database.
func MigrateDB(cfg *config.Config) error {
	backend, err := database.NewBackendFromConfig(cfg.Database, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer backend.Close()

	if err := backend.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// InitKeys generates the key pair used by encrypted storages.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	if err := enc.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	return nil
}
