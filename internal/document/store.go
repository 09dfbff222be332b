package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultIdentityMapSize is the number of documents a Store keeps decoded-ready in memory.
const DefaultIdentityMapSize = 1024

// Backend persists whole top-level documents as opaque bodies.
type Backend interface {
	// Load returns the body of a document, or nil if it does not exist.
	Load(ctx context.Context, collection, id string) ([]byte, error)

	// LoadField reads one top-level field of a document without loading the
	// rest. found is false when the document does not exist.
	LoadField(ctx context.Context, collection, id, field string) (value string, found bool, err error)

	// Write creates or replaces a document.
	Write(ctx context.Context, collection, id string, body []byte) error

	// Delete removes a document and reports whether it existed.
	Delete(ctx context.Context, collection, id string) (bool, error)

	// Exists reports whether a document exists.
	Exists(ctx context.Context, collection, id string) (bool, error)
}

// SaveOptions controls a Save.
type SaveOptions struct {
	// Validate runs validation callbacks and refuses to write invalid records.
	Validate bool
}

// Store runs the record lifecycle on top of a Backend and keeps an identity
// map of recently seen documents for Find.
type Store struct {
	backend Backend
	cache   *lru.Cache[string, []byte]
}

// NewStore creates a Store over backend with an identity map holding up to
// cacheSize documents.
func NewStore(backend Backend, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultIdentityMapSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating identity map: %w", err)
	}
	return &Store{backend: backend, cache: cache}, nil
}

func cacheKey(collection, id string) string {
	return collection + "/" + id
}

// Find returns the record of model m with the given ID, serving it from the
// identity map when possible. Returns nil without error when not found.
func (s *Store) Find(ctx context.Context, m *Model, id string) (*Record, error) {
	if m.embedded {
		return nil, fmt.Errorf("finding %s %s: %w", m.name, id, ErrEmbeddedModel)
	}
	if body, ok := s.cache.Get(cacheKey(m.name, id)); ok {
		return decodeDocument(m, body)
	}
	return s.Fetch(ctx, m, id)
}

// Fetch reads the record of model m with the given ID straight from the
// backend, bypassing the identity map. Returns nil without error when not found.
func (s *Store) Fetch(ctx context.Context, m *Model, id string) (*Record, error) {
	if m.embedded {
		return nil, fmt.Errorf("fetching %s %s: %w", m.name, id, ErrEmbeddedModel)
	}
	body, err := s.backend.Load(ctx, m.name, id)
	if err != nil {
		return nil, fmt.Errorf("loading %s %s: %w", m.name, id, err)
	}
	if body == nil {
		return nil, nil
	}
	s.cache.Add(cacheKey(m.name, id), body)
	return decodeDocument(m, body)
}

// Exists reports whether a record of model m with the given ID is stored.
func (s *Store) Exists(ctx context.Context, m *Model, id string) (bool, error) {
	if m.embedded {
		return false, fmt.Errorf("checking %s %s: %w", m.name, id, ErrEmbeddedModel)
	}
	return s.backend.Exists(ctx, m.name, id)
}

// FieldValue reads the stored value of one field of rec, bypassing both the
// in-memory record and the identity map. found is false when rec (or, for
// embedded records, any record on the way to it) no longer exists.
func (s *Store) FieldValue(ctx context.Context, rec *Record, field string) (string, bool, error) {
	root := rec.Root()
	if root == rec {
		value, found, err := s.backend.LoadField(ctx, root.model.name, root.id, field)
		if err != nil {
			return "", false, fmt.Errorf("reading %s.%s: %w", root.model.name, field, err)
		}
		return value, found, nil
	}

	body, err := s.backend.Load(ctx, root.model.name, root.id)
	if err != nil {
		return "", false, fmt.Errorf("loading %s %s: %w", root.model.name, root.id, err)
	}
	if body == nil {
		return "", false, nil
	}
	var n node
	if err := json.Unmarshal(body, &n); err != nil {
		return "", false, fmt.Errorf("decoding %s %s: %w", root.model.name, root.id, err)
	}
	target, ok := n.walk(rec.path()[1:])
	if !ok {
		return "", false, nil
	}
	return target.Fields[field], true, nil
}

// Reload replaces rec's fields and embedded records with their stored state
// and drops its memoized values.
func (s *Store) Reload(ctx context.Context, rec *Record) error {
	root := rec.Root()
	body, err := s.backend.Load(ctx, root.model.name, root.id)
	if err != nil {
		return fmt.Errorf("loading %s %s: %w", root.model.name, root.id, err)
	}
	if body == nil {
		return fmt.Errorf("reloading %s %s: %w", rec.model.name, rec.id, ErrNotFound)
	}
	var n node
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("decoding %s %s: %w", root.model.name, root.id, err)
	}
	target, ok := n.walk(rec.path()[1:])
	if !ok {
		return fmt.Errorf("reloading %s %s: %w", rec.model.name, rec.id, ErrNotFound)
	}

	fresh := target.record(rec.model, rec.parent, rec.relation)
	rec.fields = fresh.fields
	rec.children = fresh.children
	for _, kids := range rec.children {
		for _, c := range kids {
			c.parent = rec
		}
	}
	rec.persisted = true
	rec.errors.Clear()
	rec.ResetMemo()
	return nil
}

// Save runs the save lifecycle for rec: validation (when requested), the
// model's before-save callbacks, the write of the enclosing top-level
// document, then the after-save callbacks. A failing validation returns a
// *ValidationError; a failing before-save callback aborts before anything is
// written.
func (s *Store) Save(ctx context.Context, rec *Record, opts SaveOptions) error {
	m := rec.model

	rec.errors.Clear()
	if opts.Validate {
		m.runValidators(ctx, rec)
		if !rec.errors.Empty() {
			return &ValidationError{Model: m.name, ID: rec.id, Messages: rec.errors.FullMessages()}
		}
	}

	if err := runCallbacks(ctx, m.beforeSave, rec); err != nil {
		return fmt.Errorf("saving %s %s: %w", m.name, rec.id, err)
	}

	root := rec.Root()
	if err := s.write(ctx, root); err != nil {
		return err
	}
	root.markPersisted()

	if err := runCallbacks(ctx, m.afterSave, rec); err != nil {
		return fmt.Errorf("after saving %s %s: %w: %w", m.name, rec.id, ErrAfterSave, err)
	}
	return nil
}

// Destroy removes rec from the store and then runs after-destroy callbacks
// for rec and every record embedded in it. Embedded records are removed from
// their parent and the parent document is rewritten.
func (s *Store) Destroy(ctx context.Context, rec *Record) error {
	if rec.parent == nil {
		deleted, err := s.backend.Delete(ctx, rec.model.name, rec.id)
		if err != nil {
			return fmt.Errorf("deleting %s %s: %w", rec.model.name, rec.id, err)
		}
		s.cache.Remove(cacheKey(rec.model.name, rec.id))
		if !deleted {
			return fmt.Errorf("destroying %s %s: %w", rec.model.name, rec.id, ErrNotFound)
		}
	} else {
		parent := rec.parent
		if parent.Child(rec.relation, rec.id) != rec {
			return fmt.Errorf("destroying %s %s: %w", rec.model.name, rec.id, ErrNotFound)
		}
		parent.unembed(rec)
		if err := s.write(ctx, parent.Root()); err != nil {
			parent.children[rec.relation] = append(parent.children[rec.relation], rec)
			return err
		}
	}
	rec.persisted = false

	return runDestroyCallbacks(ctx, rec)
}

func (s *Store) write(ctx context.Context, root *Record) error {
	body, err := json.Marshal(encodeRecord(root))
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", root.model.name, root.id, err)
	}
	if err := s.backend.Write(ctx, root.model.name, root.id, body); err != nil {
		return fmt.Errorf("writing %s %s: %w", root.model.name, root.id, err)
	}
	s.cache.Add(cacheKey(root.model.name, root.id), body)
	return nil
}

func runDestroyCallbacks(ctx context.Context, rec *Record) error {
	var errs []error
	for _, rel := range rec.model.Relations() {
		for _, child := range rec.children[rel.Name] {
			if err := runDestroyCallbacks(ctx, child); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := runCallbacks(ctx, rec.model.afterDestroy, rec); err != nil {
		errs = append(errs, fmt.Errorf("after destroying %s %s: %w", rec.model.name, rec.id, err))
	}
	return errors.Join(errs...)
}
