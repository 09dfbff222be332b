package document

import (
	"context"
	"fmt"
	"sort"
)

// Relation describes a set of child records embedded in a parent document.
type Relation struct {
	Name  string
	Model *Model
	Many  bool
}

// ValidateFunc inspects a record and adds messages to its Errors.
type ValidateFunc func(ctx context.Context, rec *Record)

// Callback runs at a lifecycle point of a record. A non-nil error aborts the
// operation where the lifecycle allows it.
type Callback func(ctx context.Context, rec *Record) error

// Model declares a document type: its name, embedded relations and the
// lifecycle callbacks registered on it.
type Model struct {
	name      string
	relations map[string]*Relation
	embedded  bool

	validators   []ValidateFunc
	beforeSave   []Callback
	afterSave    []Callback
	afterDestroy []Callback
}

// NewModel declares a model. name doubles as the collection name.
func NewModel(name string) *Model {
	return &Model{
		name:      name,
		relations: make(map[string]*Relation),
	}
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Embedded reports whether records of this model live inside other documents.
func (m *Model) Embedded() bool { return m.embedded }

// Embeds declares that records of m carry child records of model child under
// relation. With many=false the relation holds at most one child.
func (m *Model) Embeds(relation string, child *Model, many bool) *Model {
	m.relations[relation] = &Relation{Name: relation, Model: child, Many: many}
	child.embedded = true
	return m
}

// Relation returns the embedded relation with the given name.
func (m *Model) Relation(name string) (*Relation, bool) {
	r, ok := m.relations[name]
	return r, ok
}

// Relations returns the embedded relations sorted by name.
func (m *Model) Relations() []*Relation {
	out := make([]*Relation, 0, len(m.relations))
	for _, r := range m.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate registers a validation callback.
func (m *Model) Validate(fn ValidateFunc) { m.validators = append(m.validators, fn) }

// BeforeSave registers a callback run after validation and before the write.
func (m *Model) BeforeSave(fn Callback) { m.beforeSave = append(m.beforeSave, fn) }

// AfterSave registers a callback run after a successful write.
func (m *Model) AfterSave(fn Callback) { m.afterSave = append(m.afterSave, fn) }

// AfterDestroy registers a callback run after the record was removed.
func (m *Model) AfterDestroy(fn Callback) { m.afterDestroy = append(m.afterDestroy, fn) }

func (m *Model) runValidators(ctx context.Context, rec *Record) {
	for _, fn := range m.validators {
		fn(ctx, rec)
	}
}

func runCallbacks(ctx context.Context, callbacks []Callback, rec *Record) error {
	for _, fn := range callbacks {
		if err := fn(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Registry resolves model names, e.g. for records referenced from background jobs.
type Registry struct {
	models map[string]*Model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds models to the registry. Names must be unique, and a model
// that is embedded in another one cannot embed models itself.
func (r *Registry) Register(models ...*Model) error {
	for _, m := range models {
		if _, exists := r.models[m.name]; exists {
			return fmt.Errorf("model %q already registered", m.name)
		}
		if m.embedded && len(m.relations) > 0 {
			return fmt.Errorf("registering %q: %w", m.name, ErrNestedEmbed)
		}
		r.models[m.name] = m
	}
	return nil
}

// Lookup returns the model registered under name.
func (r *Registry) Lookup(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}
