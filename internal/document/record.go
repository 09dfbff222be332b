package document

import (
	"fmt"
	"maps"
)

// Record is an in-memory document: a flat set of string fields plus any
// embedded child records. Records are not safe for concurrent use.
type Record struct {
	model     *Model
	id        string
	fields    map[string]string
	persisted bool
	errors    *Errors

	parent   *Record
	relation string
	children map[string][]*Record

	memo map[string]any
}

// New creates an unsaved record of model m with the given ID.
func (m *Model) New(id string) *Record {
	return &Record{
		model:    m,
		id:       id,
		fields:   make(map[string]string),
		errors:   NewErrors(),
		children: make(map[string][]*Record),
	}
}

// Model returns the record's model.
func (r *Record) Model() *Model { return r.model }

// ID returns the record's identifier.
func (r *Record) ID() string { return r.id }

// Field returns the value of a field, or "" if unset.
func (r *Record) Field(name string) string { return r.fields[name] }

// SetField sets the value of a field. Setting "" removes it.
func (r *Record) SetField(name, value string) {
	if value == "" {
		delete(r.fields, name)
		return
	}
	r.fields[name] = value
}

// Fields returns a copy of all fields.
func (r *Record) Fields() map[string]string { return maps.Clone(r.fields) }

// Persisted reports whether the record has been written to or read from the store.
func (r *Record) Persisted() bool { return r.persisted }

// Errors returns the record's validation errors.
func (r *Record) Errors() *Errors { return r.errors }

// Parent returns the record this one is embedded in, or nil.
func (r *Record) Parent() *Record { return r.parent }

// Relation returns the name of the parent relation this record is embedded
// under, or "" for standalone records.
func (r *Record) Relation() string { return r.relation }

// Root returns the top-level record whose document holds this one.
func (r *Record) Root() *Record {
	root := r
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Children returns the records embedded under relation.
func (r *Record) Children(relation string) []*Record {
	return append([]*Record(nil), r.children[relation]...)
}

// Child returns the embedded record under relation with the given ID.
func (r *Record) Child(relation, id string) *Record {
	for _, c := range r.children[relation] {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Embed places child under relation. For singular relations the previous
// child is replaced; for collections a child with the same ID is replaced.
func (r *Record) Embed(relation string, child *Record) error {
	rel, ok := r.model.Relation(relation)
	if !ok {
		return fmt.Errorf("model %q has no relation %q", r.model.name, relation)
	}
	if rel.Model != child.model {
		return fmt.Errorf("relation %q holds %q records, got %q", relation, rel.Model.name, child.model.name)
	}

	child.parent = r
	child.relation = relation

	if !rel.Many {
		r.children[relation] = []*Record{child}
		return nil
	}
	for i, c := range r.children[relation] {
		if c.id == child.id {
			r.children[relation][i] = child
			return nil
		}
	}
	r.children[relation] = append(r.children[relation], child)
	return nil
}

// unembed removes child from its parent.
func (r *Record) unembed(child *Record) {
	kids := r.children[child.relation]
	for i, c := range kids {
		if c == child {
			r.children[child.relation] = append(kids[:i:i], kids[i+1:]...)
			return
		}
	}
}

// Memo returns the value cached on the record under key, building it on first use.
// Extensions use it to keep per-record state such as attachers.
func (r *Record) Memo(key string, build func() (any, error)) (any, error) {
	if v, ok := r.memo[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	if r.memo == nil {
		r.memo = make(map[string]any)
	}
	r.memo[key] = v
	return v, nil
}

// ResetMemo drops every memoized value.
func (r *Record) ResetMemo() { r.memo = nil }

// path returns the chain of records from the root down to r.
func (r *Record) path() []*Record {
	var chain []*Record
	for cur := r; cur != nil; cur = cur.parent {
		chain = append([]*Record{cur}, chain...)
	}
	return chain
}

// markPersisted flags r and all its descendants as persisted.
func (r *Record) markPersisted() {
	r.persisted = true
	for _, kids := range r.children {
		for _, c := range kids {
			c.markPersisted()
		}
	}
}
