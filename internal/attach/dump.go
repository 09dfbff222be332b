package attach

// ParentRef locates an embedded record through the record that owns it:
// the parent's model name, the parent's ID, and the relation the child
// was reached through.
type ParentRef struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Relation string `json:"relation"`
}

// RecordRef identifies a record. Standalone records are found by Type and ID;
// embedded records additionally carry a Parent.
type RecordRef struct {
	Type   string     `json:"type"`
	ID     string     `json:"id"`
	Parent *ParentRef `json:"parent,omitempty"`
}

// Embedded reports whether the record lives inside a parent document.
func (r RecordRef) Embedded() bool {
	return r.Parent != nil
}

// Dump is the persisted form of an attacher, enough for a background worker
// to re-acquire the record and continue processing its attachment.
type Dump struct {
	Slot   string    `json:"slot"`
	Record RecordRef `json:"record"`
	Data   string    `json:"data"`
}
