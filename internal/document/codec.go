package document

import (
	"encoding/json"
	"fmt"
)

// node is the stored form of a record. Embedded records are nested inside
// their parent under the relation name.
type node struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
	Embeds map[string][]node `json:"embeds,omitempty"`
}

func encodeRecord(r *Record) node {
	n := node{ID: r.id, Fields: r.fields}
	if n.Fields == nil {
		n.Fields = map[string]string{}
	}
	for relation, kids := range r.children {
		if len(kids) == 0 {
			continue
		}
		if n.Embeds == nil {
			n.Embeds = make(map[string][]node)
		}
		for _, c := range kids {
			n.Embeds[relation] = append(n.Embeds[relation], encodeRecord(c))
		}
	}
	return n
}

func decodeDocument(m *Model, body []byte) (*Record, error) {
	var n node
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decoding %s document: %w", m.name, err)
	}
	return n.record(m, nil, ""), nil
}

// record builds the persisted record tree for n. Relations the model no
// longer declares are dropped.
func (n node) record(m *Model, parent *Record, relation string) *Record {
	r := m.New(n.ID)
	for k, v := range n.Fields {
		r.fields[k] = v
	}
	r.parent = parent
	r.relation = relation
	r.persisted = true
	for name, kids := range n.Embeds {
		rel, ok := m.relations[name]
		if !ok {
			continue
		}
		for _, kn := range kids {
			r.children[name] = append(r.children[name], kn.record(rel.Model, r, name))
		}
	}
	return r
}

// walk follows chain (records below the root) through the stored tree,
// matching each step by relation and ID.
func (n node) walk(chain []*Record) (node, bool) {
	cur := n
	for _, step := range chain {
		found := false
		for _, kn := range cur.Embeds[step.relation] {
			if kn.ID == step.id {
				cur = kn
				found = true
				break
			}
		}
		if !found {
			return node{}, false
		}
	}
	return cur, true
}
