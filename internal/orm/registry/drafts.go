package registry

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// TypeResolver finds types by qualified name. *Catalog and *graph.Graph
// implement it.
type TypeResolver interface {
	TypeByName(name string) (*meta.Type, bool)
}

// TypeByName returns the named type
func (c *Catalog) TypeByName(name string) (*meta.Type, bool) {
	return c.Type(name)
}

// draftDoc is one object of a draft document. Nested objects may omit type;
// it defaults to the target of the association holding them.
type draftDoc struct {
	Type   string                 `yaml:"type"`
	ID     interface{}            `yaml:"id"`
	Values map[string]interface{} `yaml:"values"`
	Clear  []string               `yaml:"clear"`
}

// DecodeDrafts reads a stream of YAML documents, one root draft each:
//
//	type: example.Book
//	values:
//	  name: PL/SQL in Action
//	  edition: 2
//	  store: {values: {name: MANNING}}
//	  authors:
//	    - values: {firstName: "111111", lastName: aaaaa}
//	    - id: 7
//	clear: [tags]
//
// An object with only an id is a reference.
func DecodeDrafts(r io.Reader, types TypeResolver) ([]*draft.Draft, error) {
	dec := yaml.NewDecoder(r)
	var out []*draft.Draft
	for i := 0; ; i++ {
		var doc draftDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse draft document %d: %w", i, err)
		}

		t, ok := types.TypeByName(doc.Type)
		if !ok {
			return nil, fmt.Errorf("draft document %d: %w %q", i, ErrUnknownType, doc.Type)
		}
		d, err := doc.build(t, types)
		if err != nil {
			return nil, fmt.Errorf("draft document %d: %w", i, err)
		}
		out = append(out, d)
	}
}

func (doc *draftDoc) build(t *meta.Type, types TypeResolver) (*draft.Draft, error) {
	if doc.Type != "" && doc.Type != t.Name() {
		derived, ok := types.TypeByName(doc.Type)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownType, doc.Type)
		}
		if !t.IsAssignableFrom(derived) {
			return nil, fmt.Errorf("%s is not a %s", derived.Name(), t.Name())
		}
		t = derived
	}
	if !t.IsEntity() {
		return nil, fmt.Errorf("%s is not an entity", t.Name())
	}

	d := draft.New(t)
	if doc.ID != nil {
		d.SetID(doc.ID)
	}

	for name, raw := range doc.Values {
		p, ok := t.Prop(name)
		if !ok {
			return nil, fmt.Errorf("%s has no property %q", t.Name(), name)
		}
		if !p.IsAssociation() {
			d.Set(name, raw)
			continue
		}

		target, ok := types.TypeByName(p.Target)
		if !ok {
			return nil, fmt.Errorf("%w %q (target of %s)", ErrUnknownType, p.Target, p)
		}
		if p.IsToMany() {
			items, ok := raw.([]interface{})
			if !ok && raw != nil {
				return nil, fmt.Errorf("%s needs a list, got %T", p, raw)
			}
			children := make([]*draft.Draft, 0, len(items))
			for _, item := range items {
				child, err := nested(item, target, types)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", p, err)
				}
				children = append(children, child)
			}
			d.Set(name, children)
			continue
		}

		if raw == nil {
			d.Set(name, nil)
			continue
		}
		child, err := nested(raw, target, types)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		d.Set(name, child)
	}

	for _, name := range doc.Clear {
		if _, ok := t.Prop(name); !ok {
			return nil, fmt.Errorf("%s has no property %q", t.Name(), name)
		}
		d.Clear(name)
	}
	return d, nil
}

// nested decodes an association value: a mapping in draft document form, or
// a bare scalar taken as the identifier of a reference
func nested(raw interface{}, target *meta.Type, types TypeResolver) (*draft.Draft, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return draft.Ref(target, raw), nil
	}

	// re-encode through yaml to reuse the document decoding rules
	b, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var doc draftDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc.build(target, types)
}
