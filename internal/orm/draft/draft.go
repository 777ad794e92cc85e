// Package draft provides the mutable staging value of an entity. A draft
// records which properties were explicitly set, so saves touch exactly those
// columns.
package draft

import (
	"fmt"
	"strings"

	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// bitset is indexed by meta.Property.Index
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int) { b[i/64] |= 1 << (uint(i) % 64) }
func (b bitset) clear(i int) { b[i/64] &^= 1 << (uint(i) % 64) }
func (b bitset) has(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }
func (b bitset) clone() bitset { return append(bitset(nil), b...) }

// Draft stages the property values of one entity instance. Association values
// are *Draft for to-one properties and []*Draft for collections.
type Draft struct {
	typ     *meta.Type
	values  []interface{}
	set     bitset
	cleared bitset
}

// New returns an empty draft of type t
func New(t *meta.Type) *Draft {
	n := len(t.Props())
	return &Draft{
		typ:     t,
		values:  make([]interface{}, n),
		set:     newBitset(n),
		cleared: newBitset(n),
	}
}

// Ref returns a reference draft: only the identifier is set
func Ref(t *meta.Type, id interface{}) *Draft {
	d := New(t)
	d.SetID(id)
	return d
}

// Produce builds a draft with fn
func Produce(t *meta.Type, fn func(d *Draft)) *Draft {
	d := New(t)
	fn(d)
	return d
}

// Type returns the descriptor of the draft
func (d *Draft) Type() *meta.Type {
	return d.typ
}

func (d *Draft) prop(name string) *meta.Property {
	p, ok := d.typ.Prop(name)
	if !ok {
		panic(fmt.Sprintf("draft: %s has no property %q", d.typ.Name(), name))
	}
	return p
}

// Set assigns a property. Associations take *Draft (to-one) or []*Draft
// (collections); a nil to-one clears the reference.
func (d *Draft) Set(name string, value interface{}) *Draft {
	p := d.prop(name)
	switch {
	case p.IsToMany():
		children, ok := value.([]*Draft)
		if !ok && value != nil {
			panic(fmt.Sprintf("draft: %s needs []*Draft, got %T", p, value))
		}
		d.values[p.Index()] = append([]*Draft(nil), children...)
	case p.Multiplicity == meta.ToOne:
		child, ok := value.(*Draft)
		if !ok && value != nil {
			panic(fmt.Sprintf("draft: %s needs *Draft, got %T", p, value))
		}
		d.values[p.Index()] = child
	default:
		d.values[p.Index()] = value
	}
	d.set.set(p.Index())
	d.cleared.clear(p.Index())
	return d
}

// Add appends children to a collection and marks it set
func (d *Draft) Add(name string, children ...*Draft) *Draft {
	p := d.prop(name)
	if !p.IsToMany() {
		panic(fmt.Sprintf("draft: %s is not a collection", p))
	}
	current, _ := d.values[p.Index()].([]*Draft)
	d.values[p.Index()] = append(current, children...)
	d.set.set(p.Index())
	d.cleared.clear(p.Index())
	return d
}

// Clear sets a property to its empty value and, for collections and inverse
// references, records that stored members must be detached
func (d *Draft) Clear(name string) *Draft {
	p := d.prop(name)
	if p.IsToMany() {
		d.values[p.Index()] = []*Draft{}
	} else {
		d.values[p.Index()] = nil
	}
	d.set.set(p.Index())
	if p.IsToMany() || p.IsInverse() {
		d.cleared.set(p.Index())
	}
	return d
}

// Unset forgets a property, as if it had never been assigned
func (d *Draft) Unset(name string) *Draft {
	p := d.prop(name)
	d.values[p.Index()] = nil
	d.set.clear(p.Index())
	d.cleared.clear(p.Index())
	return d
}

// IsSet reports whether the named property was explicitly assigned
func (d *Draft) IsSet(name string) bool {
	return d.set.has(d.prop(name).Index())
}

// Has reports whether p was explicitly assigned
func (d *Draft) Has(p *meta.Property) bool {
	return d.set.has(p.Index())
}

// IsCleared reports whether p was emptied with Clear
func (d *Draft) IsCleared(p *meta.Property) bool {
	return d.cleared.has(p.Index())
}

// Get returns the value of the named property and whether it is set
func (d *Draft) Get(name string) (interface{}, bool) {
	p := d.prop(name)
	return d.values[p.Index()], d.set.has(p.Index())
}

// Value returns the value of p, nil when unset
func (d *Draft) Value(p *meta.Property) interface{} {
	return d.values[p.Index()]
}

// ToOne returns the draft referenced by a to-one property
func (d *Draft) ToOne(p *meta.Property) *Draft {
	child, _ := d.values[p.Index()].(*Draft)
	return child
}

// ToMany returns the drafts of a collection property
func (d *Draft) ToMany(p *meta.Property) []*Draft {
	children, _ := d.values[p.Index()].([]*Draft)
	return children
}

// ID returns the identifier and whether it is set
func (d *Draft) ID() (interface{}, bool) {
	id := d.typ.ID()
	if id == nil || !d.set.has(id.Index()) {
		return nil, false
	}
	return d.values[id.Index()], true
}

// SetID assigns the identifier
func (d *Draft) SetID(id interface{}) *Draft {
	return d.Set(d.typ.ID().Name, id)
}

// IsReference reports whether only the identifier is set
func (d *Draft) IsReference() bool {
	if _, ok := d.ID(); !ok {
		return false
	}
	return len(d.SetProps()) == 1
}

// SetProps returns the explicitly assigned properties in declaration order
func (d *Draft) SetProps() []*meta.Property {
	var out []*meta.Property
	for _, p := range d.typ.Props() {
		if d.set.has(p.Index()) {
			out = append(out, p)
		}
	}
	return out
}

// String renders the set scalar properties, for logs and errors
func (d *Draft) String() string {
	var b strings.Builder
	b.WriteString(d.typ.ShortName())
	b.WriteByte('{')
	first := true
	for _, p := range d.SetProps() {
		if p.IsAssociation() {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %v", p.Name, d.values[p.Index()])
	}
	b.WriteByte('}')
	return b.String()
}

// clone deep copies d, preserving shared and cyclic references
func (d *Draft) clone(seen map[*Draft]*Draft) *Draft {
	if c, ok := seen[d]; ok {
		return c
	}
	c := &Draft{
		typ:     d.typ,
		values:  make([]interface{}, len(d.values)),
		set:     d.set.clone(),
		cleared: d.cleared.clone(),
	}
	seen[d] = c
	for i, v := range d.values {
		switch v := v.(type) {
		case *Draft:
			c.values[i] = v.clone(seen)
		case []*Draft:
			children := make([]*Draft, len(v))
			for j, child := range v {
				children[j] = child.clone(seen)
			}
			c.values[i] = children
		default:
			c.values[i] = v
		}
	}
	return c
}

// Freeze returns an immutable snapshot of the draft
func (d *Draft) Freeze() *Object {
	return &Object{d: d.clone(make(map[*Draft]*Draft))}
}
