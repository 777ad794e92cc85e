package draft

import "github.com/conduit-lang/cascade/internal/orm/meta"

// Object is an immutable entity value. Edit produces a modified copy.
type Object struct {
	d *Draft
}

// Type returns the descriptor of the object
func (o *Object) Type() *meta.Type {
	return o.d.typ
}

// ID returns the identifier and whether it is loaded
func (o *Object) ID() (interface{}, bool) {
	return o.d.ID()
}

// IsLoaded reports whether the named property carries a value
func (o *Object) IsLoaded(name string) bool {
	return o.d.IsSet(name)
}

// Get returns a scalar value. Associations are read with Ref and Refs.
func (o *Object) Get(name string) (interface{}, bool) {
	p := o.d.prop(name)
	if p.IsAssociation() {
		return nil, false
	}
	return o.d.Get(name)
}

// Ref returns the object referenced by a to-one property
func (o *Object) Ref(name string) *Object {
	child := o.d.ToOne(o.d.prop(name))
	if child == nil {
		return nil
	}
	return &Object{d: child}
}

// Refs returns the objects of a collection property
func (o *Object) Refs(name string) []*Object {
	children := o.d.ToMany(o.d.prop(name))
	out := make([]*Object, len(children))
	for i, child := range children {
		out[i] = &Object{d: child}
	}
	return out
}

// Edit returns a copy of the object modified by fn. The receiver is unchanged.
func (o *Object) Edit(fn func(d *Draft)) *Object {
	d := o.Draft()
	fn(d)
	return d.Freeze()
}

// Draft returns a mutable copy of the object
func (o *Object) Draft() *Draft {
	return o.d.clone(make(map[*Draft]*Draft))
}

func (o *Object) String() string {
	return o.d.String()
}
