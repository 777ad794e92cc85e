package meta

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDefinition is returned when a type definition is inconsistent
	ErrInvalidDefinition = errors.New("invalid type definition")
)

// LogicalDeleted marks rows as deleted instead of removing them
type LogicalDeleted struct {
	Prop          string
	DeletedValue  interface{}
	RestoredValue interface{}
}

// Definition is the input to NewType
type Definition struct {
	Name         string
	Kind         Kind
	Super        *Type
	Service      string
	Table        string
	ID           string
	IDGeneration IDGeneration
	Keys         []string
	Version      string
	Tenant       string
	// LogicalDeleted is inherited from the super type when nil
	LogicalDeleted *LogicalDeleted
	Props          []Property
}

// Type is an immutable entity type descriptor
type Type struct {
	name    string
	kind    Kind
	super   *Type
	service string
	table   string

	props  []*Property
	byName map[string]*Property

	id             *Property
	idGeneration   IDGeneration
	keys           []*Property
	version        *Property
	tenant         *Property
	logicalDeleted *LogicalDeleted
}

// NewType builds a type descriptor. Properties of persistent super types are
// inherited ahead of the type's own declarations.
func NewType(def Definition) (*Type, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: type name is required", ErrInvalidDefinition)
	}

	t := &Type{
		name:         def.Name,
		kind:         def.Kind,
		super:        def.Super,
		service:      def.Service,
		table:        def.Table,
		byName:       make(map[string]*Property),
		idGeneration: def.IDGeneration,
	}

	var inherited *Type
	if def.Super != nil && def.Super.kind != Plain {
		inherited = def.Super
		if t.service == "" {
			t.service = inherited.service
		}
	}

	if inherited != nil {
		for _, p := range inherited.props {
			t.addProp(p)
		}
	}
	for i := range def.Props {
		p := &def.Props[i]
		if p.Name == "" {
			return nil, fmt.Errorf("%w: %s has a property without a name", ErrInvalidDefinition, def.Name)
		}
		if _, exists := t.byName[p.Name]; exists {
			return nil, fmt.Errorf("%w: property %s.%s is declared twice", ErrInvalidDefinition, def.Name, p.Name)
		}
		if p.IsAssociation() && p.Target == "" {
			return nil, fmt.Errorf("%w: association %s.%s has no target", ErrInvalidDefinition, def.Name, p.Name)
		}
		if p.Multiplicity == ToManyFK && p.MappedBy == "" && p.ForeignKey == "" {
			return nil, fmt.Errorf("%w: %s.%s needs mappedBy or a foreign key column", ErrInvalidDefinition, def.Name, p.Name)
		}
		t.addProp(p)
	}

	var err error
	if t.id, err = t.resolve(def.ID, inheritedProp(inherited, func(s *Type) *Property { return s.id })); err != nil {
		return nil, err
	}
	if t.id == nil && def.Kind == Entity {
		return nil, fmt.Errorf("%w: entity %s has no id property", ErrInvalidDefinition, def.Name)
	}
	if t.id != nil && t.id.IsAssociation() {
		return nil, fmt.Errorf("%w: id of %s must be scalar", ErrInvalidDefinition, def.Name)
	}
	if def.ID == "" && inherited != nil && inherited.id != nil {
		t.idGeneration = inherited.idGeneration
	}

	if len(def.Keys) > 0 {
		for _, name := range def.Keys {
			p, ok := t.byName[name]
			if !ok {
				return nil, fmt.Errorf("%w: key property %s.%s does not exist", ErrInvalidDefinition, def.Name, name)
			}
			if p.IsToMany() || p.IsInverse() {
				return nil, fmt.Errorf("%w: key property %s.%s must be a column", ErrInvalidDefinition, def.Name, name)
			}
			t.keys = append(t.keys, p)
		}
	} else if inherited != nil {
		for _, k := range inherited.keys {
			t.keys = append(t.keys, t.byName[k.Name])
		}
	}

	if t.version, err = t.resolve(def.Version, inheritedProp(inherited, func(s *Type) *Property { return s.version })); err != nil {
		return nil, err
	}
	if t.tenant, err = t.resolve(def.Tenant, inheritedProp(inherited, func(s *Type) *Property { return s.tenant })); err != nil {
		return nil, err
	}

	switch {
	case def.LogicalDeleted != nil:
		if _, ok := t.byName[def.LogicalDeleted.Prop]; !ok {
			return nil, fmt.Errorf("%w: logical delete property %s.%s does not exist", ErrInvalidDefinition, def.Name, def.LogicalDeleted.Prop)
		}
		ld := *def.LogicalDeleted
		t.logicalDeleted = &ld
	case inherited != nil:
		t.logicalDeleted = inherited.logicalDeleted
	}

	return t, nil
}

// MustNewType is like NewType but panics on error
func MustNewType(def Definition) *Type {
	t, err := NewType(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type) addProp(p *Property) {
	c := p.clone(t, len(t.props))
	t.props = append(t.props, c)
	t.byName[c.Name] = c
}

func (t *Type) resolve(name string, fallback string) (*Property, error) {
	if name == "" {
		name = fallback
	}
	if name == "" {
		return nil, nil
	}
	p, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: property %s.%s does not exist", ErrInvalidDefinition, t.name, name)
	}
	return p, nil
}

func inheritedProp(super *Type, get func(*Type) *Property) string {
	if super == nil {
		return ""
	}
	if p := get(super); p != nil {
		return p.Name
	}
	return ""
}

// Name returns the qualified type name
func (t *Type) Name() string { return t.name }

// ShortName returns the last segment of the qualified name
func (t *Type) ShortName() string {
	if i := strings.LastIndexByte(t.name, '.'); i >= 0 {
		return t.name[i+1:]
	}
	return t.name
}

func (t *Type) String() string { return t.name }

// Kind returns the kind of the type
func (t *Type) Kind() Kind { return t.kind }

// IsEntity reports whether the type is an entity
func (t *Type) IsEntity() bool { return t.kind == Entity }

// IsMappedSuperclass reports whether the type is a mapped superclass
func (t *Type) IsMappedSuperclass() bool { return t.kind == MappedSuperclass }

// Super returns the parent type, if any
func (t *Type) Super() *Type { return t.super }

// Service returns the owning micro-service name; empty means local
func (t *Type) Service() string { return t.service }

// Props returns the effective properties in declaration order
func (t *Type) Props() []*Property { return t.props }

// Prop looks a property up by name
func (t *Type) Prop(name string) (*Property, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Scalars returns the scalar properties in order
func (t *Type) Scalars() []*Property {
	out := make([]*Property, 0, len(t.props))
	for _, p := range t.props {
		if !p.IsAssociation() {
			out = append(out, p)
		}
	}
	return out
}

// Associations returns the association properties in order
func (t *Type) Associations() []*Property {
	out := make([]*Property, 0, len(t.props))
	for _, p := range t.props {
		if p.IsAssociation() {
			out = append(out, p)
		}
	}
	return out
}

// ID returns the identifier property
func (t *Type) ID() *Property { return t.id }

// IDGeneration returns the identifier generation strategy
func (t *Type) IDGeneration() IDGeneration { return t.idGeneration }

// Keys returns the natural key properties
func (t *Type) Keys() []*Property { return t.keys }

// IsKey reports whether p is part of the natural key
func (t *Type) IsKey(p *Property) bool {
	for _, k := range t.keys {
		if k == p {
			return true
		}
	}
	return false
}

// Version returns the optimistic lock property, if any
func (t *Type) Version() *Property { return t.version }

// Tenant returns the tenant property, if any
func (t *Type) Tenant() *Property { return t.tenant }

// LogicalDeleted returns the logical delete configuration, if any
func (t *Type) LogicalDeleted() *LogicalDeleted { return t.logicalDeleted }

// IsAssignableFrom reports whether other is t or derives from t
func (t *Type) IsAssignableFrom(other *Type) bool {
	for s := other; s != nil; s = s.super {
		if s == t {
			return true
		}
	}
	return false
}

// TableName returns the explicit table name or the strategy-derived one
func (t *Type) TableName(strategy NamingStrategy) string {
	if t.table != "" {
		return t.table
	}
	return strategy.TableName(t.ShortName())
}
