package meta

import (
	strutil "github.com/conduit-lang/cascade/internal/util/strings"
)

// JoinTable configures the middle table of a ToManyJoin association
type JoinTable struct {
	Name              string
	JoinColumn        string
	InverseJoinColumn string
}

// Property describes one property of a type. Definitions are copied by NewType;
// the copies owned by a Type must not be modified.
type Property struct {
	Name         string
	Column       string
	Multiplicity Multiplicity
	Nullable     bool

	// Target is the qualified name of the associated type
	Target string
	// MappedBy names the owning property on the target for inverse associations
	MappedBy string
	// ForeignKey is the owned column for ToOne, or the child column for ToManyFK
	ForeignKey string
	JoinTable  *JoinTable
	// Remote associations point at types managed by another service
	Remote       bool
	OnDissociate DissociateAction

	declaring *Type
	index     int
}

// DeclaringType returns the type owning this property copy
func (p *Property) DeclaringType() *Type {
	return p.declaring
}

// Index returns the position of the property among the effective properties
func (p *Property) Index() int {
	return p.index
}

// String returns the textual key "<Type>.<prop>"
func (p *Property) String() string {
	if p.declaring == nil {
		return p.Name
	}
	return p.declaring.name + "." + p.Name
}

// IsAssociation reports whether the property targets another type
func (p *Property) IsAssociation() bool {
	return p.Multiplicity != Scalar
}

// IsToMany reports whether the property is a collection
func (p *Property) IsToMany() bool {
	return p.Multiplicity == ToManyFK || p.Multiplicity == ToManyJoin
}

// IsInverse reports whether the association is the non-owning side
func (p *Property) IsInverse() bool {
	return p.IsAssociation() && p.MappedBy != ""
}

// OwnsForeignKey reports whether the declaring table holds the foreign key
// column of this association
func (p *Property) OwnsForeignKey() bool {
	return p.Multiplicity == ToOne && p.MappedBy == ""
}

// ColumnName returns the column storing a scalar or an owned foreign key
func (p *Property) ColumnName() string {
	if p.OwnsForeignKey() {
		if p.ForeignKey != "" {
			return p.ForeignKey
		}
		return strutil.ToSnakeCase(p.Name) + "_id"
	}
	if p.Column != "" {
		return p.Column
	}
	return strutil.ToSnakeCase(p.Name)
}

func (p *Property) clone(declaring *Type, index int) *Property {
	c := *p
	if p.JoinTable != nil {
		jt := *p.JoinTable
		c.JoinTable = &jt
	}
	c.declaring = declaring
	c.index = index
	return &c
}
