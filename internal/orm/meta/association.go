package meta

import (
	strutil "github.com/conduit-lang/cascade/internal/util/strings"
)

// TableOwner is anything registered in a table identity index: an entity type
// or the synthetic association type of a join table
type TableOwner interface {
	String() string
	Service() string
	TableName(strategy NamingStrategy) string
}

// AssociationType is the synthetic type backing the join table of an owning
// ToManyJoin property
type AssociationType struct {
	Source *Type
	Prop   *Property
	// Target is nil when the association is remote and unresolved
	Target *Type
}

// NewAssociationType creates the association type of prop declared on source
func NewAssociationType(source *Type, prop *Property, target *Type) *AssociationType {
	return &AssociationType{Source: source, Prop: prop, Target: target}
}

func (a *AssociationType) String() string { return a.Prop.String() }

// Service returns the service of the source type
func (a *AssociationType) Service() string { return a.Source.Service() }

// TableName returns the join table name
func (a *AssociationType) TableName(strategy NamingStrategy) string {
	if a.Prop.JoinTable != nil && a.Prop.JoinTable.Name != "" {
		return a.Prop.JoinTable.Name
	}
	target := strutil.ToSnakeCase(shortName(a.Prop.Target))
	if a.Target != nil {
		target = a.Target.TableName(strategy)
	}
	return strategy.JoinTableName(a.Source.TableName(strategy), target)
}

// JoinColumn returns the join table column referencing the source row
func (a *AssociationType) JoinColumn() string {
	if a.Prop.JoinTable != nil && a.Prop.JoinTable.JoinColumn != "" {
		return a.Prop.JoinTable.JoinColumn
	}
	return strutil.ToSnakeCase(a.Source.ShortName()) + "_id"
}

// InverseJoinColumn returns the join table column referencing the target row
func (a *AssociationType) InverseJoinColumn() string {
	if a.Prop.JoinTable != nil && a.Prop.JoinTable.InverseJoinColumn != "" {
		return a.Prop.JoinTable.InverseJoinColumn
	}
	return strutil.ToSnakeCase(shortName(a.Prop.Target)) + "_id"
}

// Mirrors reports whether a and b join the same two types in opposite
// directions, the usual sign of a bidirectional association declared twice
func (a *AssociationType) Mirrors(b *AssociationType) bool {
	return a.Source.Name() == b.Prop.Target && a.Prop.Target == b.Source.Name()
}

func shortName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}
