// Package meta describes the shape of persistent entity types: their identifier,
// natural key, scalar properties and associations.
package meta

import "fmt"

// Kind classifies a type descriptor
type Kind int

const (
	// Plain is a non-persistent type; it stops inheritance walks
	Plain Kind = iota
	// Entity is a persistent type backed by its own table
	Entity
	// MappedSuperclass contributes properties to entities but has no table
	MappedSuperclass
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Entity:
		return "entity"
	case MappedSuperclass:
		return "mapped_superclass"
	default:
		return "unknown"
	}
}

// ParseKind converts a string to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "entity":
		return Entity, nil
	case "mapped_superclass":
		return MappedSuperclass, nil
	case "plain":
		return Plain, nil
	default:
		return 0, fmt.Errorf("unknown type kind: %s", s)
	}
}

// IDGeneration describes where identifier values come from
type IDGeneration int

const (
	// Identity ids are generated by the database
	Identity IDGeneration = iota
	// UUID ids are generated on the client before insert
	UUID
	// Assigned ids are always supplied by the caller
	Assigned
)

// String returns the string representation of the generation strategy
func (g IDGeneration) String() string {
	switch g {
	case Identity:
		return "identity"
	case UUID:
		return "uuid"
	case Assigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// ParseIDGeneration converts a string to an IDGeneration
func ParseIDGeneration(s string) (IDGeneration, error) {
	switch s {
	case "", "identity":
		return Identity, nil
	case "uuid":
		return UUID, nil
	case "assigned":
		return Assigned, nil
	default:
		return 0, fmt.Errorf("unknown id generation: %s", s)
	}
}

// Multiplicity describes how a property is stored
type Multiplicity int

const (
	// Scalar is a plain column
	Scalar Multiplicity = iota
	// ToOne references a single target row
	ToOne
	// ToManyFK is a collection whose foreign key lives on the child table
	ToManyFK
	// ToManyJoin is a collection stored in a join table
	ToManyJoin
)

// String returns the string representation of the multiplicity
func (m Multiplicity) String() string {
	switch m {
	case Scalar:
		return "scalar"
	case ToOne:
		return "to_one"
	case ToManyFK:
		return "to_many"
	case ToManyJoin:
		return "to_many_join"
	default:
		return "unknown"
	}
}

// ParseMultiplicity converts a string to a Multiplicity
func ParseMultiplicity(s string) (Multiplicity, error) {
	switch s {
	case "", "scalar":
		return Scalar, nil
	case "to_one":
		return ToOne, nil
	case "to_many":
		return ToManyFK, nil
	case "to_many_join":
		return ToManyJoin, nil
	default:
		return 0, fmt.Errorf("unknown multiplicity: %s", s)
	}
}

// DissociateAction decides what happens to a child row removed from a
// foreign-key collection
type DissociateAction int

const (
	// SetNull clears the child's foreign key
	SetNull DissociateAction = iota
	// Delete removes the child row (or marks it logically deleted)
	Delete
)

// String returns the string representation of the dissociate action
func (a DissociateAction) String() string {
	switch a {
	case SetNull:
		return "set_null"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseDissociateAction converts a string to a DissociateAction
func ParseDissociateAction(s string) (DissociateAction, error) {
	switch s {
	case "", "set_null":
		return SetNull, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown dissociate action: %s", s)
	}
}
