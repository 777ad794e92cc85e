package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/cascade/internal/orm/meta"
)

var (
	// ErrNotEntity is returned when a non-entity type is registered
	ErrNotEntity = errors.New("graph: type is not an entity")
	// ErrDuplicateType is returned when two descriptors share a name
	ErrDuplicateType = errors.New("graph: duplicate type name")
	// ErrUnresolvedAssociationTarget is matched by *UnresolvedTargetError
	ErrUnresolvedAssociationTarget = errors.New("graph: unresolved association target")
	// ErrTableNameCollision is matched by *TableCollisionError
	ErrTableNameCollision = errors.New("graph: table name collision")
)

// UnresolvedTargetError is returned when a non-remote association points at a
// type outside the registered set
type UnresolvedTargetError struct {
	Prop   *meta.Property
	Target string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("graph: the target type %q of the non-remote property %q is not managed by the current graph", e.Target, e.Prop)
}

// Is reports whether target is ErrUnresolvedAssociationTarget
func (e *UnresolvedTargetError) Is(target error) bool {
	return target == ErrUnresolvedAssociationTarget
}

// TableCollisionError is returned when two types map to the same table
type TableCollisionError struct {
	Service string
	Table   string
	First   meta.TableOwner
	Second  meta.TableOwner
}

func (e *TableCollisionError) Error() string {
	var b strings.Builder
	b.WriteString("graph: table ")
	fmt.Fprintf(&b, "%q", e.Table)
	if e.Service != "" {
		fmt.Fprintf(&b, " of service %q", e.Service)
	}
	fmt.Fprintf(&b, " is shared by both %q and %q", e.First, e.Second)
	if e.Bidirectional() {
		b.WriteString("; they look like the two sides of one bidirectional association, " +
			"declare the join table on one side only and use mappedBy on the other")
	}
	return b.String()
}

// Is reports whether target is ErrTableNameCollision
func (e *TableCollisionError) Is(target error) bool {
	return target == ErrTableNameCollision
}

// Bidirectional reports whether both owners are join tables of mirrored
// associations
func (e *TableCollisionError) Bidirectional() bool {
	a, ok := e.First.(*meta.AssociationType)
	if !ok {
		return false
	}
	b, ok := e.Second.(*meta.AssociationType)
	if !ok {
		return false
	}
	return a.Mirrors(b)
}

// IsUnresolvedTarget returns a boolean indicating whether the error is an
// unresolved association target error
func IsUnresolvedTarget(err error) bool {
	var e *UnresolvedTargetError
	return errors.As(err, &e)
}

// IsTableCollision returns a boolean indicating whether the error is a table
// name collision
func IsTableCollision(err error) bool {
	var e *TableCollisionError
	return errors.As(err, &e)
}
