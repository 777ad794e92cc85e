package cascade

import (
	"errors"
	"fmt"

	"github.com/conduit-lang/cascade/internal/orm/meta"
)

var (
	// ErrIncompleteObject is matched by *IncompleteObjectError
	ErrIncompleteObject = errors.New("cascade: incomplete object")
	// ErrReaderRequired is returned when auto-attach planning has no reader
	ErrReaderRequired = errors.New("cascade: auto attach requires a reader")
	// ErrCyclicDependency is returned when new rows reference each other
	// through owned foreign keys
	ErrCyclicDependency = errors.New("cascade: cyclic foreign key dependency between new objects")
	// ErrTargetMismatch is returned when an association holds a draft of the
	// wrong type
	ErrTargetMismatch = errors.New("cascade: association target type mismatch")
	// ErrUnresolvedMappedBy is returned when an inverse association has no
	// owning side
	ErrUnresolvedMappedBy = errors.New("cascade: mappedBy does not name an owning association")
)

// IncompleteObjectError is returned when a draft has neither an identifier
// nor a complete natural key and its type cannot generate one
type IncompleteObjectError struct {
	Type *meta.Type
	// Prop is the first missing key property, or the id property
	Prop *meta.Property
}

func (e *IncompleteObjectError) Error() string {
	if len(e.Type.Keys()) > 0 {
		return fmt.Sprintf("cascade: object of type %q has neither id nor a complete key, property %q is not set",
			e.Type.Name(), e.Prop.Name)
	}
	return fmt.Sprintf("cascade: object of type %q has no id and its id is not generated, property %q must be set",
		e.Type.Name(), e.Prop.Name)
}

// Is reports whether target is ErrIncompleteObject
func (e *IncompleteObjectError) Is(target error) bool {
	return target == ErrIncompleteObject
}

// IsIncompleteObject returns a boolean indicating whether the error is an
// incomplete object error
func IsIncompleteObject(err error) bool {
	return errors.Is(err, ErrIncompleteObject)
}
