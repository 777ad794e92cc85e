// Package hooks runs user callbacks around saves: before-save hooks may fill
// columns of the row about to be written, after-save hooks observe committed
// rows, optionally on a worker pool.
package hooks

import (
	"context"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/save"
)

// Phase is the point of a save a hook runs at
type Phase int

const (
	BeforeSave Phase = iota
	AfterSave
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case BeforeSave:
		return "before_save"
	case AfterSave:
		return "after_save"
	default:
		return "unknown"
	}
}

// BeforeFunc runs inside the save transaction. Returning an error aborts the
// save of the whole root.
type BeforeFunc func(ctx *Context, d *draft.Draft) error

// AfterFunc runs after the commit. Errors are logged, never returned to the
// saving caller.
type AfterFunc func(ctx context.Context, s Saved) error

// Saved describes one committed row
type Saved struct {
	Type           *meta.Type
	Object         *draft.Object
	Classification save.Classification
}

// Hook is a registered callback. It applies to rows of the named type and of
// every type deriving from it.
type Hook struct {
	Phase    Phase
	TypeName string
	Before   BeforeFunc
	After    AfterFunc
	// Async runs an after-save hook on the worker pool
	Async bool
}

func (h *Hook) matches(t *meta.Type) bool {
	for s := t; s != nil; s = s.Super() {
		if s.Name() == h.TypeName {
			return true
		}
	}
	return false
}
