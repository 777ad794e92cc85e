package hooks

import (
	"context"

	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/transaction"
)

// Context wraps the save context with the row a before-save hook runs for
type Context struct {
	context.Context
	typ   *meta.Type
	isNew bool
}

// NewContext creates a hook context
func NewContext(ctx context.Context, t *meta.Type, isNew bool) *Context {
	return &Context{Context: ctx, typ: t, isNew: isNew}
}

// Type returns the type of the row
func (c *Context) Type() *meta.Type {
	return c.typ
}

// IsNew reports whether the row is about to be inserted
func (c *Context) IsNew() bool {
	return c.isNew
}

// Tx returns the save transaction, if any
func (c *Context) Tx() (*transaction.Transaction, bool) {
	return transaction.FromContext(c.Context)
}
