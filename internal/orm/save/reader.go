package save

import (
	"context"
	"fmt"

	"github.com/conduit-lang/cascade/internal/orm/cascade"
	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Reader reads stored association state for the planner
type Reader struct {
	q      Querier
	b      builder
	naming meta.NamingStrategy
	tenant interface{}
}

var _ cascade.Reader = (*Reader)(nil)

// NewReader creates a reader. A non-nil tenant restricts key lookups to that
// tenant.
func NewReader(q Querier, d dialect.Dialect, naming meta.NamingStrategy, tenant interface{}) *Reader {
	return &Reader{q: q, b: builder{dialect: d}, naming: naming, tenant: tenant}
}

// ResolveID finds the stored identifier of d by id or natural key
func (r *Reader) ResolveID(ctx context.Context, d *draft.Draft) (interface{}, bool, error) {
	t := d.Type()
	var cols []string
	var args []interface{}
	if id, ok := d.ID(); ok {
		cols, args = []string{t.ID().ColumnName()}, []interface{}{id}
	} else {
		var err error
		cols, args, err = keyFilter(d, func(child *draft.Draft) (interface{}, bool) { return child.ID() }, r.tenant)
		if err != nil {
			return nil, false, err
		}
	}

	id, _, found, err := r.b.find(ctx, r.q, t.TableName(r.naming), t, cols, args)
	return id, found, err
}

// LinkedIDs returns the target identifiers linked to ownerID
func (r *Reader) LinkedIDs(ctx context.Context, link *cascade.Link, ownerID interface{}) ([]interface{}, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		link.TargetColumn, link.Table, r.b.conditions([]string{link.OwnerColumn}, 1))
	return r.ids(ctx, query, ownerID)
}

// ChildIDs returns the identifiers of child rows referencing parentID
func (r *Reader) ChildIDs(ctx context.Context, fk *cascade.ForeignKey, parentID interface{}) ([]interface{}, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		fk.Child.ID().ColumnName(), fk.Table, r.b.conditions([]string{fk.Column}, 1))
	return r.ids(ctx, query, parentID)
}

func (r *Reader) ids(ctx context.Context, query string, arg interface{}) ([]interface{}, error) {
	rows, err := r.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []interface{}
	for rows.Next() {
		var id interface{}
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
