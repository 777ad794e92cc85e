package save

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Querier is the statement surface the engine needs. *sql.DB, *sql.Tx and
// *transaction.Transaction implement it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// builder renders statements for one dialect
type builder struct {
	dialect dialect.Dialect
}

// assignments renders "a = $1, b = $2"
func (b builder) assignments(cols []string, first int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = %s", c, b.dialect.Placeholder(first+i))
	}
	return strings.Join(parts, ", ")
}

// conditions renders "a = $1 AND b = $2"
func (b builder) conditions(cols []string, first int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = %s", c, b.dialect.Placeholder(first+i))
	}
	return strings.Join(parts, " AND ")
}

// match renders a filter on cols; nil values compare with IS NULL and take
// no placeholder
func (b builder) match(cols []string, args []interface{}, first int) (string, []interface{}) {
	parts := make([]string, len(cols))
	var bound []interface{}
	for i, c := range cols {
		if args[i] == nil {
			parts[i] = c + " IS NULL"
			continue
		}
		parts[i] = fmt.Sprintf("%s = %s", c, b.dialect.Placeholder(first+len(bound)))
		bound = append(bound, args[i])
	}
	return strings.Join(parts, " AND "), bound
}

func (b builder) insert(table string, cols []string, returning string) string {
	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", table)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), b.dialect.Placeholders(1, len(cols)))
	}
	if returning != "" && b.dialect.Returning() {
		query += " RETURNING " + returning
	}
	return query
}

// update renders an update of cols filtered by where; a non-empty version
// column is incremented and checked
func (b builder) update(table string, cols []string, version string, where []string) string {
	set := b.assignments(cols, 1)
	if version != "" {
		set += fmt.Sprintf(", %s = %s + 1", version, version)
		where = append(append([]string(nil), where...), version)
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, set, b.conditions(where, len(cols)+1))
}

func (b builder) delete(table string, where []string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", table, b.conditions(where, 1))
}

// find selects the identifier, and the version when t has one, of the row
// matching cols
func (b builder) find(ctx context.Context, q Querier, table string, t *meta.Type, cols []string, args []interface{}) (id, version interface{}, found bool, err error) {
	sel := []string{t.ID().ColumnName()}
	dest := []interface{}{&id}
	if v := t.Version(); v != nil {
		sel = append(sel, v.ColumnName())
		dest = append(dest, &version)
	}

	filter, bound := b.match(cols, args, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(sel, ", "), table, filter)
	if err := q.QueryRowContext(ctx, query, bound...).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("failed to look up %s: %w", t.ShortName(), err)
	}
	return id, version, true, nil
}

// idResolver returns the identifier known for a draft
type idResolver func(d *draft.Draft) (interface{}, bool)

// keyFilter returns the natural key columns and values of d, plus the tenant
// column when a tenant is given and not already part of the key
func keyFilter(d *draft.Draft, resolve idResolver, tenant interface{}) ([]string, []interface{}, error) {
	t := d.Type()
	var cols []string
	var args []interface{}
	for _, k := range t.Keys() {
		v, err := columnValue(k, d.Value(k), resolve)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, k.ColumnName())
		args = append(args, v)
	}
	if tp := t.Tenant(); tp != nil && tenant != nil && !t.IsKey(tp) {
		cols = append(cols, tp.ColumnName())
		args = append(args, tenant)
	}
	return cols, args, nil
}

// columnValue converts a property value to its column value; owned to-one
// references store the referenced identifier
func columnValue(p *meta.Property, v interface{}, resolve idResolver) (interface{}, error) {
	if !p.OwnsForeignKey() {
		return v, nil
	}
	child, _ := v.(*draft.Draft)
	if child == nil {
		return nil, nil
	}
	id, ok := resolve(child)
	if !ok {
		return nil, fmt.Errorf("save: the identifier of %s referenced by %s is not resolved", child, p)
	}
	return id, nil
}
