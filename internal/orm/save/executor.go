// Package save executes save plans and exposes the save entry points.
package save

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/cascade"
	"github.com/conduit-lang/cascade/internal/orm/dialect"
	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Options configure one execution
type Options struct {
	// Tenant fills the tenant column of inserted rows that do not set it, and
	// scopes natural key lookups
	Tenant interface{}
}

// Interceptor sees every draft right before its row is written. isNew
// reports whether the row is inserted. Values it sets on the draft are
// written with the row.
type Interceptor interface {
	BeforeSave(ctx context.Context, d *draft.Draft, isNew bool) error
}

// Executor applies save plans
type Executor struct {
	b            builder
	logger       *zap.Logger
	interceptors []Interceptor
}

// NewExecutor creates an executor for a dialect
func NewExecutor(d dialect.Dialect, logger *zap.Logger, interceptors ...Interceptor) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{b: builder{dialect: d}, logger: logger, interceptors: interceptors}
}

// Execute runs nodes in order against q. The first failure stops execution;
// the returned result still holds every statement issued so far.
func (e *Executor) Execute(ctx context.Context, q Querier, nodes []*cascade.Node, opts Options) (*Result, error) {
	var root *draft.Draft
	for _, n := range nodes {
		if n.Parent == nil && n.Draft != nil {
			root = n.Draft
			break
		}
	}

	x := &execution{
		ctx:          ctx,
		q:            q,
		b:            e.b,
		logger:       e.logger,
		interceptors: e.interceptors,
		opts:         opts,
		res:          newResult(root),
		inserted:     make(map[*draft.Draft]bool),
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return x.res, err
		}
		if err := x.node(n); err != nil {
			return x.res, err
		}
	}
	if root != nil {
		x.res.RootID, _ = x.res.ID(root)
	}
	return x.res, nil
}

type execution struct {
	ctx          context.Context
	q            Querier
	b            builder
	logger       *zap.Logger
	interceptors []Interceptor
	opts         Options
	res          *Result

	// inserted holds drafts whose row was created by this execution
	inserted map[*draft.Draft]bool
}

func (x *execution) node(n *cascade.Node) error {
	switch n.Action {
	case cascade.Insert:
		return x.insert(n, false)
	case cascade.UpsertByKey, cascade.UpsertByID:
		return x.upsert(n)
	case cascade.Attach:
		return x.attach(n)
	case cascade.Detach:
		return x.detach(n)
	default:
		return fmt.Errorf("save: unknown action %v", n.Action)
	}
}

func (x *execution) intercept(n *cascade.Node, isNew bool) error {
	for _, i := range x.interceptors {
		if err := i.BeforeSave(x.ctx, n.Draft, isNew); err != nil {
			return fmt.Errorf("save: interceptor rejected %s: %w", n.Draft, err)
		}
	}
	return nil
}

func (x *execution) id(d *draft.Draft) (interface{}, bool) {
	return x.res.ID(d)
}

func (x *execution) mustID(d *draft.Draft) (interface{}, error) {
	id, ok := x.id(d)
	if !ok {
		return nil, fmt.Errorf("save: the identifier of %s is not resolved", d)
	}
	return id, nil
}

// statement appends a statement to the log before it runs
func (x *execution) statement(n *cascade.Node, table string, kind StatementKind, query string, cols []string, args []interface{}) *Statement {
	st := &Statement{
		Index:   len(x.res.Statements),
		Node:    n.Index,
		Table:   table,
		Kind:    kind,
		SQL:     query,
		Columns: cols,
		Args:    args,
	}
	x.res.Statements = append(x.res.Statements, st)
	return st
}

func (x *execution) exec(st *Statement) (int64, error) {
	r, err := x.q.ExecContext(x.ctx, st.SQL, st.Args...)
	if err != nil {
		return 0, x.fail(st, err)
	}
	rows, err := r.RowsAffected()
	if err != nil {
		return 0, x.fail(st, err)
	}
	x.done(st, rows)
	return rows, nil
}

func (x *execution) done(st *Statement, rows int64) {
	st.RowsAffected = rows
	x.logger.Debug("statement executed",
		zap.Int("index", st.Index),
		zap.String("table", st.Table),
		zap.String("kind", string(st.Kind)),
		zap.Int64("rows", rows),
	)
}

// fail records err on the statement and classifies it
func (x *execution) fail(st *Statement, err error) error {
	st.Err = err
	code, kind, constraint := classifyDBError(err)
	x.logger.Debug("statement failed",
		zap.Int("index", st.Index),
		zap.String("table", st.Table),
		zap.String("code", code.String()),
		zap.Error(err),
	)
	return &Error{
		Code:       code,
		Index:      st.Index,
		Table:      st.Table,
		Columns:    st.Columns,
		Kind:       kind,
		Constraint: constraint,
		Err:        err,
	}
}

// columns collects the row columns of n. Inserts add defaults for the logical
// delete, tenant and version columns; updates leave out the identifier.
func (x *execution) columns(n *cascade.Node, insert bool) ([]string, []interface{}, error) {
	t, d := n.Type, n.Draft
	var cols []string
	var args []interface{}
	add := func(col string, v interface{}) {
		for i, c := range cols {
			if c == col {
				args[i] = v
				return
			}
		}
		cols = append(cols, col)
		args = append(args, v)
	}

	ld := t.LogicalDeleted()
	for _, p := range t.Props() {
		switch {
		case p == t.ID():
			if !insert {
				continue
			}
			if id, ok := x.id(d); ok {
				add(p.ColumnName(), id)
			} else if t.IDGeneration() == meta.UUID {
				id := uuid.NewString()
				x.res.ids[d] = id
				add(p.ColumnName(), id)
			}
		case p.IsAssociation():
			if !p.OwnsForeignKey() || !d.Has(p) {
				continue
			}
			v, err := columnValue(p, d.Value(p), x.id)
			if err != nil {
				return nil, nil, err
			}
			add(p.ColumnName(), v)
		case d.Has(p):
			if !insert && p == t.Version() {
				continue
			}
			add(p.ColumnName(), d.Value(p))
		case insert && ld != nil && p.Name == ld.Prop:
			add(p.ColumnName(), ld.RestoredValue)
		case insert && p == t.Tenant() && x.opts.Tenant != nil:
			add(p.ColumnName(), x.opts.Tenant)
		case insert && p == t.Version():
			add(p.ColumnName(), 0)
		}
	}

	if fk := n.ForeignKey; fk != nil && n.Parent != nil {
		parentID, err := x.mustID(n.Parent)
		if err != nil {
			return nil, nil, err
		}
		add(fk.Column, parentID)
	}
	return cols, args, nil
}

// insert writes the row of n. raced marks the fallback insert of a key
// upsert, where a unique violation means another writer inserted the key.
func (x *execution) insert(n *cascade.Node, raced bool) error {
	t, d := n.Type, n.Draft
	if err := x.intercept(n, true); err != nil {
		return err
	}
	_, hasID := x.id(d)
	generated := !hasID && t.IDGeneration() == meta.Identity

	cols, args, err := x.columns(n, true)
	if err != nil {
		return err
	}

	returning := ""
	if generated {
		returning = t.ID().ColumnName()
	}
	st := x.statement(n, n.Table, InsertStatement, x.b.insert(n.Table, cols, returning), cols, args)

	if generated && x.b.dialect.Returning() {
		var id interface{}
		if err := x.q.QueryRowContext(x.ctx, st.SQL, st.Args...).Scan(&id); err != nil {
			return x.failInsert(st, err, raced)
		}
		x.res.ids[d] = id
		x.done(st, 1)
	} else {
		r, err := x.q.ExecContext(x.ctx, st.SQL, st.Args...)
		if err != nil {
			return x.failInsert(st, err, raced)
		}
		if generated {
			id, err := r.LastInsertId()
			if err != nil {
				return x.fail(st, err)
			}
			x.res.ids[d] = id
		}
		rows, err := r.RowsAffected()
		if err != nil {
			return x.fail(st, err)
		}
		x.done(st, rows)
	}

	x.inserted[d] = true
	x.res.record(n, Inserted)
	return nil
}

func (x *execution) failInsert(st *Statement, err error, raced bool) error {
	serr := x.fail(st, err)
	var e *Error
	if raced && errors.As(serr, &e) && e.Kind == UniqueConstraint {
		e.Code = ConcurrentModification
	}
	return serr
}

// upsert locates the row of n and updates its set columns, or inserts it
func (x *execution) upsert(n *cascade.Node) error {
	t, d := n.Type, n.Draft

	var where []string
	var args []interface{}
	var err error
	if n.Action == cascade.UpsertByID {
		id, _ := d.ID()
		where, args = []string{t.ID().ColumnName()}, []interface{}{id}
	} else {
		where, args, err = keyFilter(d, x.id, x.opts.Tenant)
		if err != nil {
			return err
		}
	}

	id, version, found, err := x.b.find(x.ctx, x.q, n.Table, t, where, args)
	if err != nil {
		return &Error{Code: Storage, Index: -1, Table: n.Table, Err: err}
	}
	if !found {
		return x.insert(n, n.Action == cascade.UpsertByKey)
	}
	if _, ok := d.ID(); !ok {
		x.res.ids[d] = id
	}
	if err := x.intercept(n, false); err != nil {
		return err
	}

	cols, vals, err := x.columns(n, false)
	if err != nil {
		return err
	}
	if n.Action == cascade.UpsertByKey {
		cols, vals = withoutKeys(t, cols, vals)
	}
	if len(cols) == 0 {
		x.res.record(n, Unchanged)
		return nil
	}

	whereArgs := []interface{}{id}
	versionCol := ""
	vp := t.Version()
	if vp != nil {
		versionCol = vp.ColumnName()
		if d.Has(vp) {
			version = d.Value(vp)
		}
		whereArgs = append(whereArgs, version)
	}

	query := x.b.update(n.Table, cols, versionCol, []string{t.ID().ColumnName()})
	st := x.statement(n, n.Table, UpdateStatement, query, cols, append(vals, whereArgs...))
	rows, err := x.exec(st)
	if err != nil {
		return err
	}
	if rows == 0 {
		err := fmt.Errorf("%s with id %v was changed or removed after it was read", t.ShortName(), id)
		st.Err = err
		return &Error{Code: ConcurrentModification, Index: st.Index, Table: n.Table, Columns: cols, Err: err}
	}
	if vp != nil {
		if v, ok := toInt64(version); ok {
			x.res.versions[d] = v + 1
		}
	}

	x.res.record(n, Updated)
	return nil
}

func withoutKeys(t *meta.Type, cols []string, vals []interface{}) ([]string, []interface{}) {
	keys := make(map[string]bool)
	for _, k := range t.Keys() {
		keys[k.ColumnName()] = true
	}
	var outCols []string
	var outVals []interface{}
	for i, c := range cols {
		if keys[c] {
			continue
		}
		outCols = append(outCols, c)
		outVals = append(outVals, vals[i])
	}
	return outCols, outVals
}

// attach links an existing or already saved draft to its parent
func (x *execution) attach(n *cascade.Node) error {
	d := n.Draft
	if n.Alias != nil {
		if id, ok := x.id(n.Alias); ok {
			if _, has := d.ID(); !has {
				x.res.ids[d] = id
			}
		}
	}

	switch {
	case n.Link != nil:
		return x.link(n)
	case n.ForeignKey != nil && n.Parent != nil:
		return x.adopt(n)
	case n.Parent == nil:
		x.res.record(n, Unchanged)
	default:
		// the owner row carries the foreign key
		x.res.record(n, Attached)
	}
	return nil
}

// link inserts a join table row unless it already exists
func (x *execution) link(n *cascade.Node) error {
	ownerID, err := x.mustID(n.Parent)
	if err != nil {
		return err
	}
	targetID, err := x.mustID(n.Draft)
	if err != nil {
		return err
	}

	l := n.Link
	cols := []string{l.OwnerColumn, l.TargetColumn}
	args := []interface{}{ownerID, targetID}

	if !x.inserted[n.Parent] && !x.inserted[n.Draft] {
		query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", l.Table, x.b.conditions(cols, 1))
		var one int
		err := x.q.QueryRowContext(x.ctx, query, args...).Scan(&one)
		switch {
		case err == nil:
			x.res.record(n, Attached)
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return &Error{Code: Storage, Index: -1, Table: l.Table, Columns: cols, Err: err}
		}
	}

	st := x.statement(n, l.Table, InsertStatement, x.b.insert(l.Table, cols, ""), cols, args)
	if _, err := x.exec(st); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == ForeignKeyConstraint && n.Draft.IsReference() {
			e.Code = IllegalTargetID
		}
		return err
	}
	x.res.record(n, Attached)
	return nil
}

// adopt points the foreign key of an existing child row at the parent
func (x *execution) adopt(n *cascade.Node) error {
	fk := n.ForeignKey
	parentID, err := x.mustID(n.Parent)
	if err != nil {
		return err
	}
	childID, err := x.mustID(n.Draft)
	if err != nil {
		return err
	}

	cols := []string{fk.Column}
	query := x.b.update(fk.Table, cols, "", []string{fk.Child.ID().ColumnName()})
	st := x.statement(n, fk.Table, UpdateStatement, query, cols, []interface{}{parentID, childID})
	rows, err := x.exec(st)
	if err != nil {
		return err
	}
	if rows == 0 {
		err := fmt.Errorf("no %s with id %v", fk.Child.ShortName(), childID)
		st.Err = err
		return &Error{Code: IllegalTargetID, Index: st.Index, Table: fk.Table, Columns: cols, Err: err}
	}
	x.res.record(n, Attached)
	return nil
}

// detach removes a link or dissociates child rows from the parent
func (x *execution) detach(n *cascade.Node) error {
	if x.inserted[n.Parent] {
		// a new parent has nothing stored to detach
		x.res.record(n, Unchanged)
		return nil
	}
	parentID, err := x.mustID(n.Parent)
	if err != nil {
		return err
	}

	var st *Statement
	switch {
	case n.Link != nil:
		l := n.Link
		where := []string{l.OwnerColumn}
		args := []interface{}{parentID}
		if !n.All {
			targetID, err := x.mustID(n.Draft)
			if err != nil {
				return err
			}
			where = append(where, l.TargetColumn)
			args = append(args, targetID)
		}
		st = x.statement(n, l.Table, DeleteStatement, x.b.delete(l.Table, where), where, args)

	case n.ForeignKey != nil:
		fk := n.ForeignKey
		where := []string{fk.Column}
		args := []interface{}{parentID}
		if !n.All {
			childID, err := x.mustID(n.Draft)
			if err != nil {
				return err
			}
			where = append(where, fk.Child.ID().ColumnName())
			args = append(args, childID)
		}

		if fk.OnDissociate == meta.Delete {
			if ld := fk.Child.LogicalDeleted(); ld != nil {
				p, _ := fk.Child.Prop(ld.Prop)
				col := p.ColumnName()
				query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
					fk.Table, col, x.b.dialect.Placeholder(1), x.b.conditions(where, 2))
				st = x.statement(n, fk.Table, UpdateStatement, query, append([]string{col}, where...), append([]interface{}{ld.DeletedValue}, args...))
				break
			}
			st = x.statement(n, fk.Table, DeleteStatement, x.b.delete(fk.Table, where), where, args)
			break
		}
		if !fk.Nullable {
			return &Error{
				Code:    CannotDissociateTarget,
				Index:   -1,
				Table:   fk.Table,
				Columns: []string{fk.Column},
				Err:     fmt.Errorf("%s cannot be detached from %s because %s is not nullable", fk.Child.ShortName(), n.Parent, fk.Column),
			}
		}
		query := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s", fk.Table, fk.Column, x.b.conditions(where, 1))
		st = x.statement(n, fk.Table, UpdateStatement, query, where, args)

	default:
		return fmt.Errorf("save: detach node %s has neither link nor foreign key", n)
	}

	if _, err := x.exec(st); err != nil {
		return err
	}
	x.res.record(n, Detached)
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
