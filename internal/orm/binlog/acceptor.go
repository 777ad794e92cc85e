// Package binlog accepts row changes captured from the database log and turns
// them into cache invalidation events for the affected objects and
// associations.
package binlog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	strutil "github.com/conduit-lang/cascade/internal/util/strings"
)

// ErrEmptyChange is returned when a change carries neither image
var ErrEmptyChange = errors.New("binlog: change has no before or after image")

// Op is the kind of row change
type Op int

const (
	Insert Op = iota
	Update
	Delete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Affected names one cached association value made stale by a change: the
// value of Prop for the object identified by ID
type Affected struct {
	Prop *meta.Property
	ID   interface{}
}

// Event is an accepted change resolved against the metadata graph
type Event struct {
	Table string
	Owner meta.TableOwner
	// Type is set when Owner is an entity type
	Type   *meta.Type
	Op     Op
	ID     interface{}
	Before map[string]interface{}
	After  map[string]interface{}
	// Changed lists the normalized columns whose value differs between the
	// images, or every column of the single image for inserts and deletes
	Changed  []string
	Affected []Affected
}

// Invalidator consumes accepted events
type Invalidator interface {
	Invalidate(ctx context.Context, ev *Event) error
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(ctx context.Context, ev *Event) error

// Invalidate calls f
func (f InvalidatorFunc) Invalidate(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// Fanout passes every event to each non-nil invalidator in order. All of them
// run even when one fails; the failures are joined.
func Fanout(invs ...Invalidator) Invalidator {
	var live []Invalidator
	for _, inv := range invs {
		if inv != nil {
			live = append(live, inv)
		}
	}
	return InvalidatorFunc(func(ctx context.Context, ev *Event) error {
		var errs []error
		for _, inv := range live {
			if err := inv.Invalidate(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// GraphSource supplies the current metadata snapshot. *reload.Coordinator
// implements it.
type GraphSource interface {
	Graph() *graph.Graph
}

// Option configures an Acceptor
type Option func(*Acceptor)

// WithService restricts table resolution to the tables of one service
func WithService(service string) Option {
	return func(a *Acceptor) { a.service = service }
}

// WithNaming sets the strategy the table index is built with. The graph's
// own strategy is used otherwise.
func WithNaming(s meta.NamingStrategy) Option {
	return func(a *Acceptor) { a.naming = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Acceptor) {
		if l != nil {
			a.logger = l
		}
	}
}

// Acceptor is the entry point for captured row changes
type Acceptor struct {
	graphs  GraphSource
	inv     Invalidator
	naming  meta.NamingStrategy
	service string
	logger  *zap.Logger
}

// NewAcceptor creates an acceptor delivering events to inv
func NewAcceptor(graphs GraphSource, inv Invalidator, opts ...Option) *Acceptor {
	a := &Acceptor{graphs: graphs, inv: inv, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accept resolves table in the table identity index and delivers the change.
// A nil before image is an insert and a nil after image a delete. Changes to
// tables no registered type owns are ignored.
func (a *Acceptor) Accept(ctx context.Context, table string, before, after map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if before == nil && after == nil {
		return fmt.Errorf("%w (table %s)", ErrEmptyChange, table)
	}

	g := a.graphs.Graph()
	naming := a.naming
	if naming == nil {
		naming = g.NamingStrategy()
	}
	owner, err := g.TypeByTable(naming, a.service, table)
	if err != nil {
		return err
	}
	if owner == nil {
		a.logger.Debug("ignoring change of unmanaged table",
			zap.String("table", table),
			zap.String("service", a.service))
		return nil
	}

	ev := &Event{
		Table:  table,
		Owner:  owner,
		Before: normalize(before),
		After:  normalize(after),
	}
	switch {
	case before == nil:
		ev.Op = Insert
	case after == nil:
		ev.Op = Delete
	default:
		ev.Op = Update
	}
	ev.Changed = changedColumns(ev.Before, ev.After)

	switch o := owner.(type) {
	case *meta.Type:
		ev.Type = o
		ev.ID = ev.value(o.ID().ColumnName())
		ev.Affected = entityAffected(g, ev)
	case *meta.AssociationType:
		ev.Affected = associationAffected(g, o, ev)
	}

	a.logger.Debug("accepted change",
		zap.String("table", table),
		zap.String("owner", owner.String()),
		zap.Stringer("op", ev.Op),
		zap.Any("id", ev.ID),
		zap.Strings("changed", ev.Changed))

	if a.inv == nil {
		return nil
	}
	if err := a.inv.Invalidate(ctx, ev); err != nil {
		return fmt.Errorf("failed to invalidate %s change of %s: %w", ev.Op, table, err)
	}
	return nil
}

// value returns the after image value of column, falling back to the before
// image
func (ev *Event) value(column string) interface{} {
	column = strutil.ComparableIdentifier(column)
	if v, ok := ev.After[column]; ok && v != nil {
		return v
	}
	return ev.Before[column]
}

// IsChanged reports whether column is listed in Changed
func (ev *Event) IsChanged(column string) bool {
	column = strutil.ComparableIdentifier(column)
	for _, c := range ev.Changed {
		if c == column {
			return true
		}
	}
	return false
}

func normalize(image map[string]interface{}) map[string]interface{} {
	if image == nil {
		return nil
	}
	out := make(map[string]interface{}, len(image))
	for k, v := range image {
		out[strutil.ComparableIdentifier(k)] = v
	}
	return out
}

func changedColumns(before, after map[string]interface{}) []string {
	var out []string
	switch {
	case before == nil:
		for k := range after {
			out = append(out, k)
		}
	case after == nil:
		for k := range before {
			out = append(out, k)
		}
	default:
		for k, v := range after {
			if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
				out = append(out, k)
			}
		}
		for k := range before {
			if _, ok := after[k]; !ok {
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// entityAffected lists, for every changed foreign key, the owning property
// of the changed row and the inverse collections of the old and new targets
func entityAffected(g *graph.Graph, ev *Event) []Affected {
	var out []Affected
	for _, p := range ev.Type.Associations() {
		if !p.OwnsForeignKey() || p.Remote || !ev.IsChanged(p.ColumnName()) {
			continue
		}
		if ev.ID != nil {
			out = append(out, Affected{Prop: p, ID: ev.ID})
		}
		column := strutil.ComparableIdentifier(p.ColumnName())
		for _, fk := range distinct(ev.Before[column], ev.After[column]) {
			for _, inv := range g.InverseProps(p) {
				out = append(out, Affected{Prop: inv, ID: fk})
			}
		}
	}
	return out
}

// associationAffected lists both directions of a join table row
func associationAffected(g *graph.Graph, a *meta.AssociationType, ev *Event) []Affected {
	var out []Affected
	if source := ev.value(a.JoinColumn()); source != nil {
		out = append(out, Affected{Prop: a.Prop, ID: source})
	}
	if target := ev.value(a.InverseJoinColumn()); target != nil {
		for _, inv := range g.InverseProps(a.Prop) {
			out = append(out, Affected{Prop: inv, ID: target})
		}
	}
	return out
}

func distinct(values ...interface{}) []interface{} {
	var out []interface{}
	for _, v := range values {
		if v == nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if reflect.DeepEqual(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
