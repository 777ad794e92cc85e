// Package cascade turns a draft tree into an ordered list of save nodes.
// Rows whose identifier is needed by a foreign key are planned before the
// rows holding that key.
package cascade

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// Metadata resolves managed types. It is implemented by reload.Coordinator.
type Metadata interface {
	Lookup(ctx context.Context, t *meta.Type) (*graph.TypeInfo, error)
	Graph() *graph.Graph
}

// Reader reads the stored state needed to diff collections in auto-attach mode.
// It never writes.
type Reader interface {
	// ResolveID finds the stored identifier of d by id or natural key
	ResolveID(ctx context.Context, d *draft.Draft) (interface{}, bool, error)
	// LinkedIDs returns the target identifiers linked to ownerID
	LinkedIDs(ctx context.Context, link *Link, ownerID interface{}) ([]interface{}, error)
	// ChildIDs returns the identifiers of child rows referencing parentID
	ChildIDs(ctx context.Context, fk *ForeignKey, parentID interface{}) ([]interface{}, error)
}

// Options configure one planning pass
type Options struct {
	// AutoAttachAll detaches stored collection members absent from the draft
	AutoAttachAll bool
	Reader        Reader
}

// Planner builds save plans
type Planner struct {
	meta   Metadata
	logger *zap.Logger
}

// NewPlanner creates a planner
func NewPlanner(m Metadata, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{meta: m, logger: logger}
}

// Plan returns the nodes for saving root, in execution order. It performs no
// writes; planning errors leave storage untouched.
func (p *Planner) Plan(ctx context.Context, root *draft.Draft, opts Options) ([]*Node, error) {
	if opts.AutoAttachAll && opts.Reader == nil {
		return nil, ErrReaderRequired
	}

	// The lookup may reload the graph, so take the snapshot afterwards
	if _, err := p.meta.Lookup(ctx, root.Type()); err != nil {
		return nil, err
	}
	g := p.meta.Graph()

	pl := &planning{
		ctx:        ctx,
		meta:       p.meta,
		graph:      g,
		naming:     g.NamingStrategy(),
		opts:       opts,
		visited:    make(map[*draft.Draft]bool),
		emitted:    make(map[*draft.Draft]bool),
		rows:       make(map[*draft.Draft]*Node),
		identities: make(map[string]*draft.Draft),
	}
	if err := pl.visit(root, nil, nil, nil); err != nil {
		return nil, err
	}

	for i, n := range pl.nodes {
		n.Index = i
	}
	p.logger.Debug("save plan built", zap.String("root", root.Type().Name()), zap.Int("nodes", len(pl.nodes)))
	return pl.nodes, nil
}

type planning struct {
	ctx    context.Context
	meta   Metadata
	graph  *graph.Graph
	naming meta.NamingStrategy
	opts   Options

	nodes      []*Node
	visited    map[*draft.Draft]bool
	emitted    map[*draft.Draft]bool
	rows       map[*draft.Draft]*Node
	identities map[string]*draft.Draft
}

func (pl *planning) emit(n *Node) {
	if n.Table == "" && n.Type != nil {
		n.Table = n.Type.TableName(pl.naming)
	}
	pl.nodes = append(pl.nodes, n)
}

// visit plans the row of d and everything reachable from it
func (pl *planning) visit(d *draft.Draft, parent *draft.Draft, prop *meta.Property, fk *ForeignKey) error {
	t := d.Type()
	if _, err := pl.meta.Lookup(pl.ctx, t); err != nil {
		return err
	}
	if pl.visited[d] {
		pl.revisit(d, parent, prop, fk)
		return nil
	}
	pl.visited[d] = true

	key, hasKey := identityKey(d)
	if hasKey {
		if first, ok := pl.identities[key]; ok {
			pl.emit(&Node{Action: Attach, Type: t, Draft: d, Alias: first, Parent: parent, Prop: prop, ForeignKey: fk})
			pl.emitted[d] = true
			return nil
		}
	}

	action, err := classify(d)
	if err != nil {
		return err
	}
	if action == Attach {
		pl.emit(&Node{Action: Attach, Type: t, Draft: d, Parent: parent, Prop: prop, ForeignKey: fk})
		pl.emitted[d] = true
		return nil
	}
	if hasKey {
		pl.identities[key] = d
	}

	associations := t.Associations()

	// Targets whose identifier this row or its links need come first
	for _, q := range associations {
		if !d.Has(q) || q.Remote {
			continue
		}
		switch {
		case q.OwnsForeignKey():
			child := d.ToOne(q)
			if child == nil {
				continue
			}
			if err := pl.checkTarget(q, child); err != nil {
				return err
			}
			if child.IsReference() {
				// The owner row carries the foreign key
				pl.emit(&Node{Action: Attach, Type: child.Type(), Draft: child, Parent: d, Prop: q})
				pl.emitted[child] = true
				continue
			}
			if pl.visited[child] && !pl.emitted[child] {
				if _, ok := child.ID(); !ok {
					return fmt.Errorf("%w: %s", ErrCyclicDependency, q)
				}
			}
			if err := pl.visit(child, d, q, nil); err != nil {
				return err
			}
		case q.Multiplicity == meta.ToManyJoin:
			for _, child := range d.ToMany(q) {
				if err := pl.checkTarget(q, child); err != nil {
					return err
				}
				if child.IsReference() {
					continue
				}
				if err := pl.visit(child, d, q, nil); err != nil {
					return err
				}
			}
		}
	}

	row := &Node{Action: action, Type: t, Draft: d, Parent: parent, Prop: prop, ForeignKey: fk}
	pl.emit(row)
	pl.emitted[d] = true
	pl.rows[d] = row

	for _, q := range associations {
		if !d.Has(q) || q.Remote || q.OwnsForeignKey() {
			continue
		}
		if err := pl.detach(d, action, q); err != nil {
			return err
		}
	}

	for _, q := range associations {
		if !d.Has(q) || q.Remote || q.OwnsForeignKey() {
			continue
		}

		if q.Multiplicity == meta.ToManyJoin {
			link, err := pl.link(q)
			if err != nil {
				return err
			}
			linked := make(map[string]bool)
			for _, child := range d.ToMany(q) {
				if key, ok := identityKey(child); ok {
					if linked[key] {
						continue
					}
					linked[key] = true
				}
				pl.emit(&Node{Action: Attach, Type: child.Type(), Draft: child, Parent: d, Prop: q, Link: link})
				if child.IsReference() {
					pl.emitted[child] = true
				}
			}
			continue
		}

		childFK, err := pl.foreignKey(q)
		if err != nil {
			return err
		}
		var children []*draft.Draft
		if q.IsToMany() {
			children = d.ToMany(q)
		} else if child := d.ToOne(q); child != nil {
			children = []*draft.Draft{child}
		}
		for _, child := range children {
			if err := pl.checkTarget(q, child); err != nil {
				return err
			}
			if child.IsReference() {
				pl.emit(&Node{Action: Attach, Type: child.Type(), Draft: child, Parent: d, Prop: q, ForeignKey: childFK})
				pl.emitted[child] = true
				continue
			}
			if err := pl.visit(child, d, q, childFK); err != nil {
				return err
			}
		}
	}

	return nil
}

// revisit attaches a draft reached again to the row already planned for it.
// A draft still being planned is part of a cycle and gets no node; join
// table members are linked by their parent.
func (pl *planning) revisit(d *draft.Draft, parent *draft.Draft, prop *meta.Property, fk *ForeignKey) {
	first, ok := pl.rows[d]
	if !ok || parent == nil || (prop != nil && prop.Multiplicity == meta.ToManyJoin) {
		return
	}
	n := &Node{Action: Attach, Type: d.Type(), Draft: d, Parent: parent, Prop: prop}
	if fk != nil && (first.Parent != parent || first.Prop != prop) {
		n.ForeignKey = fk
	}
	pl.emit(n)
}

// detach emits the nodes removing stored members of collection q
func (pl *planning) detach(d *draft.Draft, action Action, q *meta.Property) error {
	target := pl.graph.Target(q)
	if target == nil {
		return nil
	}

	var link *Link
	var fk *ForeignKey
	var err error
	if q.Multiplicity == meta.ToManyJoin {
		link, err = pl.link(q)
	} else {
		fk, err = pl.foreignKey(q)
	}
	if err != nil {
		return err
	}

	if d.IsCleared(q) {
		pl.emit(&Node{Action: Detach, Type: target, Parent: d, Prop: q, Link: link, ForeignKey: fk, All: true})
		return nil
	}
	if !pl.opts.AutoAttachAll || !q.IsToMany() || action == Insert {
		return nil
	}

	parentID, found, err := pl.storedID(d)
	if err != nil || !found {
		return err
	}

	var stored []interface{}
	if link != nil {
		stored, err = pl.opts.Reader.LinkedIDs(pl.ctx, link, parentID)
	} else {
		stored, err = pl.opts.Reader.ChildIDs(pl.ctx, fk, parentID)
	}
	if err != nil {
		return fmt.Errorf("failed to read current members of %s: %w", q, err)
	}

	keep := make(map[string]bool)
	for _, child := range d.ToMany(q) {
		id, found, err := pl.storedID(child)
		if err != nil {
			return err
		}
		if found {
			keep[fmt.Sprint(id)] = true
		}
	}

	for _, id := range stored {
		if keep[fmt.Sprint(id)] {
			continue
		}
		pl.emit(&Node{Action: Detach, Type: target, Draft: draft.Ref(target, id), Parent: d, Prop: q, Link: link, ForeignKey: fk})
	}
	return nil
}

// storedID returns the identifier of d if it exists in storage
func (pl *planning) storedID(d *draft.Draft) (interface{}, bool, error) {
	if id, ok := d.ID(); ok {
		return id, true, nil
	}
	if !hasCompleteKey(d) {
		return nil, false, nil
	}
	id, found, err := pl.opts.Reader.ResolveID(pl.ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve %s: %w", d, err)
	}
	return id, found, nil
}

func (pl *planning) checkTarget(q *meta.Property, child *draft.Draft) error {
	if child == nil {
		return nil
	}
	target := pl.graph.Target(q)
	if target == nil || !target.IsAssignableFrom(child.Type()) {
		return fmt.Errorf("%w: %s expects %s, got %s", ErrTargetMismatch, q, q.Target, child.Type().Name())
	}
	return nil
}

// link resolves the join table of q, oriented from q's declaring type
func (pl *planning) link(q *meta.Property) (*Link, error) {
	owning := q
	if q.IsInverse() {
		var ok bool
		if owning, ok = pl.graph.OwningProp(q); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedMappedBy, q)
		}
	}

	assoc := meta.NewAssociationType(owning.DeclaringType(), owning, pl.graph.Target(owning))
	link := &Link{
		Table:        assoc.TableName(pl.naming),
		OwnerColumn:  assoc.JoinColumn(),
		TargetColumn: assoc.InverseJoinColumn(),
	}
	if q.IsInverse() {
		link.OwnerColumn, link.TargetColumn = link.TargetColumn, link.OwnerColumn
	}
	return link, nil
}

// foreignKey resolves the child column of a foreign-key collection or inverse
// to-one association
func (pl *planning) foreignKey(q *meta.Property) (*ForeignKey, error) {
	child := pl.graph.Target(q)
	if child == nil {
		return nil, fmt.Errorf("%w: %s expects %s", ErrTargetMismatch, q, q.Target)
	}

	fk := &ForeignKey{
		Table:        child.TableName(pl.naming),
		Column:       q.ForeignKey,
		Nullable:     q.Nullable,
		OnDissociate: q.OnDissociate,
		Child:        child,
	}
	if q.IsInverse() {
		owning, ok := pl.graph.OwningProp(q)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedMappedBy, q)
		}
		fk.Column = owning.ColumnName()
		fk.Nullable = owning.Nullable
	}
	return fk, nil
}

// classify decides the row action of a draft
func classify(d *draft.Draft) (Action, error) {
	t := d.Type()
	if _, ok := d.ID(); ok {
		if d.IsReference() {
			return Attach, nil
		}
		return UpsertByID, nil
	}

	if keys := t.Keys(); len(keys) > 0 {
		for _, k := range keys {
			if !d.Has(k) {
				return 0, &IncompleteObjectError{Type: t, Prop: k}
			}
		}
		return UpsertByKey, nil
	}

	if t.IDGeneration() == meta.Assigned {
		return 0, &IncompleteObjectError{Type: t, Prop: t.ID()}
	}
	return Insert, nil
}

func hasCompleteKey(d *draft.Draft) bool {
	keys := d.Type().Keys()
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !d.Has(k) {
			return false
		}
	}
	return true
}

// identityKey identifies a draft by type and identifier or natural key. Key
// values that are references use the referenced identifier.
func identityKey(d *draft.Draft) (string, bool) {
	t := d.Type()
	if id, ok := d.ID(); ok {
		return fmt.Sprintf("%s#id:%v", t.Name(), id), true
	}
	if !hasCompleteKey(d) {
		return "", false
	}
	parts := make([]string, 0, len(t.Keys()))
	for _, k := range t.Keys() {
		v := d.Value(k)
		if ref, ok := v.(*draft.Draft); ok {
			id, ok := ref.ID()
			if !ok {
				return "", false
			}
			v = id
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return t.Name() + "#key:" + strings.Join(parts, "|"), true
}
