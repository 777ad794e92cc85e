package graph

import (
	"errors"
	"fmt"

	"github.com/conduit-lang/cascade/internal/orm/meta"
	strutil "github.com/conduit-lang/cascade/internal/util/strings"
)

// ErrUnknownTable is returned by MustTypeByTable when no type owns the table
var ErrUnknownTable = errors.New("graph: no type is mapped to table")

type tableKey struct {
	service string
	table   string
}

type tableIndex struct {
	owners map[tableKey]meta.TableOwner
}

// TypeByTable resolves the entity or association type stored in the given
// table under the given naming strategy. It returns nil when no type owns the
// table. The index for a strategy is built on first use and cached on this
// snapshot.
func (g *Graph) TypeByTable(strategy meta.NamingStrategy, service, table string) (meta.TableOwner, error) {
	idx, err := g.tableIndex(strategy)
	if err != nil {
		return nil, err
	}
	return idx.owners[tableKey{service: service, table: strutil.ComparableIdentifier(table)}], nil
}

// MustTypeByTable is like TypeByTable but fails with ErrUnknownTable instead of
// returning nil
func (g *Graph) MustTypeByTable(strategy meta.NamingStrategy, service, table string) (meta.TableOwner, error) {
	owner, err := g.TypeByTable(strategy, service, table)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTable, table)
	}
	return owner, nil
}

// AssociationTypes returns the join table types of the graph
func (g *Graph) AssociationTypes() []*meta.AssociationType {
	var out []*meta.AssociationType
	for _, t := range g.types {
		if !t.IsEntity() {
			continue
		}
		for _, p := range t.Associations() {
			if p.Multiplicity == meta.ToManyJoin && !p.IsInverse() {
				out = append(out, meta.NewAssociationType(t, p, g.Target(p)))
			}
		}
	}
	return out
}

// Tables lists the normalized table names known to the strategy, with owners
func (g *Graph) Tables(strategy meta.NamingStrategy) (map[string]meta.TableOwner, error) {
	idx, err := g.tableIndex(strategy)
	if err != nil {
		return nil, err
	}
	out := make(map[string]meta.TableOwner, len(idx.owners))
	for k, v := range idx.owners {
		name := k.table
		if k.service != "" {
			name = k.service + ":" + name
		}
		out[name] = v
	}
	return out, nil
}

func (g *Graph) tableIndex(strategy meta.NamingStrategy) (*tableIndex, error) {
	key := strategy.Name()
	if v, ok := g.tables.Load(key); ok {
		return v.(*tableIndex), nil
	}

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		if v, ok := g.tables.Load(key); ok {
			return v, nil
		}
		idx, err := g.buildTableIndex(strategy)
		if err != nil {
			return nil, err
		}
		actual, _ := g.tables.LoadOrStore(key, idx)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tableIndex), nil
}

func (g *Graph) buildTableIndex(strategy meta.NamingStrategy) (*tableIndex, error) {
	idx := &tableIndex{owners: make(map[tableKey]meta.TableOwner)}

	register := func(owner meta.TableOwner) error {
		table := owner.TableName(strategy)
		key := tableKey{service: owner.Service(), table: strutil.ComparableIdentifier(table)}
		existing, ok := idx.owners[key]
		if !ok {
			idx.owners[key] = owner
			return nil
		}
		first, second := existing, owner
		if second.String() < first.String() {
			first, second = second, first
		}
		return &TableCollisionError{Service: key.service, Table: table, First: first, Second: second}
	}

	for _, t := range g.types {
		if !t.IsEntity() {
			continue
		}
		if err := register(t); err != nil {
			return nil, err
		}
	}
	for _, a := range g.AssociationTypes() {
		if err := register(a); err != nil {
			return nil, err
		}
	}

	return idx, nil
}
