// Package graph builds the immutable entity metadata graph: derived and
// implementation types, back-reference properties and the table identity index.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/conduit-lang/cascade/internal/orm/meta"
)

// TypeInfo holds the derived metadata of one managed type
type TypeInfo struct {
	Type *meta.Type

	// ImplementationTypes is set for mapped superclasses
	ImplementationTypes []*meta.Type
	// DirectDerivedTypes and AllDerivedTypes are set for entities
	DirectDerivedTypes []*meta.Type
	AllDerivedTypes    []*meta.Type

	// BackProps are the non-remote associations targeting this type, sorted by
	// their textual key
	BackProps []*meta.Property
}

// Graph is an immutable snapshot. A new graph is built for every reload.
type Graph struct {
	entities []*meta.Type
	types    []*meta.Type
	infos    map[*meta.Type]*TypeInfo
	byName   map[string]*meta.Type
	naming   meta.NamingStrategy

	tables sync.Map // strategy name -> *tableIndex
	group  singleflight.Group
}

// Option configures Build
type Option func(*options)

type options struct {
	naming meta.NamingStrategy
}

// WithNamingStrategy sets the default strategy whose table index is built
// eagerly, so collisions fail the build
func WithNamingStrategy(s meta.NamingStrategy) Option {
	return func(o *options) {
		o.naming = s
	}
}

// Build constructs a graph from explicitly registered entity types
func Build(entities []*meta.Type, opts ...Option) (*Graph, error) {
	o := options{naming: meta.DefaultNaming}
	for _, opt := range opts {
		opt(&o)
	}

	g := &Graph{
		infos:  make(map[*meta.Type]*TypeInfo),
		byName: make(map[string]*meta.Type),
		naming: o.naming,
	}

	for _, t := range entities {
		if !t.IsEntity() {
			return nil, fmt.Errorf("%w: %s", ErrNotEntity, t.Name())
		}
		if existing, ok := g.byName[t.Name()]; ok {
			if existing == t {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, t.Name())
		}
		g.entities = append(g.entities, t)
		g.add(t)
	}

	// Close the working set over persistent ancestors
	for _, t := range g.entities {
		for s := t.Super(); s != nil && s.Kind() != meta.Plain; s = s.Super() {
			if existing, ok := g.byName[s.Name()]; ok {
				if existing != s {
					return nil, fmt.Errorf("%w: %s", ErrDuplicateType, s.Name())
				}
				continue
			}
			g.add(s)
		}
	}

	sort.Slice(g.types, func(i, j int) bool {
		return g.types[i].Name() < g.types[j].Name()
	})

	for _, t := range g.types {
		info := g.infos[t]
		if t.IsMappedSuperclass() {
			for _, other := range g.types {
				if isImplementationType(t, other) {
					info.ImplementationTypes = append(info.ImplementationTypes, other)
				}
			}
			continue
		}
		for _, other := range g.types {
			if other == t || !other.IsEntity() || !t.IsAssignableFrom(other) {
				continue
			}
			info.AllDerivedTypes = append(info.AllDerivedTypes, other)
			if other.Super() == t {
				info.DirectDerivedTypes = append(info.DirectDerivedTypes, other)
			}
		}
	}

	for _, t := range g.types {
		if !t.IsEntity() {
			continue
		}
		for _, p := range t.Associations() {
			target, ok := g.byName[p.Target]
			if !ok || !target.IsEntity() {
				if p.Remote {
					continue
				}
				return nil, &UnresolvedTargetError{Prop: p, Target: p.Target}
			}
			if p.Remote {
				continue
			}
			info := g.infos[target]
			info.BackProps = append(info.BackProps, p)
		}
	}

	for _, info := range g.infos {
		sort.SliceStable(info.BackProps, func(i, j int) bool {
			return info.BackProps[i].String() < info.BackProps[j].String()
		})
	}

	if _, err := g.tableIndex(o.naming); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) add(t *meta.Type) {
	g.types = append(g.types, t)
	g.byName[t.Name()] = t
	g.infos[t] = &TypeInfo{Type: t}
}

// isImplementationType reports whether entity is an implementation of the
// mapped superclass: it derives from it and its own super is a mapped superclass
func isImplementationType(superclass, entity *meta.Type) bool {
	return entity.IsEntity() &&
		superclass.IsAssignableFrom(entity) &&
		entity.Super() != nil &&
		entity.Super().IsMappedSuperclass()
}

// Combine builds a graph from the union of the entity sets of several graphs
func Combine(graphs []*Graph, opts ...Option) (*Graph, error) {
	var entities []*meta.Type
	for _, g := range graphs {
		entities = append(entities, g.entities...)
	}
	return Build(entities, opts...)
}

// Info returns the metadata of a managed type. Lookup is by descriptor identity.
func (g *Graph) Info(t *meta.Type) (*TypeInfo, bool) {
	info, ok := g.infos[t]
	return info, ok
}

// TypeByName returns the managed type with the given qualified name
func (g *Graph) TypeByName(name string) (*meta.Type, bool) {
	t, ok := g.byName[name]
	return t, ok
}

// Target resolves the target type of an association property. It returns
// nil for scalars and unresolved remote targets.
func (g *Graph) Target(p *meta.Property) *meta.Type {
	if !p.IsAssociation() {
		return nil
	}
	return g.byName[p.Target]
}

// Entities returns the originally registered entity types
func (g *Graph) Entities() []*meta.Type {
	return g.entities
}

// Types returns every managed type, sorted by name
func (g *Graph) Types() []*meta.Type {
	return g.types
}

// ServiceTypes returns the managed types owned by the given micro-service
func (g *Graph) ServiceTypes(service string) []*meta.Type {
	var out []*meta.Type
	for _, t := range g.types {
		if t.Service() == service {
			out = append(out, t)
		}
	}
	return out
}

// NamingStrategy returns the default naming strategy of the graph
func (g *Graph) NamingStrategy() meta.NamingStrategy {
	return g.naming
}

// OwningProp returns the owning side of an inverse association, found among
// the back-references of the inverse property's declaring type
func (g *Graph) OwningProp(inverse *meta.Property) (*meta.Property, bool) {
	if !inverse.IsInverse() {
		return nil, false
	}
	info, ok := g.infos[inverse.DeclaringType()]
	if !ok {
		return nil, false
	}
	for _, bp := range info.BackProps {
		if bp.DeclaringType().Name() == inverse.Target && bp.Name == inverse.MappedBy {
			return bp, true
		}
	}
	return nil, false
}

// InverseProps returns the inverse associations declared against an owning
// property
func (g *Graph) InverseProps(owning *meta.Property) []*meta.Property {
	target := g.Target(owning)
	if target == nil {
		return nil
	}
	var out []*meta.Property
	for _, p := range target.Associations() {
		if p.MappedBy == owning.Name && p.Target == owning.DeclaringType().Name() {
			out = append(out, p)
		}
	}
	return out
}
