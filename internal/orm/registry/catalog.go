// Package registry loads type descriptors from a YAML catalog and selects the
// registered entities from an entity list file.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conduit-lang/cascade/internal/orm/meta"
)

var (
	// ErrUnknownType is returned when a name matches no catalog type
	ErrUnknownType = errors.New("registry: unknown type")
	// ErrSuperCycle is returned when super types form a cycle
	ErrSuperCycle = errors.New("registry: cyclic super type declaration")
)

// PropertyDoc is the YAML form of meta.Property
type PropertyDoc struct {
	Name         string        `yaml:"name"`
	Column       string        `yaml:"column,omitempty"`
	Multiplicity string        `yaml:"multiplicity,omitempty"`
	Nullable     bool          `yaml:"nullable,omitempty"`
	Target       string        `yaml:"target,omitempty"`
	MappedBy     string        `yaml:"mappedBy,omitempty"`
	ForeignKey   string        `yaml:"foreignKey,omitempty"`
	JoinTable    *JoinTableDoc `yaml:"joinTable,omitempty"`
	Remote       bool          `yaml:"remote,omitempty"`
	OnDissociate string        `yaml:"onDissociate,omitempty"`
}

// JoinTableDoc is the YAML form of meta.JoinTable
type JoinTableDoc struct {
	Name              string `yaml:"name"`
	JoinColumn        string `yaml:"joinColumn,omitempty"`
	InverseJoinColumn string `yaml:"inverseJoinColumn,omitempty"`
}

// LogicalDeletedDoc is the YAML form of meta.LogicalDeleted
type LogicalDeletedDoc struct {
	Prop     string      `yaml:"prop"`
	Deleted  interface{} `yaml:"deleted"`
	Restored interface{} `yaml:"restored"`
}

// TypeDoc is the YAML form of meta.Definition
type TypeDoc struct {
	Name           string             `yaml:"name"`
	Kind           string             `yaml:"kind,omitempty"`
	Super          string             `yaml:"super,omitempty"`
	Service        string             `yaml:"service,omitempty"`
	Table          string             `yaml:"table,omitempty"`
	ID             string             `yaml:"id,omitempty"`
	IDGeneration   string             `yaml:"idGeneration,omitempty"`
	Keys           []string           `yaml:"keys,omitempty"`
	Version        string             `yaml:"version,omitempty"`
	Tenant         string             `yaml:"tenant,omitempty"`
	LogicalDeleted *LogicalDeletedDoc `yaml:"logicalDeleted,omitempty"`
	Props          []PropertyDoc      `yaml:"props"`
}

// Catalog holds the descriptors of one catalog file
type Catalog struct {
	types  []*meta.Type
	byName map[string]*meta.Type
}

// LoadCatalog reads a YAML catalog:
//
//	types:
//	  - name: example.Book
//	    super: example.TenantAware
//	    id: id
//	    keys: [name, edition]
//	    props:
//	      - name: store
//	        multiplicity: to_one
//	        target: example.BookStore
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var doc struct {
		Types []TypeDoc `yaml:"types"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	docs := make(map[string]*TypeDoc, len(doc.Types))
	for i := range doc.Types {
		td := &doc.Types[i]
		if _, dup := docs[td.Name]; dup {
			return nil, fmt.Errorf("registry: type %q is declared twice", td.Name)
		}
		docs[td.Name] = td
	}

	c := &Catalog{byName: make(map[string]*meta.Type, len(docs))}
	building := make(map[string]bool)
	var build func(name string) (*meta.Type, error)
	build = func(name string) (*meta.Type, error) {
		if t, ok := c.byName[name]; ok {
			return t, nil
		}
		td, ok := docs[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownType, name)
		}
		if building[name] {
			return nil, fmt.Errorf("%w at %q", ErrSuperCycle, name)
		}
		building[name] = true

		var super *meta.Type
		if td.Super != "" {
			var err error
			if super, err = build(td.Super); err != nil {
				return nil, err
			}
		}
		def, err := td.definition(super)
		if err != nil {
			return nil, err
		}
		t, err := meta.NewType(def)
		if err != nil {
			return nil, err
		}
		c.byName[name] = t
		c.types = append(c.types, t)
		return t, nil
	}

	for _, td := range doc.Types {
		if _, err := build(td.Name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalogFile reads a catalog from path
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

func (td *TypeDoc) definition(super *meta.Type) (meta.Definition, error) {
	kind, err := meta.ParseKind(td.Kind)
	if err != nil {
		return meta.Definition{}, fmt.Errorf("type %s: %w", td.Name, err)
	}
	gen, err := meta.ParseIDGeneration(td.IDGeneration)
	if err != nil {
		return meta.Definition{}, fmt.Errorf("type %s: %w", td.Name, err)
	}

	def := meta.Definition{
		Name:         td.Name,
		Kind:         kind,
		Super:        super,
		Service:      td.Service,
		Table:        td.Table,
		ID:           td.ID,
		IDGeneration: gen,
		Keys:         td.Keys,
		Version:      td.Version,
		Tenant:       td.Tenant,
	}
	if ld := td.LogicalDeleted; ld != nil {
		def.LogicalDeleted = &meta.LogicalDeleted{Prop: ld.Prop, DeletedValue: ld.Deleted, RestoredValue: ld.Restored}
	}

	for _, pd := range td.Props {
		m, err := meta.ParseMultiplicity(pd.Multiplicity)
		if err != nil {
			return meta.Definition{}, fmt.Errorf("property %s.%s: %w", td.Name, pd.Name, err)
		}
		action, err := meta.ParseDissociateAction(pd.OnDissociate)
		if err != nil {
			return meta.Definition{}, fmt.Errorf("property %s.%s: %w", td.Name, pd.Name, err)
		}
		p := meta.Property{
			Name:         pd.Name,
			Column:       pd.Column,
			Multiplicity: m,
			Nullable:     pd.Nullable,
			Target:       pd.Target,
			MappedBy:     pd.MappedBy,
			ForeignKey:   pd.ForeignKey,
			Remote:       pd.Remote,
			OnDissociate: action,
		}
		if jt := pd.JoinTable; jt != nil {
			p.JoinTable = &meta.JoinTable{Name: jt.Name, JoinColumn: jt.JoinColumn, InverseJoinColumn: jt.InverseJoinColumn}
		}
		def.Props = append(def.Props, p)
	}
	return def, nil
}

// Types returns every catalog type, supers before their subtypes
func (c *Catalog) Types() []*meta.Type {
	return c.types
}

// Type returns the named type
func (c *Catalog) Type(name string) (*meta.Type, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Entities returns the entity types in catalog order
func (c *Catalog) Entities() []*meta.Type {
	var out []*meta.Type
	for _, t := range c.types {
		if t.IsEntity() {
			out = append(out, t)
		}
	}
	return out
}

// Resolve returns the types named by an entity list
func (c *Catalog) Resolve(names []string) ([]*meta.Type, error) {
	out := make([]*meta.Type, 0, len(names))
	for _, name := range names {
		t, ok := c.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w %q in entity list", ErrUnknownType, name)
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadEntityList reads one qualified type name per line. Blank lines and
// lines starting with # are skipped; repeated names are kept once.
func ReadEntityList(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" || strings.HasPrefix(name, "#") || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity list: %w", err)
	}
	return names, nil
}

// ReadEntityListFile reads an entity list from path
func ReadEntityListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity list: %w", err)
	}
	defer f.Close()
	return ReadEntityList(f)
}
