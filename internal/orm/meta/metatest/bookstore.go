// Package metatest provides the bookstore model used across the orm tests.
package metatest

import "github.com/conduit-lang/cascade/internal/orm/meta"

// Bookstore holds one freshly built set of bookstore descriptors
type Bookstore struct {
	BaseEntity  *meta.Type
	TenantAware *meta.Type
	BookStore   *meta.Type
	Book        *meta.Type
	Author      *meta.Type
}

// NewBookstore builds the model:
//
//	BaseEntity (mapped superclass, logical delete on deletedInd)
//	  TenantAware (mapped superclass, tenant)
//	    Book (key name+edition, store to-one, authors via book_author_mapping)
//	BookStore (key name, books mapped by Book.store)
//	Author (no key, books mapped by Book.authors)
func NewBookstore() *Bookstore {
	m := &Bookstore{}

	m.BaseEntity = meta.MustNewType(meta.Definition{
		Name: "example.BaseEntity",
		Kind: meta.MappedSuperclass,
		Props: []meta.Property{
			{Name: "deletedInd", Column: "deleted_ind"},
		},
		LogicalDeleted: &meta.LogicalDeleted{Prop: "deletedInd", DeletedValue: true, RestoredValue: false},
	})

	m.TenantAware = meta.MustNewType(meta.Definition{
		Name:   "example.TenantAware",
		Kind:   meta.MappedSuperclass,
		Super:  m.BaseEntity,
		Tenant: "tenant",
		Props: []meta.Property{
			{Name: "tenant"},
		},
	})

	m.BookStore = meta.MustNewType(meta.Definition{
		Name: "example.BookStore",
		Kind: meta.Entity,
		ID:   "id",
		Keys: []string{"name"},
		Props: []meta.Property{
			{Name: "id"},
			{Name: "name"},
			{Name: "website", Nullable: true},
			{Name: "books", Multiplicity: meta.ToManyFK, Target: "example.Book", MappedBy: "store"},
		},
	})

	m.Book = meta.MustNewType(meta.Definition{
		Name:  "example.Book",
		Kind:  meta.Entity,
		Super: m.TenantAware,
		ID:    "id",
		Keys:  []string{"name", "edition"},
		Props: []meta.Property{
			{Name: "id"},
			{Name: "name"},
			{Name: "edition"},
			{Name: "price", Nullable: true},
			{Name: "store", Multiplicity: meta.ToOne, Target: "example.BookStore", Nullable: true},
			{
				Name:         "authors",
				Multiplicity: meta.ToManyJoin,
				Target:       "example.Author",
				JoinTable: &meta.JoinTable{
					Name:              "book_author_mapping",
					JoinColumn:        "book_id",
					InverseJoinColumn: "author_id",
				},
			},
		},
	})

	m.Author = meta.MustNewType(meta.Definition{
		Name: "example.Author",
		Kind: meta.Entity,
		ID:   "id",
		Props: []meta.Property{
			{Name: "id"},
			{Name: "firstName"},
			{Name: "lastName"},
			{Name: "gender"},
			{Name: "books", Multiplicity: meta.ToManyJoin, Target: "example.Book", MappedBy: "authors"},
		},
	})

	return m
}

// Entities returns the registrable entity types
func (m *Bookstore) Entities() []*meta.Type {
	return []*meta.Type{m.BookStore, m.Book, m.Author}
}
