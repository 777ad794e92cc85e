package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

func loadBookstore(t *testing.T) *Catalog {
	t.Helper()
	cat, err := LoadCatalogFile(filepath.Join("testdata", "bookstore.yaml"))
	require.NoError(t, err)
	return cat
}

func propNames(t *meta.Type) []string {
	var names []string
	for _, p := range t.Props() {
		names = append(names, p.Name)
	}
	return names
}

func TestLoadCatalog(t *testing.T) {
	cat := loadBookstore(t)

	assert.Len(t, cat.Types(), 5)
	require.Len(t, cat.Entities(), 3)

	book, ok := cat.Type("example.Book")
	require.True(t, ok)
	assert.Equal(t, []string{"deletedInd", "tenant", "id", "name", "edition", "price", "store", "authors"}, propNames(book))
	require.NotNil(t, book.Tenant())
	require.NotNil(t, book.LogicalDeleted())
	assert.Equal(t, false, book.LogicalDeleted().RestoredValue)
	assert.Len(t, book.Keys(), 2)

	authors, _ := book.Prop("authors")
	assert.Equal(t, meta.ToManyJoin, authors.Multiplicity)
	require.NotNil(t, authors.JoinTable)
	assert.Equal(t, "book_author_mapping", authors.JoinTable.Name)

	g, err := graph.Build(cat.Entities())
	require.NoError(t, err)
	store, _ := cat.Type("example.BookStore")
	info, ok := g.Info(store)
	require.True(t, ok)
	assert.Len(t, info.BackProps, 1)
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown super",
			yaml: "types:\n  - name: a.A\n    super: a.Missing\n    id: id\n    props: [{name: id}]\n",
			want: "unknown type",
		},
		{
			name: "super cycle",
			yaml: "types:\n  - name: a.A\n    super: a.B\n    kind: mapped_superclass\n  - name: a.B\n    super: a.A\n    kind: mapped_superclass\n",
			want: "cyclic",
		},
		{
			name: "duplicate",
			yaml: "types:\n  - name: a.A\n    id: id\n    props: [{name: id}]\n  - name: a.A\n    id: id\n    props: [{name: id}]\n",
			want: "declared twice",
		},
		{
			name: "bad multiplicity",
			yaml: "types:\n  - name: a.A\n    id: id\n    props: [{name: id}, {name: x, multiplicity: many}]\n",
			want: "unknown multiplicity",
		},
		{
			name: "malformed",
			yaml: "types: [",
			want: "failed to parse catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReadEntityList(t *testing.T) {
	names, err := ReadEntityListFile(filepath.Join("testdata", "entities"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.Book", "example.BookStore", "example.Author"}, names)

	cat := loadBookstore(t)
	types, err := cat.Resolve(names)
	require.NoError(t, err)
	assert.Len(t, types, 3)

	_, err = cat.Resolve([]string{"example.Missing"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	catalog, err := os.ReadFile(filepath.Join("testdata", "bookstore.yaml"))
	require.NoError(t, err)
	catalogPath := filepath.Join(dir, "catalog.yaml")
	listPath := filepath.Join(dir, "entities")
	require.NoError(t, os.WriteFile(catalogPath, catalog, 0644))
	require.NoError(t, os.WriteFile(listPath, []byte("example.BookStore\nexample.Book\nexample.Author\n"), 0644))

	ctx := context.Background()
	c, err := reload.New(ctx, FileSource(catalogPath, listPath))
	require.NoError(t, err)
	assert.Len(t, c.Graph().Entities(), 3)

	// an unresolved target only fails once the list changes and a reload runs
	require.NoError(t, os.WriteFile(listPath, []byte("example.Book\n"), 0644))
	err = c.Reload(ctx)
	assert.ErrorIs(t, err, reload.ErrReloadFailed)
	assert.True(t, graph.IsUnresolvedTarget(err))
	assert.Len(t, c.Graph().Entities(), 3)

	all, err := FileSource(catalogPath, "")(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = FileSource(filepath.Join(dir, "missing.yaml"), "")(ctx)
	assert.Error(t, err)
}

func TestDecodeDrafts(t *testing.T) {
	cat := loadBookstore(t)
	book, _ := cat.Type("example.Book")
	author, _ := cat.Type("example.Author")

	input := `
type: example.Book
values:
  name: PL/SQL in Action
  edition: 2
  price: 10
  store: {values: {name: MANNING}}
  authors:
    - values: {firstName: "111111", lastName: aaaaa}
    - 7
---
type: example.Author
id: 9
values:
  firstName: Eve
clear: [books]
`
	drafts, err := DecodeDrafts(strings.NewReader(input), cat)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	d := drafts[0]
	assert.Equal(t, book, d.Type())
	v, ok := d.Get("edition")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.False(t, d.IsSet("tenant"))

	storeProp, _ := book.Prop("store")
	store := d.ToOne(storeProp)
	require.NotNil(t, store)
	name, _ := store.Get("name")
	assert.Equal(t, "MANNING", name)

	authorsProp, _ := book.Prop("authors")
	authors := d.ToMany(authorsProp)
	require.Len(t, authors, 2)
	assert.False(t, authors[0].IsReference())
	assert.True(t, authors[1].IsReference())
	id, _ := authors[1].ID()
	assert.Equal(t, 7, id)

	e := drafts[1]
	assert.Equal(t, author, e.Type())
	booksProp, _ := author.Prop("books")
	assert.True(t, e.IsCleared(booksProp))
	id, _ = e.ID()
	assert.Equal(t, 9, id)
}

func TestDecodeDrafts_Errors(t *testing.T) {
	cat := loadBookstore(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown type", "type: example.Nope\n", "unknown type"},
		{"unknown property", "type: example.Author\nvalues: {nickname: x}\n", "no property"},
		{"collection needs list", "type: example.Book\nvalues: {authors: 3}\n", "needs a list"},
		{"mapped superclass", "type: example.TenantAware\n", "not an entity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDrafts(strings.NewReader(tt.input), cat)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
