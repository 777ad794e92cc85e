package cascade

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/cascade/internal/orm/draft"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/meta/metatest"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

func newPlanner(t *testing.T, types ...*meta.Type) *Planner {
	t.Helper()
	c, err := reload.New(context.Background(), reload.Static(types...))
	require.NoError(t, err)
	return NewPlanner(c, zaptest.NewLogger(t))
}

// summary renders nodes as "ACTION Type" or "ACTION Type via prop"
func summary(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		s := fmt.Sprintf("%s %s", n.Action, n.Type.ShortName())
		if n.Link != nil {
			s += " link " + n.Link.Table
		}
		if n.All {
			s += " all"
		}
		out[i] = s
	}
	return out
}

type fakeReader struct {
	resolved map[string]interface{}
	linked   map[string][]interface{}
	children map[string][]interface{}
}

func (r *fakeReader) ResolveID(_ context.Context, d *draft.Draft) (interface{}, bool, error) {
	key, _ := identityKey(d)
	id, ok := r.resolved[key]
	return id, ok, nil
}

func (r *fakeReader) LinkedIDs(_ context.Context, link *Link, ownerID interface{}) ([]interface{}, error) {
	return r.linked[fmt.Sprintf("%s:%v", link.Table, ownerID)], nil
}

func (r *fakeReader) ChildIDs(_ context.Context, fk *ForeignKey, parentID interface{}) ([]interface{}, error) {
	return r.children[fmt.Sprintf("%s.%s:%v", fk.Table, fk.Column, parentID)], nil
}

func TestPlan_BookWithNewAuthor(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	author := draft.New(m.Author).Set("firstName", "111111").Set("lastName", "aaaaa").Set("gender", "FEMALE")
	book := draft.New(m.Book).
		Set("name", "PL/SQL in Action").
		Set("edition", 2).
		Set("price", 10).
		Add("authors", author)

	nodes, err := p.Plan(context.Background(), book, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INSERT Author",
		"UPSERT_BY_KEY Book",
		"ATTACH Author link book_author_mapping",
	}, summary(nodes))

	link := nodes[2]
	assert.Same(t, book, link.Parent)
	assert.Same(t, author, link.Draft)
	assert.Equal(t, "book_id", link.Link.OwnerColumn)
	assert.Equal(t, "author_id", link.Link.TargetColumn)
	assert.Equal(t, "book", nodes[1].Table)
	for i, n := range nodes {
		assert.Equal(t, i, n.Index)
	}
}

func TestPlan_OwnedReferencesComeFirst(t *testing.T) {
	m := metatest.NewBookstore()
	review := meta.MustNewType(meta.Definition{
		Name: "example.Review", Kind: meta.Entity, ID: "id",
		Props: []meta.Property{
			{Name: "id"},
			{Name: "text"},
			{Name: "book", Multiplicity: meta.ToOne, Target: "example.Book"},
			{Name: "reviewer", Multiplicity: meta.ToOne, Target: "example.Author"},
		},
	})
	p := newPlanner(t, append(m.Entities(), review)...)

	d := draft.New(review).
		Set("text", "great").
		Set("book", draft.New(m.Book).Set("name", "Go").Set("edition", 1)).
		Set("reviewer", draft.New(m.Author).Set("firstName", "Kim"))

	nodes, err := p.Plan(context.Background(), d, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_KEY Book", "INSERT Author", "INSERT Review"}, summary(nodes))
	assert.Nil(t, nodes[0].ForeignKey)
}

func TestPlan_ChildrenHoldingParentKeyComeAfter(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	b1 := draft.New(m.Book).Set("name", "A").Set("edition", 1)
	b2 := draft.New(m.Book).Set("name", "B").Set("edition", 1)
	store := draft.New(m.BookStore).Set("name", "MANNING").Set("books", []*draft.Draft{b1, b2})

	nodes, err := p.Plan(context.Background(), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_KEY BookStore", "UPSERT_BY_KEY Book", "UPSERT_BY_KEY Book"}, summary(nodes))

	for _, n := range nodes[1:] {
		require.NotNil(t, n.ForeignKey)
		assert.Equal(t, "book", n.ForeignKey.Table)
		assert.Equal(t, "store_id", n.ForeignKey.Column)
		assert.True(t, n.ForeignKey.Nullable)
		assert.Same(t, store, n.Parent)
	}
}

func TestPlan_ReferencesOnlyAttach(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	book := draft.New(m.Book).
		SetID(int64(10)).
		Set("price", 80).
		Set("store", draft.Ref(m.BookStore, int64(2))).
		Add("authors", draft.Ref(m.Author, int64(3)))

	nodes, err := p.Plan(context.Background(), book, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ATTACH BookStore",
		"UPSERT_BY_ID Book",
		"ATTACH Author link book_author_mapping",
	}, summary(nodes))
	assert.Nil(t, nodes[0].Link)
	assert.Nil(t, nodes[0].ForeignKey)

	store := draft.New(m.BookStore).SetID(int64(2)).Add("books", draft.Ref(m.Book, int64(10)))
	nodes, err = p.Plan(context.Background(), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_ID BookStore", "ATTACH Book"}, summary(nodes))
	assert.Nil(t, nodes[0].Parent)

	nodes, err = p.Plan(context.Background(), draft.Ref(m.Author, int64(3)), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ATTACH Author"}, summary(nodes))
	assert.Nil(t, nodes[0].Parent, "id-only root")
	require.NotNil(t, nodes[1].ForeignKey)
	assert.Equal(t, "store_id", nodes[1].ForeignKey.Column)
}

func TestPlan_IncompleteObject(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	book := draft.New(m.Book).Set("name", "Half a key")
	nodes, err := p.Plan(context.Background(), book, Options{})
	require.Error(t, err)
	assert.Nil(t, nodes)
	assert.True(t, IsIncompleteObject(err))

	var incomplete *IncompleteObjectError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "edition", incomplete.Prop.Name)

	// Nested drafts are checked too
	store := draft.New(m.BookStore).Set("name", "X").Add("books", draft.New(m.Book).Set("edition", 1))
	_, err = p.Plan(context.Background(), store, Options{})
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "name", incomplete.Prop.Name)
}

func TestPlan_AssignedIDRequired(t *testing.T) {
	country := meta.MustNewType(meta.Definition{
		Name: "geo.Country", Kind: meta.Entity, ID: "code", IDGeneration: meta.Assigned,
		Props: []meta.Property{{Name: "code"}, {Name: "name"}},
	})
	p := newPlanner(t, country)

	_, err := p.Plan(context.Background(), draft.New(country).Set("name", "Norway"), Options{})
	var incomplete *IncompleteObjectError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "code", incomplete.Prop.Name)
	assert.Contains(t, err.Error(), "not generated")

	nodes, err := p.Plan(context.Background(), draft.New(country).SetID("NO").Set("name", "Norway"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_ID Country"}, summary(nodes))
}

func TestPlan_UnmanagedType(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	other := metatest.NewBookstore()
	_, err := p.Plan(context.Background(), draft.New(other.Author).Set("firstName", "X"), Options{})
	assert.True(t, reload.IsUnmanagedType(err))
}

func TestPlan_CyclicOwnedKeys(t *testing.T) {
	a := meta.MustNewType(meta.Definition{
		Name: "cyc.A", Kind: meta.Entity, ID: "id",
		Props: []meta.Property{{Name: "id"}, {Name: "b", Multiplicity: meta.ToOne, Target: "cyc.B"}},
	})
	b := meta.MustNewType(meta.Definition{
		Name: "cyc.B", Kind: meta.Entity, ID: "id",
		Props: []meta.Property{{Name: "id"}, {Name: "a", Multiplicity: meta.ToOne, Target: "cyc.A"}},
	})
	p := newPlanner(t, a, b)

	da := draft.New(a)
	db := draft.New(b).Set("a", da)
	da.Set("b", db)

	_, err := p.Plan(context.Background(), da, Options{})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestPlan_CycleThroughInverseIsPlannedOnce(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	store := draft.New(m.BookStore).Set("name", "MANNING")
	book := draft.New(m.Book).Set("name", "Go").Set("edition", 1).Set("store", store)
	store.Add("books", book)

	nodes, err := p.Plan(context.Background(), book, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_KEY BookStore", "UPSERT_BY_KEY Book"}, summary(nodes))
}

func TestPlan_SecondVisitAttaches(t *testing.T) {
	t.Run("same collection twice", func(t *testing.T) {
		m := metatest.NewBookstore()
		p := newPlanner(t, m.Entities()...)

		book := draft.New(m.Book).Set("name", "Go").Set("edition", 1)
		store := draft.New(m.BookStore).Set("name", "MANNING").Add("books", book, book)

		nodes, err := p.Plan(context.Background(), store, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{"UPSERT_BY_KEY BookStore", "UPSERT_BY_KEY Book", "ATTACH Book"}, summary(nodes))
		assert.Same(t, book, nodes[2].Draft)
		assert.Same(t, store, nodes[2].Parent)
		// the row node already wrote the foreign key
		assert.Nil(t, nodes[2].ForeignKey)
	})

	t.Run("reached through another parent", func(t *testing.T) {
		m := metatest.NewBookstore()
		p := newPlanner(t, m.Entities()...)

		shared := draft.New(m.Book).Set("name", "Go").Set("edition", 1)
		store := draft.New(m.BookStore).Set("name", "MANNING").Add("books", shared)
		other := draft.New(m.Book).Set("name", "Rust").Set("edition", 1).Set("store", store)
		author := draft.New(m.Author).Set("firstName", "Ann").Add("books", shared, other)

		nodes, err := p.Plan(context.Background(), author, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"UPSERT_BY_KEY Book",
			"UPSERT_BY_KEY BookStore",
			"ATTACH Book",
			"UPSERT_BY_KEY Book",
			"INSERT Author",
			"ATTACH Book link book_author_mapping",
			"ATTACH Book link book_author_mapping",
		}, summary(nodes))

		attach := nodes[2]
		assert.Same(t, shared, attach.Draft)
		assert.Same(t, store, attach.Parent)
		require.NotNil(t, attach.ForeignKey)
		assert.Equal(t, "store_id", attach.ForeignKey.Column)
	})
}

func TestPlan_DuplicateIdentity(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	a1 := draft.New(m.Author).SetID(int64(1)).Set("firstName", "Ann")
	a2 := draft.New(m.Author).SetID(int64(1)).Set("firstName", "Ann")
	book := draft.New(m.Book).SetID(int64(5)).Set("name", "Go").Set("authors", []*draft.Draft{a1, a2})

	nodes, err := p.Plan(context.Background(), book, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UPSERT_BY_ID Author",
		"ATTACH Author",
		"UPSERT_BY_ID Book",
		"ATTACH Author link book_author_mapping",
	}, summary(nodes))
	assert.Same(t, a1, nodes[1].Alias)
}

func TestPlan_ClearedCollection(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	store := draft.New(m.BookStore).SetID(int64(1)).Clear("books")
	nodes, err := p.Plan(context.Background(), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_ID BookStore", "DETACH Book all"}, summary(nodes))
	assert.Equal(t, "store_id", nodes[1].ForeignKey.Column)

	author := draft.New(m.Author).SetID(int64(3)).Clear("books")
	nodes, err = p.Plan(context.Background(), author, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_ID Author", "DETACH Book link book_author_mapping all"}, summary(nodes))
	assert.Equal(t, "author_id", nodes[1].Link.OwnerColumn)
	assert.Equal(t, "book_id", nodes[1].Link.TargetColumn)
}

func TestPlan_AutoAttachDetachesStaleMembers(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	kept := draft.Ref(m.Book, int64(10))
	fresh := draft.New(m.Book).Set("name", "New").Set("edition", 1)
	store := draft.New(m.BookStore).Set("name", "MANNING").Set("books", []*draft.Draft{kept, fresh})

	reader := &fakeReader{
		resolved: map[string]interface{}{"example.BookStore#key:MANNING": int64(1)},
		children: map[string][]interface{}{"book.store_id:1": {int64(10), int64(11)}},
	}

	nodes, err := p.Plan(context.Background(), store, Options{AutoAttachAll: true, Reader: reader})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UPSERT_BY_KEY BookStore",
		"DETACH Book",
		"ATTACH Book",
		"UPSERT_BY_KEY Book",
	}, summary(nodes))

	id, _ := nodes[1].Draft.ID()
	assert.Equal(t, int64(11), id)

	_, err = p.Plan(context.Background(), store, Options{AutoAttachAll: true})
	assert.ErrorIs(t, err, ErrReaderRequired)
}

func TestPlan_AutoAttachJoinTable(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	book := draft.New(m.Book).SetID(int64(10)).Set("authors", []*draft.Draft{draft.Ref(m.Author, int64(1))})
	reader := &fakeReader{
		linked: map[string][]interface{}{"book_author_mapping:10": {int64(1), int64(2), int64(3)}},
	}

	nodes, err := p.Plan(context.Background(), book, Options{AutoAttachAll: true, Reader: reader})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"UPSERT_BY_ID Book",
		"DETACH Author link book_author_mapping",
		"DETACH Author link book_author_mapping",
		"ATTACH Author link book_author_mapping",
	}, summary(nodes))

	// A new parent has nothing stored to detach
	fresh := draft.New(m.Book).Set("name", "Go").Set("edition", 1).Add("authors", draft.Ref(m.Author, int64(1)))
	nodes, err = p.Plan(context.Background(), fresh, Options{AutoAttachAll: true, Reader: reader})
	require.NoError(t, err)
	assert.Equal(t, []string{"UPSERT_BY_KEY Book", "ATTACH Author link book_author_mapping"}, summary(nodes))
}

func TestPlan_TargetMismatch(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	book := draft.New(m.Book).Set("name", "Go").Set("edition", 1).Set("store", draft.New(m.Author).Set("firstName", "x"))
	_, err := p.Plan(context.Background(), book, Options{})
	assert.ErrorIs(t, err, ErrTargetMismatch)
}

type failingReader struct{ fakeReader }

func (failingReader) ChildIDs(context.Context, *ForeignKey, interface{}) ([]interface{}, error) {
	return nil, errors.New("connection reset")
}

func TestPlan_ReaderErrorsAreWrapped(t *testing.T) {
	m := metatest.NewBookstore()
	p := newPlanner(t, m.Entities()...)

	store := draft.New(m.BookStore).SetID(int64(1)).Set("books", []*draft.Draft{})
	_, err := p.Plan(context.Background(), store, Options{AutoAttachAll: true, Reader: &failingReader{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example.BookStore.books")
	assert.Contains(t, err.Error(), "connection reset")
}
