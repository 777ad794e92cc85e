package binlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/cascade/internal/orm/meta/metatest"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

type recorder struct {
	events []*Event
}

func (r *recorder) Invalidate(_ context.Context, ev *Event) error {
	r.events = append(r.events, ev)
	return nil
}

func setupAcceptor(t *testing.T, inv Invalidator) (*Acceptor, *metatest.Bookstore) {
	t.Helper()
	m := metatest.NewBookstore()
	c, err := reload.New(context.Background(), reload.Static(m.Entities()...))
	require.NoError(t, err)
	return NewAcceptor(c, inv, WithLogger(zaptest.NewLogger(t))), m
}

func setupTestRedis(t *testing.T) (*RedisInvalidator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return NewRedisInvalidator(client, "cache:", zaptest.NewLogger(t)), mr
}

func affected(ev *Event) []string {
	var out []string
	for _, a := range ev.Affected {
		out = append(out, a.Prop.String()+":"+toString(a.ID))
	}
	return out
}

func toString(v interface{}) string {
	return fmt.Sprint(v)
}

func TestAccept_Insert(t *testing.T) {
	rec := &recorder{}
	a, m := setupAcceptor(t, rec)

	err := a.Accept(context.Background(), "book", nil, map[string]interface{}{
		"id": 1, "name": "GraphQL in Action", "edition": 1, "store_id": 5,
	})
	require.NoError(t, err)
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.Equal(t, Insert, ev.Op)
	assert.Same(t, m.Book, ev.Type)
	assert.Equal(t, 1, ev.ID)
	assert.Equal(t, []string{"edition", "id", "name", "store_id"}, ev.Changed)
	assert.Equal(t, []string{"example.Book.store:1", "example.BookStore.books:5"}, affected(ev))
}

func TestAccept_Update(t *testing.T) {
	t.Run("foreign key moved", func(t *testing.T) {
		rec := &recorder{}
		a, _ := setupAcceptor(t, rec)

		err := a.Accept(context.Background(), "BOOK",
			map[string]interface{}{"ID": 1, "PRICE": 10, "STORE_ID": 5},
			map[string]interface{}{"ID": 1, "PRICE": 10, "STORE_ID": 6})
		require.NoError(t, err)
		require.Len(t, rec.events, 1)

		ev := rec.events[0]
		assert.Equal(t, Update, ev.Op)
		assert.Equal(t, []string{"store_id"}, ev.Changed)
		assert.Equal(t, []string{
			"example.Book.store:1",
			"example.BookStore.books:5", "example.BookStore.books:6",
		}, affected(ev))
	})

	t.Run("scalar only", func(t *testing.T) {
		rec := &recorder{}
		a, _ := setupAcceptor(t, rec)

		err := a.Accept(context.Background(), "book",
			map[string]interface{}{"id": 1, "price": 10, "store_id": 5},
			map[string]interface{}{"id": 1, "price": 12, "store_id": 5})
		require.NoError(t, err)
		require.Len(t, rec.events, 1)
		assert.Equal(t, []string{"price"}, rec.events[0].Changed)
		assert.Empty(t, rec.events[0].Affected)
	})
}

func TestAccept_JoinTable(t *testing.T) {
	rec := &recorder{}
	a, m := setupAcceptor(t, rec)

	err := a.Accept(context.Background(), "book_author_mapping",
		map[string]interface{}{"book_id": 1, "author_id": 2}, nil)
	require.NoError(t, err)
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.Equal(t, Delete, ev.Op)
	assert.Nil(t, ev.Type)
	assert.Nil(t, ev.ID)
	assert.Equal(t, "example.Book.authors", ev.Owner.String())
	assert.Equal(t, []string{"example.Book.authors:1", "example.Author.books:2"}, affected(ev))

	authors, _ := m.Book.Prop("authors")
	assert.Equal(t, authors.String(), ev.Affected[0].Prop.String())
}

func TestAccept_Ignored(t *testing.T) {
	rec := &recorder{}
	a, _ := setupAcceptor(t, rec)

	require.NoError(t, a.Accept(context.Background(), "audit_log", nil, map[string]interface{}{"id": 1}))
	assert.Empty(t, rec.events)

	err := a.Accept(context.Background(), "book", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyChange)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Accept(ctx, "book", nil, map[string]interface{}{"id": 1}), context.Canceled)
}

func TestAccept_ServiceScope(t *testing.T) {
	rec := &recorder{}
	m := metatest.NewBookstore()
	c, err := reload.New(context.Background(), reload.Static(m.Entities()...))
	require.NoError(t, err)

	a := NewAcceptor(c, rec, WithService("inventory"))
	require.NoError(t, a.Accept(context.Background(), "book", nil, map[string]interface{}{"id": 1}))
	assert.Empty(t, rec.events)
}

func TestRedisInvalidator(t *testing.T) {
	inv, mr := setupTestRedis(t)
	a, _ := setupAcceptor(t, inv)

	for _, key := range []string{
		"cache:example.Book:1",
		"cache:example.Book:2",
		"cache:example.Book.store:1",
		"cache:example.Book.store:5",
		"cache:example.BookStore.books:5",
		"cache:example.BookStore.books:6",
		"cache:example.BookStore:5",
	} {
		require.NoError(t, mr.Set(key, "cached"))
	}

	err := a.Accept(context.Background(), "book",
		map[string]interface{}{"id": 1, "store_id": 5},
		map[string]interface{}{"id": 1, "store_id": nil})
	require.NoError(t, err)

	assert.False(t, mr.Exists("cache:example.Book:1"))
	assert.False(t, mr.Exists("cache:example.Book.store:1"))
	assert.False(t, mr.Exists("cache:example.BookStore.books:5"))
	assert.True(t, mr.Exists("cache:example.Book.store:5"))
	assert.True(t, mr.Exists("cache:example.Book:2"))
	assert.True(t, mr.Exists("cache:example.BookStore.books:6"))
	assert.True(t, mr.Exists("cache:example.BookStore:5"))

	require.NoError(t, mr.Set("other:key", "kept"))
	require.NoError(t, inv.Clear(context.Background()))
	assert.False(t, mr.Exists("cache:example.Book:2"))
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisInvalidator_Keys(t *testing.T) {
	inv := NewRedisInvalidator(nil, "", nil)
	m := metatest.NewBookstore()
	store, _ := m.Book.Prop("store")

	keys := inv.Keys(&Event{
		Type:     m.Book,
		ID:       json.Number("42"),
		Affected: []Affected{{Prop: store, ID: 5}, {Prop: store, ID: 5}},
	})
	assert.Equal(t, []string{"example.Book:42", "example.Book.store:5"}, keys)
}

func TestDecodeDebezium(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		table  string
		before map[string]interface{}
		after  map[string]interface{}
	}{
		{
			name:  "create with envelope",
			input: `{"schema":{},"payload":{"op":"c","before":null,"after":{"id":1,"name":"a"},"source":{"table":"book"}}}`,
			table: "book",
			after: map[string]interface{}{"id": json.Number("1"), "name": "a"},
		},
		{
			name:  "snapshot read",
			input: `{"op":"r","after":{"id":2},"source":{"table":"author"}}`,
			table: "author",
			after: map[string]interface{}{"id": json.Number("2")},
		},
		{
			name:   "update",
			input:  `{"payload":{"op":"u","before":{"id":1,"price":10},"after":{"id":1,"price":12},"source":{"table":"book"}}}`,
			table:  "book",
			before: map[string]interface{}{"id": json.Number("1"), "price": json.Number("10")},
			after:  map[string]interface{}{"id": json.Number("1"), "price": json.Number("12")},
		},
		{
			name:   "update without before image",
			input:  `{"op":"u","after":{"id":1},"source":{"table":"book"}}`,
			table:  "book",
			before: map[string]interface{}{},
			after:  map[string]interface{}{"id": json.Number("1")},
		},
		{
			name:   "delete",
			input:  `{"payload":{"op":"d","before":{"id":3},"after":null,"source":{"table":"book"}}}`,
			table:  "book",
			before: map[string]interface{}{"id": json.Number("3")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeDebezium([]byte(tt.input))
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, tt.table, c.Table)
			assert.Equal(t, tt.before, c.Before)
			assert.Equal(t, tt.after, c.After)
		})
	}

	c, err := DecodeDebezium([]byte(`{"schema":{},"payload":null}`))
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = DecodeDebezium([]byte(`{"op":"t","source":{"table":"book"}}`))
	assert.ErrorIs(t, err, ErrUnsupportedOp)

	_, err = DecodeDebezium([]byte(`{"op":"c","after":{"id":1}}`))
	assert.Error(t, err)

	_, err = DecodeDebezium([]byte(`{not json`))
	assert.Error(t, err)
}

func TestDecodeMaxwell(t *testing.T) {
	c, err := DecodeMaxwell([]byte(`{"database":"shop","table":"book","type":"update","data":{"id":1,"price":12,"name":"a"},"old":{"price":10}}`))
	require.NoError(t, err)
	assert.Equal(t, "book", c.Table)
	assert.Equal(t, map[string]interface{}{"id": json.Number("1"), "price": json.Number("10"), "name": "a"}, c.Before)
	assert.Equal(t, map[string]interface{}{"id": json.Number("1"), "price": json.Number("12"), "name": "a"}, c.After)

	c, err = DecodeMaxwell([]byte(`{"table":"book","type":"insert","data":{"id":1}}`))
	require.NoError(t, err)
	assert.Nil(t, c.Before)
	assert.NotNil(t, c.After)

	c, err = DecodeMaxwell([]byte(`{"table":"book","type":"delete","data":{"id":1}}`))
	require.NoError(t, err)
	assert.NotNil(t, c.Before)
	assert.Nil(t, c.After)

	c, err = DecodeMaxwell([]byte(`{"table":"book","type":"bootstrap-start"}`))
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = DecodeMaxwell([]byte(`{"table":"book","type":"table-create"}`))
	assert.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestAcceptChange(t *testing.T) {
	rec := &recorder{}
	a, _ := setupAcceptor(t, rec)
	ctx := context.Background()

	msg := `{"table":"book","type":"update","data":{"id":7,"store_id":2},"old":{"store_id":1}}`
	require.NoError(t, a.AcceptChange(ctx, Decoders["maxwell"], []byte(msg)))
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.Equal(t, json.Number("7"), ev.ID)
	assert.Equal(t, []string{"store_id"}, ev.Changed)
	assert.Equal(t, []string{
		"example.Book.store:7",
		"example.BookStore.books:1", "example.BookStore.books:2",
	}, affected(ev))

	require.NoError(t, a.AcceptChange(ctx, DecodeDebezium, []byte("")))
	assert.Len(t, rec.events, 1)

	err := a.AcceptChange(ctx, DecodeMaxwell, []byte(`{"table":"book","type":"ddl"}`))
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, ErrUnsupportedOp)
}

func TestFanout(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	failing := InvalidatorFunc(func(context.Context, *Event) error { return errors.New("redis down") })

	inv := Fanout(first, nil, failing, second)
	ev := &Event{Table: "book", Op: Update}
	err := inv.Invalidate(context.Background(), ev)

	assert.ErrorContains(t, err, "redis down")
	assert.Equal(t, []*Event{ev}, first.events)
	assert.Equal(t, []*Event{ev}, second.events)
	assert.NoError(t, Fanout().Invalidate(context.Background(), ev))
}
