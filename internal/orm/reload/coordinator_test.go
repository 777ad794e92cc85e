package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
	"github.com/conduit-lang/cascade/internal/orm/meta/metatest"
)

// growingSource returns the first n types of all, where n can be raised
type growingSource struct {
	all   []*meta.Type
	n     atomic.Int32
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *growingSource) source(context.Context) ([]*meta.Type, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("registry unavailable")
	}
	return s.all[:s.n.Load()], nil
}

func newTag() *meta.Type {
	return meta.MustNewType(meta.Definition{
		Name: "example.Tag", Kind: meta.Entity, ID: "id",
		Props: []meta.Property{{Name: "id"}, {Name: "name"}},
	})
}

func TestCoordinator_LookupHit(t *testing.T) {
	m := metatest.NewBookstore()
	c, err := New(context.Background(), Static(m.Entities()...), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	info, err := c.Lookup(context.Background(), m.Book)
	require.NoError(t, err)
	assert.Same(t, m.Book, info.Type)
	assert.Equal(t, uint64(0), c.Reloads())
}

func TestCoordinator_MissTriggersSingleRebuild(t *testing.T) {
	m := metatest.NewBookstore()
	tag := newTag()
	src := &growingSource{all: append(m.Entities(), tag)}
	src.n.Store(3)

	c, err := New(context.Background(), src.source)
	require.NoError(t, err)
	before := c.Graph()

	src.n.Store(4)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := c.Lookup(context.Background(), tag)
			assert.NoError(t, err)
			if info != nil {
				assert.Same(t, tag, info.Type)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), src.calls.Load())
	assert.Equal(t, uint64(1), c.Reloads())
	assert.NotSame(t, before, c.Graph())

	// The old snapshot is untouched
	_, ok := before.Info(tag)
	assert.False(t, ok)
}

func TestCoordinator_SecondMissIsUnmanaged(t *testing.T) {
	m := metatest.NewBookstore()
	c, err := New(context.Background(), Static(m.Entities()...))
	require.NoError(t, err)

	_, err = c.Lookup(context.Background(), newTag())
	require.Error(t, err)
	assert.True(t, IsUnmanagedType(err))

	var unmanaged *UnmanagedTypeError
	require.ErrorAs(t, err, &unmanaged)
	assert.Equal(t, "example.Tag", unmanaged.Type.Name())
	assert.Equal(t, uint64(1), c.Reloads())
}

func TestCoordinator_FailedRebuildKeepsSnapshot(t *testing.T) {
	m := metatest.NewBookstore()
	src := &growingSource{all: m.Entities()}
	src.n.Store(3)

	c, err := New(context.Background(), src.source)
	require.NoError(t, err)
	before := c.Graph()

	src.fail.Store(true)
	err = c.Reload(context.Background())
	assert.ErrorIs(t, err, ErrReloadFailed)
	assert.Same(t, before, c.Graph())

	_, err = c.Lookup(context.Background(), newTag())
	assert.ErrorIs(t, err, ErrReloadFailed)
}

func TestCoordinator_NewPropagatesBuildErrors(t *testing.T) {
	m := metatest.NewBookstore()

	_, err := New(context.Background(), Static(m.Book, m.Author))
	assert.ErrorIs(t, err, ErrReloadFailed)
	assert.ErrorIs(t, err, graph.ErrUnresolvedAssociationTarget)
}

func TestCoordinator_GraphOptions(t *testing.T) {
	m := metatest.NewBookstore()
	c, err := New(context.Background(), Static(m.Entities()...),
		WithGraphOptions(graph.WithNamingStrategy(meta.PluralSnakeCase{})))
	require.NoError(t, err)
	assert.Equal(t, "plural", c.Graph().NamingStrategy().Name())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	registry := filepath.Join(dir, "entities")
	require.NoError(t, os.WriteFile(registry, []byte("example.Book\n"), 0o644))

	m := metatest.NewBookstore()
	c, err := New(context.Background(), Static(m.Entities()...))
	require.NoError(t, err)

	w, err := NewWatcher(c, []string{registry}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(registry, []byte("example.Book\nexample.Author\n"), 0o644))

	assert.Eventually(t, func() bool {
		return c.Reloads() >= 1
	}, 2*time.Second, 20*time.Millisecond)

	// Unrelated files in the same directory are ignored
	reloads := c.Reloads()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(3 * DefaultDebounce)
	assert.Equal(t, reloads, c.Reloads())
}

func TestDebouncer_CoalescesChanges(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var mu sync.Mutex
	var batches [][]string
	d.SetCallback(func(files []string) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, files)
	})

	d.Add("b")
	d.Add("a")
	d.Add("b")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, batches[0])
	mu.Unlock()

	d.Stop()
	d.Add("c")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Len(t, batches, 1)
	mu.Unlock()
}
