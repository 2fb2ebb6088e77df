package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-core/backend/internal/store"
)

func TestRegistry_ConcurrentOpenCreatesOneCoordinator(t *testing.T) {
	reg := NewRegistry(store.NewMemoryStore(), nil, nil, manualOptions(), RegistryOptions{})
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = make(map[*Coordinator]struct{})
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := reg.Open(ctx, "doc-1", "u")
			assert.NoError(t, err)
			mu.Lock()
			got[c] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, got, 1)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_JoinRespectsMaxUsers(t *testing.T) {
	opts := manualOptions()
	opts.MaxUsers = 1
	reg := NewRegistry(store.NewMemoryStore(), nil, nil, opts, RegistryOptions{})
	ctx := context.Background()

	c, err := reg.Join(ctx, "doc-1", "alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "doc-1", "bob")
	assert.ErrorIs(t, err, ErrTooManyUsers)

	c.Release()
	again, err := reg.Join(ctx, "doc-1", "bob")
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestRegistry_EvictsIdleDocuments(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, nil, nil, manualOptions(), RegistryOptions{IdleEviction: 10 * time.Millisecond})
	ctx := context.Background()

	c, err := reg.Join(ctx, "doc-1", "alice")
	require.NoError(t, err)
	_, err = c.Submit(ctx, insertOp(0, "kept", 1), "alice", RoleEditor, "")
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, reg.EvictIdle(ctx), "joined documents are never evicted")

	c.Release()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, reg.EvictIdle(ctx))
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, StateClosed, c.State())

	state, err := st.GetDocumentState(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "kept", state.Snapshot.Content, "eviction writes a final snapshot")

	reopened, err := reg.Join(ctx, "doc-1", "bob")
	require.NoError(t, err)
	assert.NotSame(t, c, reopened)
	assert.Equal(t, "kept", reopened.Snapshot().Content)
}

// gatedStore blocks UpdateSnapshot while a gate is armed.
type gatedStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedStore) arm() (entered, release chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate, s.entered = make(chan struct{}), make(chan struct{})
	return s.entered, s.gate
}

func (s *gatedStore) UpdateSnapshot(ctx context.Context, docID, content string, attrs map[string]any, clock uint64) error {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return s.MemoryStore.UpdateSnapshot(ctx, docID, content, attrs, clock)
}

func TestRegistry_OpenWaitsForEvictionDrain(t *testing.T) {
	st := &gatedStore{MemoryStore: store.NewMemoryStore()}
	reg := NewRegistry(st, nil, nil, manualOptions(), RegistryOptions{IdleEviction: 10 * time.Millisecond})
	ctx := context.Background()

	c, err := reg.Join(ctx, "doc-1", "alice")
	require.NoError(t, err)
	_, err = c.Submit(ctx, insertOp(0, "kept", 1), "alice", RoleEditor, "")
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))
	c.Release()
	time.Sleep(30 * time.Millisecond)

	entered, release := st.arm()
	evicted := make(chan int, 1)
	go func() { evicted <- reg.EvictIdle(ctx) }()
	<-entered

	// 还在落盘，但已经不在表里
	assert.Equal(t, 0, reg.Len())
	_, ok := reg.Get("doc-1")
	assert.False(t, ok)

	opened := make(chan *Coordinator, 1)
	go func() {
		doc, err := reg.Open(ctx, "doc-1", "bob")
		assert.NoError(t, err)
		opened <- doc
	}()
	select {
	case <-opened:
		t.Fatal("open must wait for the evicted instance to finish draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, 1, <-evicted)
	select {
	case doc := <-opened:
		require.NotNil(t, doc)
		assert.NotSame(t, c, doc)
		assert.Equal(t, "kept", doc.Snapshot().Content)
		assert.Equal(t, StateClosed, c.State())
	case <-time.After(2 * time.Second):
		t.Fatal("open did not resume after the drain")
	}
}

func TestRegistry_CompactAllAndClose(t *testing.T) {
	st := store.NewMemoryStore()
	opts := manualOptions()
	opts.CompactionKeepOps = 0
	reg := NewRegistry(st, nil, nil, opts, RegistryOptions{})
	ctx := context.Background()

	c, err := reg.Open(ctx, "doc-1", "alice")
	require.NoError(t, err)
	_, err = c.Submit(ctx, insertOp(0, "abc", 1), "alice", RoleEditor, "")
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))

	reg.CompactAll(ctx)
	ids, err := st.LiveOperationIDs(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	require.Len(t, st.Compactions(), 1)

	// 没有新操作时不会重复压缩
	reg.CompactAll(ctx)
	assert.Len(t, st.Compactions(), 1)

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, reg.Len())
}
