package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collab-core/backend/internal/ot"
	"collab-core/backend/internal/store"
)

var errDiskFull = errors.New("disk full")

// flakyStore fails AppendOperations while failAppend is set.
type flakyStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	failAppend bool
}

func (s *flakyStore) setFailAppend(v bool) {
	s.mu.Lock()
	s.failAppend = v
	s.mu.Unlock()
}

func (s *flakyStore) AppendOperations(ctx context.Context, ops []ot.Operation) error {
	s.mu.Lock()
	fail := s.failAppend
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryStore.AppendOperations(ctx, ops)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) ofKind(k EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// manualOptions never fires the batch timer; tests call Flush themselves.
func manualOptions() Options {
	opts := DefaultOptions()
	opts.BatchDelay = time.Hour
	return opts
}

func newTestCoordinator(t *testing.T, st store.Adapter, opts Options, initial string) (*Coordinator, *recordingSink) {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	opts.InitialContent = initial
	sink := &recordingSink{}
	c := NewCoordinator("doc-1", st, sink, nil, opts)
	require.NoError(t, c.Activate(context.Background(), "owner"))
	require.Equal(t, StateActive, c.State())
	return c, sink
}

func insertOp(pos int, text string, clock uint64) ot.Operation {
	return ot.Operation{DocID: "doc-1", Kind: ot.KindInsert, Position: pos, Text: text, Clock: clock}
}

func deleteOp(pos, length int, clock uint64) ot.Operation {
	return ot.Operation{DocID: "doc-1", Kind: ot.KindDelete, Position: pos, Length: length, Clock: clock}
}

func recv(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result within 2s")
		return Result{}
	}
}
