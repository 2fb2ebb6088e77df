package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"collab-core/backend/internal/store"
)

type RegistryOptions struct {
	IdleEviction       time.Duration // 0 不回收
	CompactionInterval time.Duration // 0 不做定时压缩
}

// Registry hands out the single Coordinator of each open document.
type Registry struct {
	store   store.Adapter
	events  EventSink
	limiter RateLimiter
	opts    Options
	ropts   RegistryOptions

	mu       sync.Mutex
	docs     map[string]*Coordinator
	draining map[string]chan struct{} // 正在回收的文档，关闭表示已落盘
	group    singleflight.Group

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewRegistry(st store.Adapter, events EventSink, limiter RateLimiter, opts Options, ropts RegistryOptions) *Registry {
	if limiter == nil {
		limiter = NewSlidingWindowLimiter(opts.MaxOpsPerMinute, time.Minute)
	}
	return &Registry{
		store:    st,
		events:   events,
		limiter:  limiter,
		opts:     opts,
		ropts:    ropts,
		docs:     make(map[string]*Coordinator),
		draining: make(map[string]chan struct{}),
		stop:     make(chan struct{}),
	}
}

func (r *Registry) Get(docID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.docs[docID]
	return c, ok
}

// Open returns the active coordinator for docID, loading it on first use.
// Concurrent callers for a document that is not loaded yet share one load.
func (r *Registry) Open(ctx context.Context, docID, userID string) (*Coordinator, error) {
	if c, ok := r.Get(docID); ok && c.State() == StateActive {
		return c, nil
	}
	v, err, _ := r.group.Do(docID, func() (any, error) {
		if c, ok := r.Get(docID); ok && c.State() == StateActive {
			return c, nil
		}
		// 旧实例的最后一批和快照写完之前不能重新加载
		if err := r.awaitDrain(ctx, docID); err != nil {
			return nil, err
		}
		c := NewCoordinator(docID, r.store, r.events, r.limiter, r.opts)
		if err := c.Activate(ctx, userID); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.docs[docID] = c
		r.mu.Unlock()
		log.Printf("document opened doc=%s clock=%d", docID, c.Clock())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Coordinator), nil
}

// Join opens docID and counts the caller as a joined session until it calls
// Release on the returned coordinator.
func (r *Registry) Join(ctx context.Context, docID, userID string) (*Coordinator, error) {
	for attempt := 0; ; attempt++ {
		c, err := r.Open(ctx, docID, userID)
		if err != nil {
			return nil, err
		}
		err = c.retain()
		// 恰好被回收：换一个新实例再试一次
		if errors.Is(err, ErrNotActive) && attempt == 0 {
			r.forget(docID, c)
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (r *Registry) forget(docID string, c *Coordinator) {
	r.mu.Lock()
	if r.docs[docID] == c {
		delete(r.docs, docID)
	}
	r.mu.Unlock()
	if f, ok := r.limiter.(interface{ Forget(string) }); ok {
		f.Forget(docID)
	}
}

func (r *Registry) awaitDrain(ctx context.Context, docID string) error {
	r.mu.Lock()
	done := r.draining[docID]
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire unlists c before it drains; Open waits on the returned channel
// until finishRetire closes it.
func (r *Registry) retire(docID string, c *Coordinator) chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	r.draining[docID] = done
	r.mu.Unlock()
	r.forget(docID, c)
	return done
}

func (r *Registry) finishRetire(docID string, done chan struct{}) {
	r.mu.Lock()
	if r.draining[docID] == done {
		delete(r.draining, docID)
	}
	r.mu.Unlock()
	close(done)
}

// Len is the number of loaded documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *Registry) snapshot() []*Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Coordinator, 0, len(r.docs))
	for _, c := range r.docs {
		out = append(out, c)
	}
	return out
}

// EvictIdle shuts down documents nobody has joined for IdleEviction.
func (r *Registry) EvictIdle(ctx context.Context) int {
	if r.ropts.IdleEviction <= 0 {
		return 0
	}
	n := 0
	for _, c := range r.snapshot() {
		if !c.beginShutdown(r.ropts.IdleEviction) {
			continue
		}
		done := r.retire(c.DocID(), c)
		if err := c.drain(ctx); err != nil {
			log.Printf("evict doc=%s err=%v", c.DocID(), err)
		}
		r.finishRetire(c.DocID(), done)
		n++
	}
	return n
}

// CompactAll compacts every active document that has logged operations since
// its last compaction.
func (r *Registry) CompactAll(ctx context.Context) {
	for _, c := range r.snapshot() {
		if !c.needsCompaction() {
			continue
		}
		res, err := c.Compact(ctx)
		if err != nil {
			log.Printf("compaction failed doc=%s err=%v", c.DocID(), err)
			continue
		}
		log.Printf("compaction done doc=%s clock=%d ops_before=%d ops_after=%d tombstones_removed=%d",
			res.DocID, res.Clock, res.OpsBefore, res.OpsAfter, res.TombstonesRemoved)
	}
}

// Start runs the eviction and compaction loops until Close.
func (r *Registry) Start() {
	if r.ropts.IdleEviction > 0 {
		r.loop(r.ropts.IdleEviction/2, func(ctx context.Context) { r.EvictIdle(ctx) })
	}
	if r.ropts.CompactionInterval > 0 {
		r.loop(r.ropts.CompactionInterval, r.CompactAll)
	}
}

func (r *Registry) loop(every time.Duration, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(context.Background())
			case <-r.stop:
				return
			}
		}
	}()
}

// Close stops the loops and shuts down every document.
func (r *Registry) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()

	var errs []error
	for _, c := range r.snapshot() {
		if err := c.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		r.forget(c.DocID(), c)
	}
	return errors.Join(errs...)
}
