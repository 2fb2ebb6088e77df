package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
	"collab-core/backend/internal/store"
)

type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	MaxOpsPerMinute    int // 0 关闭限流
	MaxDocSize         int // rune 数，0 不限制
	MaxUsers           int // 每个文档同时加入的会话数，0 不限制
	BatchDelay         time.Duration
	MaxClockSkew       uint64 // 操作时钟最多领先文档时钟多少
	CompactionKeepOps  int
	TombstoneRetention time.Duration
	PersistTimeout     time.Duration
	InitialContent     string
}

func DefaultOptions() Options {
	return Options{
		MaxOpsPerMinute:    600,
		MaxDocSize:         1_000_000,
		MaxUsers:           50,
		BatchDelay:         50 * time.Millisecond,
		MaxClockSkew:       1 << 20,
		CompactionKeepOps:  1000,
		TombstoneRetention: 7 * 24 * time.Hour,
		PersistTimeout:     5 * time.Second,
	}
}

// Result is the outcome of one submitted operation. Op is the operation as
// it was applied (transformed, merged, stamped with the batch clock).
type Result struct {
	Op    ot.Operation
	Clock uint64
	Err   error
}

type pendingOp struct {
	op     ot.Operation
	origin string
	done   chan Result
}

type timerState int

const (
	timerIdle timerState = iota
	timerScheduled
)

// Coordinator owns one open document: its authoritative content, the queue
// of operations waiting for the next batch, and the flush that transforms,
// persists and broadcasts them.
//
// mu guards everything below it and is never held across store calls.
// flushMu serializes flush, remote apply and compaction; it is held across
// persistence and never taken by enqueue.
type Coordinator struct {
	docID   string
	opts    Options
	store   store.Adapter
	events  EventSink
	limiter RateLimiter
	now     func() time.Time

	mu                 sync.Mutex
	state              State
	buf                Buffer
	clock              uint64
	attrs              map[string]any
	snapshotClock      uint64
	pending            []pendingOp
	queued             map[string]struct{} // 排队中或正在 flush 的操作 id
	applied            *opIDWindow
	pendingGrowth      int
	inflightGrowth     int
	timer              *time.Timer
	timerState         timerState
	holders            int
	lastActivity       time.Time
	opsSinceCompaction int

	flushMu sync.Mutex
}

func NewCoordinator(docID string, st store.Adapter, events EventSink, limiter RateLimiter, opts Options) *Coordinator {
	if events == nil {
		events = nopSink{}
	}
	if limiter == nil {
		limiter = NewSlidingWindowLimiter(opts.MaxOpsPerMinute, time.Minute)
	}
	return &Coordinator{
		docID:   docID,
		opts:    opts,
		store:   st,
		events:  events,
		limiter: limiter,
		now:     time.Now,
		queued:  make(map[string]struct{}),
		applied: newOpIDWindow(recentOpIDs),
	}
}

func (c *Coordinator) DocID() string { return c.docID }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Clock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock
}

// Snapshot returns the committed in-memory state.
func (c *Coordinator) Snapshot() entity.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := entity.Snapshot{
		DocID:      c.docID,
		Clock:      c.clock,
		Attributes: maps.Clone(c.attrs),
		UpdatedAt:  c.lastActivity,
	}
	if c.buf != nil {
		snap.Content = c.buf.String()
	}
	return snap
}

func (c *Coordinator) contentLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return 0
	}
	return c.buf.Len()
}

// admissionLen is the bound an incoming operation is checked against: the
// committed length, or the projected one when queued edits grow the
// document. The flush checks the transformed operation exactly.
func (c *Coordinator) admissionLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return 0
	}
	n := c.buf.Len()
	return max(n, n+c.inflightGrowth+c.pendingGrowth)
}

// Activate loads (or creates) the snapshot and replays log entries that were
// persisted after it, e.g. by a process that died before compacting.
func (c *Coordinator) Activate(ctx context.Context, userID string) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	switch c.State() {
	case StateActive:
		return nil
	case StateShuttingDown, StateClosed:
		return ErrNotActive
	}

	snap, err := c.store.GetOrCreateSnapshot(ctx, c.docID, userID, c.opts.InitialContent)
	if err != nil {
		return fmt.Errorf("load snapshot doc=%s: %w", c.docID, err)
	}
	st, err := c.store.GetDocumentState(ctx, c.docID, snap.Clock)
	if err != nil {
		return fmt.Errorf("load operations doc=%s: %w", c.docID, err)
	}

	var buf Buffer = NewPieceTable(snap.Content)
	clock := snap.Clock
	if len(st.Operations) > 0 {
		if buf, clock, err = c.replay(buf, clock, st.Operations); err != nil {
			return fmt.Errorf("replay doc=%s: %w", c.docID, err)
		}
		log.Printf("document replayed doc=%s ops=%d snapshot_clock=%d clock=%d",
			c.docID, len(st.Operations), snap.Clock, clock)
	}

	c.mu.Lock()
	c.buf = buf
	c.clock = clock
	c.attrs = snap.Attributes
	c.snapshotClock = snap.Clock
	c.opsSinceCompaction = len(st.Operations)
	c.lastActivity = c.now()
	c.rememberLocked(st.Operations)
	c.state = StateActive
	c.mu.Unlock()
	return nil
}

// replay applies already-ordered operations to a copy of buf. Nothing is
// changed when one of them does not fit.
func (c *Coordinator) replay(buf Buffer, clock uint64, ops []ot.Operation) (Buffer, uint64, error) {
	work := buf.Clone()
	for _, op := range ops {
		if op.DocID == "" {
			op.DocID = c.docID
		}
		if err := ot.Validate(op, c.docID, work.Len()); err != nil {
			return nil, 0, err
		}
		if err := work.Apply(op); err != nil {
			return nil, 0, err
		}
		clock = max(clock, op.Clock)
	}
	return work, clock, nil
}

// ApplyRemote applies operations that another authoritative source already
// ordered and persisted. They bypass the queue and the log.
func (c *Coordinator) ApplyRemote(ctx context.Context, ops []ot.Operation) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.state != StateActive && c.state != StateShuttingDown {
		c.mu.Unlock()
		return ErrNotActive
	}
	base, clock := c.buf, c.clock
	c.mu.Unlock()

	work, newClock, err := c.replay(base, clock, ops)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.buf = work
	c.clock = newClock
	c.lastActivity = c.now()
	c.rememberLocked(ops)
	c.mu.Unlock()

	c.events.Publish(Event{
		Kind:       EventOperations,
		DocID:      c.docID,
		Clock:      newClock,
		Operations: ops,
		Origins:    make([]string, len(ops)),
	})
	return nil
}

// Submit runs admission control and queues op for the next batch. The
// returned channel yields exactly one Result once that batch is persisted
// or has failed.
func (c *Coordinator) Submit(ctx context.Context, op ot.Operation, userID string, role Role, origin string) (<-chan Result, error) {
	op.UserID = userID
	return c.enqueue(ctx, op, userID, role, origin)
}

// ApplyOperation is Submit followed by waiting for the batch outcome.
func (c *Coordinator) ApplyOperation(ctx context.Context, op ot.Operation, userID string, role Role, origin string) (Result, error) {
	ch, err := c.Submit(ctx, op, userID, role, origin)
	if err != nil {
		return Result{Err: err}, err
	}
	return wait(ctx, ch)
}

func wait(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// enqueue admits op on behalf of actor, who is charged the rate budget.
func (c *Coordinator) enqueue(ctx context.Context, op ot.Operation, actor string, role Role, origin string) (<-chan Result, error) {
	if !role.CanEdit() {
		return nil, ErrPermissionDenied
	}
	if c.State() != StateActive {
		return nil, ErrNotActive
	}
	allowed, err := c.limiter.Allow(ctx, c.docID, actor)
	if err != nil {
		// 限流后端不可用时放行
		log.Printf("rate limiter failed doc=%s user=%s err=%v", c.docID, actor, err)
		allowed = true
	}
	if !allowed {
		return nil, ErrRateLimitExceeded
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = c.now()
	}
	if err := ot.Validate(op, c.docID, c.admissionLen()); err != nil {
		return nil, err
	}
	if err := ot.ValidateClock(op, c.Clock(), c.opts.MaxClockSkew); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return nil, ErrNotActive
	}
	if _, dup := c.queued[op.ID]; dup || c.applied.has(op.ID) {
		return nil, ErrDuplicateOperation
	}
	growth := op.Growth()
	projected := c.buf.Len() + c.inflightGrowth + c.pendingGrowth + growth
	if c.opts.MaxDocSize > 0 && growth > 0 && projected > c.opts.MaxDocSize {
		return nil, ErrDocumentTooLarge
	}

	done := make(chan Result, 1)
	c.pending = append(c.pending, pendingOp{op: op, origin: origin, done: done})
	c.queued[op.ID] = struct{}{}
	c.pendingGrowth += growth
	c.lastActivity = c.now()
	if c.timerState == timerIdle {
		c.timerState = timerScheduled
		c.timer = time.AfterFunc(c.opts.BatchDelay, c.onTimer)
	}
	return done, nil
}

func (c *Coordinator) persistContext() (context.Context, context.CancelFunc) {
	if c.opts.PersistTimeout > 0 {
		return context.WithTimeout(context.Background(), c.opts.PersistTimeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Coordinator) onTimer() {
	ctx, cancel := c.persistContext()
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		log.Printf("flush failed doc=%s err=%v", c.docID, err)
	}
}

// Flush processes whatever is queued right now.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.flushLocked(ctx)
}

func (c *Coordinator) flushLocked(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.inflightGrowth = c.pendingGrowth
	c.pendingGrowth = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerState = timerIdle
	var work Buffer
	if len(batch) > 0 {
		work = c.buf.Clone()
	}
	clock := c.clock
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflightGrowth = 0
		// 失败的操作可以用同一个 id 重试，成功的已记入 applied
		for _, p := range batch {
			delete(c.queued, p.op.ID)
		}
		c.mu.Unlock()
	}()

	if len(batch) == 0 {
		return nil
	}

	ops := make([]ot.Operation, len(batch))
	for i, p := range batch {
		ops[i] = p.op
	}
	compressed, sources := ot.CompressWithSources(ops)

	applied := make([]ot.Operation, 0, len(compressed))
	origins := make([]string, 0, len(compressed))
	appliedSources := make([][]int, 0, len(compressed))
	var maxOpClock uint64
	for i, op := range compressed {
		// 批内按到达顺序依次对之前已处理的操作做变换
		op = ot.TransformAgainst(op, applied)
		err := ot.Validate(op, c.docID, work.Len())
		if err == nil && c.opts.MaxDocSize > 0 && op.Growth() > 0 && work.Len()+op.Growth() > c.opts.MaxDocSize {
			err = ErrDocumentTooLarge
		}
		if err == nil {
			err = work.Apply(op)
		}
		if err != nil {
			release(batch, sources[i], Result{Err: err})
			continue
		}
		maxOpClock = max(maxOpClock, op.Clock)
		applied = append(applied, op)
		origins = append(origins, batch[sources[i][0]].origin)
		appliedSources = append(appliedSources, sources[i])
	}
	if len(applied) == 0 {
		return nil
	}

	newClock := max(clock, maxOpClock) + 1
	for i := range applied {
		applied[i].DocID = c.docID
		applied[i].Clock = newClock
		applied[i].Seq = i
	}

	if err := c.store.AppendOperations(ctx, applied); err != nil {
		perr := &PersistenceError{DocID: c.docID, Op: "append operations", Err: err}
		log.Printf("persist batch failed doc=%s ops=%d clock=%d err=%v", c.docID, len(applied), newClock, err)
		for _, src := range appliedSources {
			release(batch, src, Result{Err: perr})
		}
		return perr
	}

	c.mu.Lock()
	c.buf = work
	c.clock = newClock
	c.opsSinceCompaction += len(applied)
	c.lastActivity = c.now()
	for _, src := range appliedSources {
		for _, i := range src {
			c.applied.add(batch[i].op.ID)
		}
	}
	c.mu.Unlock()

	c.events.Publish(Event{
		Kind:       EventOperations,
		DocID:      c.docID,
		Clock:      newClock,
		Operations: applied,
		Origins:    origins,
	})

	for i, src := range appliedSources {
		release(batch, src, Result{Op: applied[i], Clock: newClock})
	}
	return nil
}

// rememberLocked records ids that reached the document without going through
// the queue. mu must be held.
func (c *Coordinator) rememberLocked(ops []ot.Operation) {
	for _, op := range ops {
		c.applied.add(op.ID)
	}
}

func release(batch []pendingOp, idxs []int, res Result) {
	for _, i := range idxs {
		batch[i].done <- res
	}
}

// retain registers a joined session.
func (c *Coordinator) retain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	if c.opts.MaxUsers > 0 && c.holders >= c.opts.MaxUsers {
		return ErrTooManyUsers
	}
	c.holders++
	c.lastActivity = c.now()
	return nil
}

// Release undoes a successful Registry.Join.
func (c *Coordinator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holders > 0 {
		c.holders--
	}
	c.lastActivity = c.now()
}

func (c *Coordinator) Holders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holders
}

// beginShutdown moves Active to ShuttingDown. With idle > 0 it only does so
// for a document nobody has joined or touched for that long.
func (c *Coordinator) beginShutdown(idle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	if idle > 0 && (c.holders > 0 || len(c.pending) > 0 || c.now().Sub(c.lastActivity) < idle) {
		return false
	}
	c.state = StateShuttingDown
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerState = timerIdle
	return true
}

// Shutdown flushes what is queued, writes a final snapshot and closes the
// document. Calling it again is a no-op.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.beginShutdown(0) {
		c.mu.Lock()
		if c.state == StateUninitialized {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return nil
	}
	return c.drain(ctx)
}

func (c *Coordinator) drain(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	err := c.flushLocked(ctx)
	if serr := c.saveSnapshotLocked(ctx); serr != nil {
		err = errors.Join(err, serr)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return err
}

// saveSnapshotLocked persists the committed content when it is newer than the
// last stored snapshot. flushMu must be held.
func (c *Coordinator) saveSnapshotLocked(ctx context.Context) error {
	c.mu.Lock()
	content, clock, attrs := c.buf.String(), c.clock, maps.Clone(c.attrs)
	stored := c.snapshotClock
	c.mu.Unlock()

	if clock == stored {
		return nil
	}
	if err := c.store.UpdateSnapshot(ctx, c.docID, content, attrs, clock); err != nil {
		return &PersistenceError{DocID: c.docID, Op: "update snapshot", Err: err}
	}
	c.mu.Lock()
	c.snapshotClock = clock
	c.mu.Unlock()
	return nil
}

// Catchup returns the committed snapshot and the logged operations after
// sinceClock, consistent with each other. When collection already dropped
// part of that range only the snapshot comes back, marked Truncated.
func (c *Coordinator) Catchup(ctx context.Context, sinceClock uint64) (entity.DocumentState, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	snap := c.Snapshot()
	if sinceClock >= snap.Clock {
		return entity.DocumentState{Snapshot: snap}, nil
	}
	st, err := c.store.GetDocumentState(ctx, c.docID, sinceClock)
	if err != nil {
		return entity.DocumentState{Snapshot: snap}, err
	}
	if st.Truncated {
		return entity.DocumentState{Snapshot: snap, Truncated: true}, nil
	}
	return entity.DocumentState{Snapshot: snap, Operations: st.Operations}, nil
}
