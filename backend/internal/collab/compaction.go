package collab

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"collab-core/backend/internal/entity"
)

type CompactionResult struct {
	DocID             string `json:"docId"`
	Clock             uint64 `json:"clock"`
	OpsBefore         int    `json:"opsBefore"`
	OpsAfter          int    `json:"opsAfter"`
	TombstonesRemoved int64  `json:"tombstonesRemoved"`
}

// Compact folds the log into a snapshot at the current clock, tombstones all
// but the newest CompactionKeepOps live entries and collects tombstones past
// the retention window. Every step tolerates being repeated, so a compaction
// interrupted by a crash is simply run again.
func (c *Coordinator) Compact(ctx context.Context) (CompactionResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	res := CompactionResult{DocID: c.docID}
	if st := c.State(); st != StateActive && st != StateShuttingDown {
		return res, ErrNotActive
	}

	if err := c.saveSnapshotLocked(ctx); err != nil {
		return res, err
	}

	ids, err := c.store.LiveOperationIDs(ctx, c.docID)
	if err != nil {
		return res, &PersistenceError{DocID: c.docID, Op: "list live operations", Err: err}
	}
	res.OpsBefore, res.OpsAfter = len(ids), len(ids)
	keep := max(c.opts.CompactionKeepOps, 0)
	if len(ids) > keep {
		if err := c.store.MarkTombstones(ctx, c.docID, ids[:len(ids)-keep]); err != nil {
			return res, &PersistenceError{DocID: c.docID, Op: "mark tombstones", Err: err}
		}
		res.OpsAfter = keep
	}

	removed, err := c.store.GarbageCollect(ctx, c.docID, c.now().Add(-c.opts.TombstoneRetention))
	if err != nil {
		return res, &PersistenceError{DocID: c.docID, Op: "garbage collect", Err: err}
	}
	res.TombstonesRemoved = removed

	if err := c.store.LogCompaction(ctx, c.docID, res.OpsBefore, res.OpsAfter, removed); err != nil {
		log.Printf("log compaction failed doc=%s err=%v", c.docID, err)
	}
	entry := entity.AuditEntry{
		ID:     uuid.NewString(),
		DocID:  c.docID,
		Action: entity.AuditCompaction,
		Detail: fmt.Sprintf("ops_before=%d ops_after=%d tombstones_removed=%d", res.OpsBefore, res.OpsAfter, removed),
		At:     c.now(),
	}
	if err := c.store.AuditLog(ctx, entry); err != nil {
		log.Printf("audit compaction failed doc=%s err=%v", c.docID, err)
	}

	// 重建 piece 表，丢掉积累的碎片
	c.mu.Lock()
	c.buf = NewPieceTable(c.buf.String())
	c.opsSinceCompaction = 0
	res.Clock = c.clock
	c.mu.Unlock()
	return res, nil
}

func (c *Coordinator) needsCompaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive && c.opsSinceCompaction > 0
}
