package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

type logEntry struct {
	op           ot.Operation
	tombstonedAt *time.Time
}

// MemoryStore implements Adapter in process memory.
// Every value handed out is a copy, callers cannot mutate stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string]entity.Snapshot
	logs        map[string][]logEntry
	opIDs       map[string]struct{}
	collected   map[string]uint64
	comments    map[string][]entity.Comment
	suggestions map[string][]entity.Suggestion
	presence    map[string]map[string]entity.Presence
	sessions    map[string]entity.Session
	audit       []entity.AuditEntry
	compactions []entity.CompactionRecord

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string]entity.Snapshot),
		logs:        make(map[string][]logEntry),
		opIDs:       make(map[string]struct{}),
		collected:   make(map[string]uint64),
		comments:    make(map[string][]entity.Comment),
		suggestions: make(map[string][]entity.Suggestion),
		presence:    make(map[string]map[string]entity.Presence),
		sessions:    make(map[string]entity.Session),
		now:         time.Now,
	}
}

func copySnapshot(s entity.Snapshot) *entity.Snapshot {
	out := s
	if s.Attributes != nil {
		out.Attributes = maps.Clone(s.Attributes)
	}
	return &out
}

func (m *MemoryStore) GetOrCreateSnapshot(ctx context.Context, docID, userID, initialContent string) (*entity.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.snapshots[docID]; ok {
		return copySnapshot(s), nil
	}
	s := entity.Snapshot{
		DocID:     docID,
		Content:   initialContent,
		CreatedBy: userID,
		UpdatedAt: m.now(),
	}
	m.snapshots[docID] = s
	return copySnapshot(s), nil
}

func (m *MemoryStore) GetDocumentState(ctx context.Context, docID string, sinceClock uint64) (*entity.DocumentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[docID]
	if !ok {
		return nil, ErrNotFound
	}
	state := &entity.DocumentState{
		Snapshot:  *copySnapshot(s),
		Truncated: m.collected[docID] > sinceClock,
	}
	for _, e := range m.logs[docID] {
		if e.op.Clock > sinceClock {
			state.Operations = append(state.Operations, e.op)
		}
	}
	return state, nil
}

func (m *MemoryStore) UpdateSnapshot(ctx context.Context, docID, content string, attrs map[string]any, clock uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.snapshots[docID]
	if ok && prev.Clock > clock {
		// 旧快照不覆盖新快照
		return nil
	}
	s := entity.Snapshot{
		DocID:     docID,
		Content:   content,
		Clock:     clock,
		Version:   prev.Version + 1,
		CreatedBy: prev.CreatedBy,
		UpdatedAt: m.now(),
	}
	if attrs != nil {
		s.Attributes = maps.Clone(attrs)
	}
	m.snapshots[docID] = s
	return nil
}

func (m *MemoryStore) AppendOperations(ctx context.Context, ops []ot.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range ops {
		key := op.DocID + "/" + op.ID
		if _, dup := m.opIDs[key]; dup {
			continue
		}
		m.opIDs[key] = struct{}{}
		m.logs[op.DocID] = append(m.logs[op.DocID], logEntry{op: op})
	}
	for _, op := range ops {
		entries := m.logs[op.DocID]
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].op.Clock != entries[j].op.Clock {
				return entries[i].op.Clock < entries[j].op.Clock
			}
			return entries[i].op.Seq < entries[j].op.Seq
		})
	}
	return nil
}

func (m *MemoryStore) LiveOperationIDs(ctx context.Context, docID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, e := range m.logs[docID] {
		if e.tombstonedAt == nil {
			ids = append(ids, e.op.ID)
		}
	}
	return ids, nil
}

func (m *MemoryStore) MarkTombstones(ctx context.Context, docID string, opIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]struct{}, len(opIDs))
	for _, id := range opIDs {
		want[id] = struct{}{}
	}
	now := m.now()
	entries := m.logs[docID]
	for i := range entries {
		if _, ok := want[entries[i].op.ID]; ok && entries[i].tombstonedAt == nil {
			entries[i].tombstonedAt = &now
		}
	}
	return nil
}

func (m *MemoryStore) GarbageCollect(ctx context.Context, docID string, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.logs[docID]
	kept := entries[:0]
	var removed int64
	for _, e := range entries {
		if e.tombstonedAt != nil && e.tombstonedAt.Before(olderThan) {
			delete(m.opIDs, docID+"/"+e.op.ID)
			m.collected[docID] = max(m.collected[docID], e.op.Clock)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.logs[docID] = kept
	return removed, nil
}

func (m *MemoryStore) AddComment(ctx context.Context, c entity.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.comments[c.DocID] = append(m.comments[c.DocID], c)
	return nil
}

func (m *MemoryStore) GetComments(ctx context.Context, docID string) ([]entity.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]entity.Comment(nil), m.comments[docID]...), nil
}

func (m *MemoryStore) ResolveComment(ctx context.Context, docID, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.comments[docID] {
		if c.ID == commentID {
			m.comments[docID][i].Resolved = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) AddSuggestion(ctx context.Context, s entity.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.suggestions[s.DocID] = append(m.suggestions[s.DocID], s)
	return nil
}

func (m *MemoryStore) GetSuggestions(ctx context.Context, docID string) ([]entity.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]entity.Suggestion(nil), m.suggestions[docID]...), nil
}

func (m *MemoryStore) GetSuggestion(ctx context.Context, docID, suggestionID string) (*entity.Suggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.suggestions[docID] {
		if s.ID == suggestionID {
			out := s
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateSuggestionStatus(ctx context.Context, docID, suggestionID string, from, to entity.SuggestionStatus, reviewer string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.suggestions[docID] {
		if s.ID == suggestionID {
			if s.Status != from {
				return ErrConflict
			}
			s.Status = to
			s.ReviewedBy = reviewer
			s.ReviewedAt = &at
			if to == entity.SuggestionPending {
				s.ReviewedBy, s.ReviewedAt = "", nil
			}
			m.suggestions[docID][i] = s
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) UpsertPresence(ctx context.Context, p entity.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.presence[p.DocID]
	if !ok {
		users = make(map[string]entity.Presence)
		m.presence[p.DocID] = users
	}
	users[p.UserID] = p
	return nil
}

func (m *MemoryStore) GetPresence(ctx context.Context, docID string) ([]entity.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entity.Presence, 0, len(m.presence[docID]))
	for _, p := range m.presence[docID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) RemovePresence(ctx context.Context, docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.presence[docID], userID)
	if len(m.presence[docID]) == 0 {
		delete(m.presence, docID)
	}
	return nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, s entity.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) UpdateSessionActivity(ctx context.Context, sessionID, docID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.DocID = docID
	s.LastActivity = at
	m.sessions[sessionID] = s
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// Session returns a stored session.
func (m *MemoryStore) Session(sessionID string) (entity.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemoryStore) AuditLog(ctx context.Context, e entity.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, e)
	return nil
}

// AuditEntries returns the recorded audit facts in insertion order.
func (m *MemoryStore) AuditEntries() []entity.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]entity.AuditEntry(nil), m.audit...)
}

func (m *MemoryStore) LogCompaction(ctx context.Context, docID string, opsBefore, opsAfter int, tombstonesRemoved int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.compactions = append(m.compactions, entity.CompactionRecord{
		ID:                uint64(len(m.compactions) + 1),
		DocID:             docID,
		OpsBefore:         opsBefore,
		OpsAfter:          opsAfter,
		TombstonesRemoved: tombstonesRemoved,
		CreatedAt:         m.now(),
	})
	return nil
}

func (m *MemoryStore) Compactions() []entity.CompactionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]entity.CompactionRecord(nil), m.compactions...)
}
