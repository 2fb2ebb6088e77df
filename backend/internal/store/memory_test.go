package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

func logged(doc, id string, clock uint64, seq int) ot.Operation {
	return ot.Operation{ID: id, DocID: doc, UserID: "u1", Kind: ot.KindInsert, Text: "x", Clock: clock, Seq: seq}
}

func TestMemoryStore_Snapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	t.Run("missing document", func(t *testing.T) {
		if _, err := m.GetDocumentState(ctx, "nope", 0); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("create once", func(t *testing.T) {
		s, err := m.GetOrCreateSnapshot(ctx, "d1", "alice", "hello")
		if err != nil {
			t.Fatal(err)
		}
		if s.Content != "hello" || s.Clock != 0 || s.CreatedBy != "alice" {
			t.Fatalf("unexpected snapshot %+v", s)
		}
		again, _ := m.GetOrCreateSnapshot(ctx, "d1", "bob", "ignored")
		if again.Content != "hello" || again.CreatedBy != "alice" {
			t.Fatalf("second create must return existing snapshot, got %+v", again)
		}
	})

	t.Run("update bumps version and ignores stale clocks", func(t *testing.T) {
		if err := m.UpdateSnapshot(ctx, "d1", "hello world", map[string]any{"title": "t"}, 5); err != nil {
			t.Fatal(err)
		}
		if err := m.UpdateSnapshot(ctx, "d1", "stale", nil, 3); err != nil {
			t.Fatal(err)
		}
		st, err := m.GetDocumentState(ctx, "d1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if st.Snapshot.Content != "hello world" || st.Snapshot.Clock != 5 || st.Snapshot.Version != 1 {
			t.Fatalf("unexpected snapshot %+v", st.Snapshot)
		}
		st.Snapshot.Attributes["title"] = "mutated"
		again, _ := m.GetDocumentState(ctx, "d1", 0)
		if again.Snapshot.Attributes["title"] != "t" {
			t.Fatal("attributes leaked out of the store")
		}
	})
}

func TestMemoryStore_OperationLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.GetOrCreateSnapshot(ctx, "d1", "u1", ""); err != nil {
		t.Fatal(err)
	}

	batch1 := []ot.Operation{logged("d1", "a", 1, 0), logged("d1", "b", 1, 1)}
	batch2 := []ot.Operation{logged("d1", "c", 2, 0)}
	for _, b := range [][]ot.Operation{batch2, batch1} {
		if err := m.AppendOperations(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	// 重复写入是幂等的
	if err := m.AppendOperations(ctx, batch1); err != nil {
		t.Fatal(err)
	}

	ids, _ := m.LiveOperationIDs(ctx, "d1")
	if want := []string{"a", "b", "c"}; !equalStrings(ids, want) {
		t.Fatalf("live ids = %v, want %v", ids, want)
	}

	st, _ := m.GetDocumentState(ctx, "d1", 1)
	if len(st.Operations) != 1 || st.Operations[0].ID != "c" {
		t.Fatalf("ops since clock 1 = %+v", st.Operations)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	if err := m.MarkTombstones(ctx, "d1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	ids, _ = m.LiveOperationIDs(ctx, "d1")
	if !equalStrings(ids, []string{"c"}) {
		t.Fatalf("live ids after tombstone = %v", ids)
	}
	// 墓碑在回收前仍可用于追赶和变基
	st, _ = m.GetDocumentState(ctx, "d1", 0)
	if len(st.Operations) != 3 || st.Truncated {
		t.Fatalf("state with tombstones = %+v", st)
	}

	n, _ := m.GarbageCollect(ctx, "d1", base)
	if n != 0 {
		t.Fatalf("tombstones younger than the cutoff must survive, removed %d", n)
	}
	n, _ = m.GarbageCollect(ctx, "d1", base.Add(time.Second))
	if n != 2 {
		t.Fatalf("removed %d tombstones, want 2", n)
	}

	st, _ = m.GetDocumentState(ctx, "d1", 0)
	if !st.Truncated || len(st.Operations) != 1 {
		t.Fatalf("state behind the collected horizon = %+v", st)
	}
	st, _ = m.GetDocumentState(ctx, "d1", 1)
	if st.Truncated || len(st.Operations) != 1 || st.Operations[0].ID != "c" {
		t.Fatalf("state at the collected horizon = %+v", st)
	}
}

func TestMemoryStore_Annotations(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_ = m.AddComment(ctx, entity.Comment{ID: "c1", DocID: "d1", Text: "typo"})
	if err := m.ResolveComment(ctx, "d1", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.ResolveComment(ctx, "d1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	cs, _ := m.GetComments(ctx, "d1")
	if len(cs) != 1 || !cs[0].Resolved {
		t.Fatalf("comments = %+v", cs)
	}

	_ = m.AddSuggestion(ctx, entity.Suggestion{ID: "s1", DocID: "d1", Status: entity.SuggestionPending})
	at := time.Now()
	if err := m.UpdateSuggestionStatus(ctx, "d1", "s1", entity.SuggestionPending, entity.SuggestionAccepted, "owner", at); err != nil {
		t.Fatal(err)
	}
	// 只有一个审阅者能把 pending 改掉
	err := m.UpdateSuggestionStatus(ctx, "d1", "s1", entity.SuggestionPending, entity.SuggestionRejected, "other", at)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := m.UpdateSuggestionStatus(ctx, "d1", "s9", entity.SuggestionPending, entity.SuggestionRejected, "other", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s, err := m.GetSuggestion(ctx, "d1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != entity.SuggestionAccepted || s.ReviewedBy != "owner" || s.ReviewedAt == nil {
		t.Fatalf("suggestion = %+v", s)
	}
	if _, err := m.GetSuggestion(ctx, "d1", "s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_PresenceAndSessions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_ = m.UpsertPresence(ctx, entity.Presence{DocID: "d1", UserID: "bob", Cursor: 1})
	_ = m.UpsertPresence(ctx, entity.Presence{DocID: "d1", UserID: "alice", Cursor: 2})
	_ = m.UpsertPresence(ctx, entity.Presence{DocID: "d1", UserID: "bob", Cursor: 7})
	ps, _ := m.GetPresence(ctx, "d1")
	if len(ps) != 2 || ps[0].UserID != "alice" || ps[1].Cursor != 7 {
		t.Fatalf("presence = %+v", ps)
	}
	_ = m.RemovePresence(ctx, "d1", "bob")
	ps, _ = m.GetPresence(ctx, "d1")
	if len(ps) != 1 {
		t.Fatalf("presence after remove = %+v", ps)
	}

	_ = m.CreateSession(ctx, entity.Session{ID: "s1", UserID: "alice"})
	at := time.Now()
	if err := m.UpdateSessionActivity(ctx, "s1", "d1", at); err != nil {
		t.Fatal(err)
	}
	s, ok := m.Session("s1")
	if !ok || s.DocID != "d1" || !s.LastActivity.Equal(at) {
		t.Fatalf("session = %+v", s)
	}
	_ = m.DeleteSession(ctx, "s1")
	if err := m.UpdateSessionActivity(ctx, "s1", "d1", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
