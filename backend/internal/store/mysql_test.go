package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

// mysqlDSN returns the test database or skips; e.g.
// COLLAB_TEST_MYSQL_DSN="root:root@tcp(127.0.0.1:3306)/collab_test?parseTime=true"
func mysqlDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("COLLAB_TEST_MYSQL_DSN not set")
	}
	return dsn
}

func TestMySQLLog_RoundTrip(t *testing.T) {
	dsn := mysqlDSN(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("mysql not available: %v", err)
	}

	s := NewMySQLLog(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	docID := "test-" + uuid.NewString()

	snap, err := s.GetOrCreateSnapshot(ctx, docID, "alice", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != "hello" || snap.Clock != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	ops := []ot.Operation{
		{ID: "a", DocID: docID, UserID: "alice", Kind: ot.KindInsert, Position: 5, Text: " world", Clock: 1, Timestamp: now},
		{ID: "b", DocID: docID, UserID: "bob", Kind: ot.KindDelete, Position: 0, Length: 1, Clock: 1, Seq: 1, Timestamp: now},
	}
	if err := s.AppendOperations(ctx, ops); err != nil {
		t.Fatal(err)
	}
	// 1062 被当作成功
	if err := s.AppendOperations(ctx, ops); err != nil {
		t.Fatalf("re-append must be idempotent: %v", err)
	}

	state, err := s.GetDocumentState(ctx, docID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Operations) != 2 || state.Operations[1].Kind != ot.KindDelete {
		t.Fatalf("operations = %+v", state.Operations)
	}

	if err := s.UpdateSnapshot(ctx, docID, "ello world", map[string]any{"title": "x"}, 1); err != nil {
		t.Fatal(err)
	}
	state, _ = s.GetDocumentState(ctx, docID, 1)
	if state.Snapshot.Content != "ello world" || state.Snapshot.Version != 1 || len(state.Operations) != 0 {
		t.Fatalf("state after snapshot = %+v", state)
	}

	if err := s.MarkTombstones(ctx, docID, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	ids, _ := s.LiveOperationIDs(ctx, docID)
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("live ids = %v", ids)
	}
	state, _ = s.GetDocumentState(ctx, docID, 0)
	if len(state.Operations) != 2 || state.Truncated {
		t.Fatalf("tombstoned rows must stay readable until collected: %+v", state)
	}
	n, err := s.GarbageCollect(ctx, docID, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("gc removed %d err=%v", n, err)
	}
	state, _ = s.GetDocumentState(ctx, docID, 0)
	if !state.Truncated || len(state.Operations) != 1 {
		t.Fatalf("state behind the collected horizon = %+v", state)
	}
}

func TestGormAnnotations_RoundTrip(t *testing.T) {
	dsn := mysqlDSN(t)
	ctx := context.Background()

	db, err := OpenGorm(dsn)
	if err != nil {
		t.Skipf("mysql not available: %v", err)
	}
	g := NewGormAnnotations(db)
	if err := g.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	docID := "test-" + uuid.NewString()

	c := entity.Comment{ID: uuid.NewString(), DocID: docID, UserID: "alice", Text: "nit", CreatedAt: time.Now()}
	if err := g.AddComment(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := g.ResolveComment(ctx, docID, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := g.ResolveComment(ctx, docID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sg := entity.Suggestion{
		ID:        uuid.NewString(),
		DocID:     docID,
		UserID:    "bob",
		Operation: ot.Operation{ID: "op", DocID: docID, Kind: ot.KindInsert, Text: "hi"},
		Status:    entity.SuggestionPending,
		CreatedAt: time.Now(),
	}
	if err := g.AddSuggestion(ctx, sg); err != nil {
		t.Fatal(err)
	}
	if err := g.UpdateSuggestionStatus(ctx, docID, sg.ID, entity.SuggestionPending, entity.SuggestionRejected, "alice", time.Now()); err != nil {
		t.Fatal(err)
	}
	err = g.UpdateSuggestionStatus(ctx, docID, sg.ID, entity.SuggestionPending, entity.SuggestionAccepted, "carol", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := g.GetSuggestion(ctx, docID, sg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != entity.SuggestionRejected || got.Operation.Text != "hi" {
		t.Fatalf("suggestion = %+v", got)
	}

	if err := g.AuditLog(ctx, entity.AuditEntry{ID: uuid.NewString(), DocID: docID, Action: entity.AuditJoin, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := g.LogCompaction(ctx, docID, 10, 2, 0); err != nil {
		t.Fatal(err)
	}
}
