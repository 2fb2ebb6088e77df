package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/store"
)

func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func TestRedisPresence_UpsertAndList(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb, time.Minute)

	for _, pr := range []entity.Presence{
		{DocID: "d1", UserID: "bob", Cursor: 3},
		{DocID: "d1", UserID: "alice", Cursor: 1, Typing: true},
		{DocID: "d1", UserID: "bob", Cursor: 9},
	} {
		if err := p.UpsertPresence(ctx, pr); err != nil {
			t.Fatalf("UpsertPresence: %v", err)
		}
	}

	got, err := p.GetPresence(ctx, "d1")
	if err != nil {
		t.Fatalf("GetPresence: %v", err)
	}
	if len(got) != 2 || got[0].UserID != "alice" || !got[0].Typing || got[1].Cursor != 9 {
		t.Fatalf("presence = %+v", got)
	}

	if err := p.RemovePresence(ctx, "d1", "alice"); err != nil {
		t.Fatal(err)
	}
	got, _ = p.GetPresence(ctx, "d1")
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("presence after remove = %+v", got)
	}
}

func TestRedisPresence_ExpiredMembersAreCleaned(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb, time.Minute)

	past := time.Now().Add(-time.Minute).Unix()
	rdb.ZAdd(ctx, roomKey("d2"), redis.Z{Score: float64(past), Member: "ghost"})
	rdb.HSet(ctx, stateKey("d2"), "ghost", `{"userId":"ghost"}`)

	got, err := p.GetPresence(ctx, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expired member still listed: %+v", got)
	}
	if n := rdb.HLen(ctx, stateKey("d2")).Val(); n != 0 {
		t.Fatalf("state hash not cleaned, %d fields left", n)
	}
}

func TestRedisPresence_Sessions(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(rdb, time.Minute)

	now := time.Now().Truncate(time.Millisecond)
	s := entity.Session{ID: "s1", UserID: "alice", Role: "editor", ConnectedAt: now, LastActivity: now}
	if err := p.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	later := now.Add(time.Second)
	if err := p.UpdateSessionActivity(ctx, "s1", "d1", later); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DocID != "d1" || !got.LastActivity.Equal(later) || got.Role != "editor" {
		t.Fatalf("session = %+v", got)
	}

	if err := p.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateSessionActivity(ctx, "s1", "d1", later); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("touching a deleted session must fail with ErrNotFound, got %v", err)
	}
}

func TestRedisRateLimiter(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	l := NewRedisRateLimiter(rdb, 3, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "d1", "alice")
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "d1", "alice"); ok {
		t.Fatal("fourth call inside the window must be rejected")
	}
	if ok, _ := l.Allow(ctx, "d1", "bob"); !ok {
		t.Fatal("budget is per user")
	}

	l.now = func() time.Time { return base.Add(time.Minute + time.Millisecond) }
	if ok, _ := l.Allow(ctx, "d1", "alice"); !ok {
		t.Fatal("window should have slid past the old calls")
	}
}
