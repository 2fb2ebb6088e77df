package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/store"
)

// 清理过期成员，返回清理数量
// KEYS[1] = roomKey(docID), KEYS[2] = stateKey(docID), ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// 会话不存在时返回 0，避免 HSET 复活已删除的会话
// KEYS[1] = sessionKey, ARGV[1] = docID, ARGV[2] = lastActivity (unix millis), ARGV[3] = ttl millis
var touchSessionScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "docId", ARGV[1], "lastActivity", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisPresence keeps presence and the session mirror in redis.
// Members carry a logical TTL in the ZSET score so a crashed node's users
// age out without a cleanup job.
type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func (p *RedisPresence) UpsertPresence(ctx context.Context, pr entity.Presence) error {
	data, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(pr.DocID), redis.Z{Score: float64(expireAt), Member: pr.UserID})
	tx.HSet(ctx, stateKey(pr.DocID), pr.UserID, data)
	// 整个房间长期无人刷新时自动过期
	tx.Expire(ctx, roomKey(pr.DocID), 2*p.ttl)
	tx.Expire(ctx, stateKey(pr.DocID), 2*p.ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (p *RedisPresence) GetPresence(ctx context.Context, docID string) ([]entity.Presence, error) {
	now := time.Now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), stateKey(docID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	raw, err := p.rdb.HMGet(ctx, stateKey(docID), alive...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]entity.Presence, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			out = append(out, entity.Presence{DocID: docID, UserID: alive[i]})
			continue
		}
		var pr entity.Presence
		if err := json.Unmarshal([]byte(s), &pr); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (p *RedisPresence) RemovePresence(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, stateKey(docID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) CreateSession(ctx context.Context, s entity.Session) error {
	tx := p.rdb.TxPipeline()
	tx.HSet(ctx, sessionKey(s.ID), map[string]any{
		"id":           s.ID,
		"userId":       s.UserID,
		"username":     s.Username,
		"docId":        s.DocID,
		"role":         s.Role,
		"color":        s.Color,
		"connectedAt":  s.ConnectedAt.UnixMilli(),
		"lastActivity": s.LastActivity.UnixMilli(),
	})
	tx.Expire(ctx, sessionKey(s.ID), p.ttl)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) UpdateSessionActivity(ctx context.Context, sessionID, docID string, at time.Time) error {
	n, err := touchSessionScript.Run(ctx, p.rdb, []string{sessionKey(sessionID)},
		docID, at.UnixMilli(), p.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (p *RedisPresence) DeleteSession(ctx context.Context, sessionID string) error {
	return p.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

func (p *RedisPresence) GetSession(ctx context.Context, sessionID string) (*entity.Session, error) {
	m, err := p.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, store.ErrNotFound
	}
	connected, err1 := strconv.ParseInt(m["connectedAt"], 10, 64)
	last, err2 := strconv.ParseInt(m["lastActivity"], 10, 64)
	if err := errors.Join(err1, err2); err != nil {
		return nil, err
	}
	return &entity.Session{
		ID:           m["id"],
		UserID:       m["userId"],
		Username:     m["username"],
		DocID:        m["docId"],
		Role:         m["role"],
		Color:        m["color"],
		ConnectedAt:  time.UnixMilli(connected),
		LastActivity: time.UnixMilli(last),
	}, nil
}

var (
	_ store.PresenceStore = (*RedisPresence)(nil)
	_ store.SessionStore  = (*RedisPresence)(nil)
)
