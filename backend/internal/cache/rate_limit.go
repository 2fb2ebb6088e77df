package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// 滑动窗口：先清掉窗口外的记录，未超限才记一笔
// KEYS[1] = rateKey, ARGV[1] = now ms, ARGV[2] = window ms, ARGV[3] = limit, ARGV[4] = member
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

// RedisRateLimiter enforces a per-user, per-document operation budget shared
// by every node that hosts the document.
type RedisRateLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(rdb redis.UniversalClient, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, docID, userID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	n, err := slidingWindowScript.Run(ctx, l.rdb, []string{rateKey(docID, userID)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.limit, uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
