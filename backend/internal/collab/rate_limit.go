package collab

import (
	"context"
	"sync"
	"time"
)

// RateLimiter decides whether userID may submit another operation to docID.
type RateLimiter interface {
	Allow(ctx context.Context, docID, userID string) (bool, error)
}

// SlidingWindowLimiter keeps the timestamps of accepted calls per
// (document, user) and admits a call while fewer than limit fall inside the
// window. A limit <= 0 disables it.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, docID, userID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	key := docID + "\x00" + userID
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return false, nil
	}
	l.hits[key] = append(hits, now)
	return true, nil
}

// Forget drops the history of every user of docID; called when the document
// is evicted.
func (l *SlidingWindowLimiter) Forget(docID string) {
	prefix := docID + "\x00"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.hits {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(l.hits, k)
		}
	}
}
