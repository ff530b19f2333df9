package ratelimit

import (
	"sync"
	"time"
)

// Decision is the result of one quota consumption. A rejected decision
// means "skip this action": the limiter never queues, and callers must not
// spin on a rejection.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts consumptions in a fixed window. Consume must be a single
// atomic round trip against the backing store: multiple process instances
// share quota and a read-then-write gap would overspend it.
type Limiter interface {
	Consume(key string, limit int, window time.Duration) Decision
}

// InMemoryLimiter is the single-process fallback used when the shared
// store is unreachable.
type InMemoryLimiter struct {
	mu    sync.Mutex
	items map[string]windowEntry
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{items: make(map[string]windowEntry)}
}

func (l *InMemoryLimiter) Consume(key string, limit int, window time.Duration) Decision {
	limit = limitFloor(limit)
	window = windowFloor(window)
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupLocked(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowEntry{count: 0, resetAt: now.Add(window)}
	}
	curr.count++
	l.items[key] = curr
	return decisionFor(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanupLocked(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decisionFor(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func limitFloor(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

func windowFloor(window time.Duration) time.Duration {
	if window <= 0 {
		return time.Minute
	}
	return window
}
