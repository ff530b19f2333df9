package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TimeSet is a time-ordered set of string members. Adding an existing
// member moves it to the new timestamp. Range returns the oldest members
// first; a non-positive limit yields an empty slice.
type TimeSet interface {
	Add(ctx context.Context, member string, at time.Time) error
	Remove(ctx context.Context, member string) error
	Range(ctx context.Context, limit int) ([]string, error)
}

// RedisTimeSet keeps members in a single sorted set scored by unix
// milliseconds. The set key TTL is refreshed on every Add so an abandoned
// index eventually expires with its members.
type RedisTimeSet struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisTimeSet(client *redis.Client, key string, ttl time.Duration) *RedisTimeSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTimeSet{client: client, key: key, ttl: ttl}
}

func (s *RedisTimeSet) Add(ctx context.Context, member string, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	pipe.Expire(ctx, s.key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisTimeSet) Remove(ctx context.Context, member string) error {
	return s.client.ZRem(ctx, s.key, member).Err()
}

func (s *RedisTimeSet) Range(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.client.ZRange(ctx, s.key, 0, int64(limit-1)).Result()
}

// MemoryTimeSet mirrors RedisTimeSet for tests and degraded mode.
type MemoryTimeSet struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewMemoryTimeSet() *MemoryTimeSet {
	return &MemoryTimeSet{items: map[string]time.Time{}}
}

func (s *MemoryTimeSet) Add(ctx context.Context, member string, at time.Time) error {
	s.mu.Lock()
	s.items[member] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryTimeSet) Remove(ctx context.Context, member string) error {
	s.mu.Lock()
	delete(s.items, member)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTimeSet) Range(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	type pair struct {
		member string
		at     time.Time
	}
	ordered := make([]pair, 0, len(s.items))
	for m, at := range s.items {
		ordered = append(ordered, pair{member: m, at: at})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].at.Equal(ordered[j].at) {
			return ordered[i].member < ordered[j].member
		}
		return ordered[i].at.Before(ordered[j].at)
	})
	if limit > len(ordered) {
		limit = len(ordered)
	}
	out := make([]string, 0, limit)
	for _, p := range ordered[:limit] {
		out = append(out, p.member)
	}
	return out, nil
}
