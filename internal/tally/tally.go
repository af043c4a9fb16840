// Package tally keeps per-day counts of attendance marks by code. Counts are
// derived from attendance.marked events and are not authoritative; the ledger
// is.
package tally

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "attendance:tally:"

// Store increments and reads daily counters. day is YYYY-MM-DD.
type Store interface {
	Incr(ctx context.Context, day, code string) error
	Counts(ctx context.Context, day string) (map[string]int64, error)
}

// RedisStore keeps one hash per day, field = code.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisStore returns a store whose daily hashes expire ttl after the last
// increment. A zero ttl keeps them forever.
func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Incr(ctx context.Context, day, code string) error {
	key := keyPrefix + day
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, code, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Counts(ctx context.Context, day string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, keyPrefix+day).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for code, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[code] = n
	}
	return out, nil
}

// MemoryStore is the in-process variant for dev and tests.
type MemoryStore struct {
	mu   sync.Mutex
	days map[string]map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{days: make(map[string]map[string]int64)}
}

func (s *MemoryStore) Incr(_ context.Context, day, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.days[day] == nil {
		s.days[day] = make(map[string]int64)
	}
	s.days[day][code]++
	return nil
}

func (s *MemoryStore) Counts(_ context.Context, day string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.days[day]))
	for code, n := range s.days[day] {
		out[code] = n
	}
	return out, nil
}
