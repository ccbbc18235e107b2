// Package receipt records the delivery status of sends, keyed by code
// fingerprint.
package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pylon/internal/model"
	"pylon/internal/service/redis"
)

type (
	// Store keeps receipts for a limited time. Get returns nil, nil for an
	// unknown or expired key.
	Store interface {
		Put(ctx context.Context, key string, r *model.Receipt) error
		Get(ctx context.Context, key string) (*model.Receipt, error)
	}

	MemoryStore struct {
		ttl   time.Duration
		nowFn func() time.Time

		mu      sync.Mutex
		entries map[string]memoryEntry
	}

	memoryEntry struct {
		receipt  model.Receipt
		expireAt time.Time
	}

	// KV is the subset of the redis service a RedisStore needs.
	KV interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
	}

	RedisStore struct {
		kv  KV
		ttl time.Duration
	}
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ KV    = (*redis.RedisService)(nil)
)

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, r *model.Receipt) error {
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	// drop expired entries while holding the lock anyway
	for k, e := range s.entries {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(s.entries, k)
		}
	}

	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
	}
	s.entries[key] = memoryEntry{receipt: *r, expireAt: exp}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*model.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !e.expireAt.IsZero() && s.nowFn().After(e.expireAt) {
		delete(s.entries, key)
		return nil, nil
	}
	r := e.receipt
	return &r, nil
}

func NewRedisStore(kv KV, ttl time.Duration) *RedisStore {
	return &RedisStore{kv: kv, ttl: ttl}
}

func redisKey(key string) string {
	return fmt.Sprintf("receipt: %s", key)
}

func (s *RedisStore) Put(ctx context.Context, key string, r *model.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, redisKey(key), data, s.ttl)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*model.Receipt, error) {
	v, err := s.kv.Get(ctx, redisKey(key))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var r model.Receipt
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
