package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists the queue snapshot across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

const defaultSnapshotKey = "mailguard:queue:snapshot"

// RedisStore keeps the snapshot in a single Redis key so any instance
// in the fleet can pick up the backlog after a crash.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore builds a store on client. Empty key takes the default;
// ttl <= 0 means the snapshot never expires.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = defaultSnapshotKey
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save queue snapshot to redis: %w", err)
	}
	return nil
}

// Load returns nil data when no snapshot exists.
func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue snapshot from redis: %w", err)
	}
	return data, nil
}

// Clear drops the snapshot, called after a successful restore so a
// later crash does not replay stale jobs.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// MemoryStore is an in-process SnapshotStore for tests and for
// deployments without Redis.
type MemoryStore struct {
	data []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(_ context.Context, data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]byte, error) {
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}
