package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps outcomes under mutation:{user}:{id}. The braces form a
// cluster hash tag, so each submitter's keys share a slot.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "mutation:"}
}

func (s *RedisStore) key(key Key) string {
	return s.prefix + "{" + key.User + "}:" + key.ID
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Outcome, error) {
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{}, ErrNotFound
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup mutation outcome: %w", err)
	}
	var outcome Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode mutation outcome: %w", err)
	}
	return outcome, nil
}

// Put uses SET NX so the first recorded outcome wins.
func (s *RedisStore) Put(ctx context.Context, key Key, outcome Outcome, ttl time.Duration) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode mutation outcome: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.SetNX(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save mutation outcome: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
