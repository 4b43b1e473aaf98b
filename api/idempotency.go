package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// RedisDeduper stores move idempotency keys and their responses in Redis so
// all instances answer a retried move the same way.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(accountID, key string) string {
	return fmt.Sprintf("idem:%s:%s", accountID, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, accountID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(accountID, key), pendingMarker, r.ttl).Result()
}

// Remove deletes a previously recorded key.
func (r *RedisDeduper) Remove(ctx context.Context, accountID, key string) error {
	return r.client.Del(ctx, r.key(accountID, key)).Err()
}

// StoreResult replaces the in-flight marker with the response body.
func (r *RedisDeduper) StoreResult(ctx context.Context, accountID, key string, body []byte) error {
	return r.client.Set(ctx, r.key(accountID, key), body, r.ttl).Err()
}

// Result returns the stored response for key. ok is false when the key is
// unknown or its move has not finished.
func (r *RedisDeduper) Result(ctx context.Context, accountID, key string) ([]byte, bool, error) {
	body, err := r.client.Get(ctx, r.key(accountID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if string(body) == pendingMarker {
		return nil, false, nil
	}
	return body, true, nil
}
