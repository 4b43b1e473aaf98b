package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
)

type boardBackend interface {
	LoadBoard(ctx context.Context, scope domain.Scope, boardKey string) (domain.BoardView, error)
	ListStages(ctx context.Context, scope domain.Scope, boardKey string) ([]domain.Stage, error)
}

// Cache wraps board reads with Redis caching. It implements
// domain.Invalidator so the engine evicts entries after every commit.
type Cache struct {
	base  boardBackend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base boardBackend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base reader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) LoadBoard(ctx context.Context, scope domain.Scope, boardKey string) (domain.BoardView, error) {
	if boardKey == "" {
		boardKey = domain.DefaultBoardKey
	}
	gen, cacheable := c.generation(ctx, scope.AccountID, boardKey)
	var view domain.BoardView
	if cacheable && c.load(ctx, boardCacheKey(scope.AccountID, boardKey, gen), &view) {
		return view, nil
	}
	view, err := c.base.LoadBoard(ctx, scope, boardKey)
	if err != nil {
		return domain.BoardView{}, err
	}
	if cacheable {
		c.store(ctx, boardCacheKey(scope.AccountID, boardKey, gen), view)
	}
	return view, nil
}

func (c *Cache) ListStages(ctx context.Context, scope domain.Scope, boardKey string) ([]domain.Stage, error) {
	if boardKey == "" {
		boardKey = domain.DefaultBoardKey
	}
	gen, cacheable := c.generation(ctx, scope.AccountID, boardKey)
	var stages []domain.Stage
	if cacheable && c.load(ctx, stagesCacheKey(scope.AccountID, boardKey, gen), &stages) {
		return stages, nil
	}
	stages, err := c.base.ListStages(ctx, scope, boardKey)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.store(ctx, stagesCacheKey(scope.AccountID, boardKey, gen), stages)
	}
	return stages, nil
}

// InvalidateBoard bumps the board's generation so entries written by reads
// that started before the commit are never served, then drops the entries of
// the previous generation.
func (c *Cache) InvalidateBoard(ctx context.Context, scope domain.Scope, boardKey string) {
	if c.redis == nil {
		return
	}
	if boardKey == "" {
		boardKey = domain.DefaultBoardKey
	}
	next, err := c.redis.Incr(ctx, generationKey(scope.AccountID, boardKey)).Result()
	if err != nil {
		return
	}
	prev := next - 1
	_, _ = c.redis.Del(ctx, boardCacheKey(scope.AccountID, boardKey, prev), stagesCacheKey(scope.AccountID, boardKey, prev)).Result()
}

// generation reports the board's current cache generation. Reads skip the
// cache entirely when it cannot be determined.
func (c *Cache) generation(ctx context.Context, accountID, boardKey string) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(accountID, boardKey)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		return 0, false
	}
	return gen, true
}

func (c *Cache) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func generationKey(accountID, boardKey string) string {
	return "boardgen:" + accountID + ":" + boardKey
}

func boardCacheKey(accountID, boardKey string, gen int64) string {
	return "board:" + accountID + ":" + boardKey + ":" + strconv.FormatInt(gen, 10)
}

func stagesCacheKey(accountID, boardKey string, gen int64) string {
	return "stages:" + accountID + ":" + boardKey + ":" + strconv.FormatInt(gen, 10)
}
