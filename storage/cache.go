package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

// Cache wraps a Backend with Redis-backed caching for collection reads.
// A replace evicts the cached list and stores the persisted one.
type Cache struct {
	base   Backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:   base,
		redis:  client,
		ttl:    ttl,
		logger: log.StandardLogger(),
	}
}

func (c *Cache) UpsertUser(ctx context.Context, user domain.Identity) error {
	return c.base.UpsertUser(ctx, user)
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return cachedFetch(ctx, c, tasksCacheKey(userID), userID, c.base.FetchTasks)
}

func (c *Cache) ReplaceTasks(ctx context.Context, userID string, tasks []domain.Task) ([]domain.Task, error) {
	return cachedReplace(ctx, c, tasksCacheKey(userID), userID, tasks, c.base.ReplaceTasks)
}

func (c *Cache) FetchActivities(ctx context.Context, userID string) ([]domain.Activity, error) {
	return cachedFetch(ctx, c, activitiesCacheKey(userID), userID, c.base.FetchActivities)
}

func (c *Cache) ReplaceActivities(ctx context.Context, userID string, activities []domain.Activity) ([]domain.Activity, error) {
	return cachedReplace(ctx, c, activitiesCacheKey(userID), userID, activities, c.base.ReplaceActivities)
}

func cachedFetch[T any](ctx context.Context, c *Cache, key, userID string, fetch func(context.Context, string) ([]T, error)) ([]T, error) {
	if records, ok := load[T](ctx, c, key); ok {
		return records, nil
	}
	records, err := fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	store(ctx, c, key, records)
	return records, nil
}

func cachedReplace[T any](ctx context.Context, c *Cache, key, userID string, records []T, replace func(context.Context, string, []T) ([]T, error)) ([]T, error) {
	c.evict(ctx, key)
	saved, err := replace(ctx, userID, records)
	if err != nil {
		return nil, err
	}
	store(ctx, c, key, saved)
	return saved, nil
}

func load[T any](ctx context.Context, c *Cache, key string) ([]T, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			c.logger.WithError(err).WithField("key", key).Debug("cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var records []T
	if err := sonic.Unmarshal(data, &records); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return records, true
}

func store[T any](ctx context.Context, c *Cache, key string, records []T) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(records)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, key).Result()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func activitiesCacheKey(userID string) string {
	return "activities:" + userID
}
