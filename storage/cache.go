package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a Store with Redis-backed caching of the per-project task
// list. Mutations evict the project's entry so broadcast-triggered
// refetches observe the committed state.
type Cache struct {
	base  domain.Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Store wrapper using the provided Redis client
// and TTL. A nil client disables caching entirely.
func NewCache(base domain.Store, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) MemberRole(ctx context.Context, projectID, userID int64) (domain.Role, error) {
	return c.base.MemberRole(ctx, projectID, userID)
}

func (c *Cache) AddMember(ctx context.Context, projectID, userID int64, role domain.Role) error {
	return c.base.AddMember(ctx, projectID, userID, role)
}

func (c *Cache) ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, projectID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, projectID, tasks)
	return tasks, nil
}

func (c *Cache) InTx(ctx context.Context, projectID int64, fn func(tx domain.Tx) error) error {
	if err := c.base.InTx(ctx, projectID, fn); err != nil {
		return err
	}
	c.evict(ctx, projectID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, projectID int64) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, projectID int64, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID int64) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(projectID)).Result()
}

func tasksCacheKey(projectID int64) string {
	return "cache:tasks:" + strconv.FormatInt(projectID, 10)
}
