package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
)

// RedisCache is the fast-path task cache and per-task lease holder.
// Grounded on itsneelabh-gomind/orchestration/redis_task_store.go's
// SETNX-create / redis.Nil-is-not-found / key-prefix conventions.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	leaseTTL  time.Duration
	logger    core.Logger
}

// RedisCacheConfig configures a RedisCache.
type RedisCacheConfig struct {
	KeyPrefix string
	TTL       time.Duration
	// LeaseTTL is the per-task lease TTL (spec §6's LEASE_TTL_SECONDS).
	LeaseTTL time.Duration
	Logger   core.Logger
}

// DefaultRedisCacheConfig mirrors spec §6's CACHE_TTL_SECONDS and
// LEASE_TTL_SECONDS defaults.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		KeyPrefix: "tentackl",
		TTL:       600 * time.Second,
		LeaseTTL:  60 * time.Second,
		Logger:    core.NoOpLogger{},
	}
}

// NewRedisCache builds a RedisCache over an existing client.
func NewRedisCache(client *redis.Client, cfg RedisCacheConfig) *RedisCache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tentackl"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 600 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	return &RedisCache{client: client, keyPrefix: cfg.KeyPrefix, ttl: cfg.TTL, leaseTTL: cfg.LeaseTTL, logger: cfg.Logger}
}

func (c *RedisCache) taskKey(id string) string {
	return fmt.Sprintf("%s:task:%s", c.keyPrefix, id)
}

func (c *RedisCache) leaseKey(taskID string) string {
	return fmt.Sprintf("%s:lease:%s", c.keyPrefix, taskID)
}

func (c *RedisCache) GetTask(ctx context.Context, id string) (*domain.Task, bool) {
	raw, err := c.client.Get(ctx, c.taskKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "cache get failed, falling through to durable", map[string]interface{}{
				"task_id": id, "error": err.Error(),
			})
		}
		return nil, false
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		c.logger.WarnContext(ctx, "cache entry corrupt, falling through to durable", map[string]interface{}{
			"task_id": id, "error": err.Error(),
		})
		return nil, false
	}
	return &task, true
}

func (c *RedisCache) SetTask(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return core.NewError("cache.SetTask", core.KindInternal, task.ID, err)
	}
	if err := c.client.Set(ctx, c.taskKey(task.ID), data, c.ttl).Err(); err != nil {
		return core.NewError("cache.SetTask", core.KindInternal, task.ID, err)
	}
	return nil
}

func (c *RedisCache) InvalidateTask(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.taskKey(id)).Err(); err != nil {
		return core.NewError("cache.InvalidateTask", core.KindInternal, id, err)
	}
	return nil
}

// AcquireLease implements the per-task lease (spec §3, §4.7 step 1) as a
// redis SETNX with a heartbeat TTL; only the holder of ownerToken may
// renew or release it.
func (c *RedisCache) AcquireLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.leaseKey(taskID), ownerToken, c.leaseTTL).Result()
	if err != nil {
		return false, core.NewError("cache.AcquireLease", core.KindInternal, taskID, err)
	}
	return ok, nil
}

func (c *RedisCache) RenewLease(ctx context.Context, taskID, ownerToken string) (bool, error) {
	cur, err := c.client.Get(ctx, c.leaseKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, core.NewError("cache.RenewLease", core.KindInternal, taskID, err)
	}
	if cur != ownerToken {
		return false, nil
	}
	if err := c.client.Expire(ctx, c.leaseKey(taskID), c.leaseTTL).Err(); err != nil {
		return false, core.NewError("cache.RenewLease", core.KindInternal, taskID, err)
	}
	return true, nil
}

func (c *RedisCache) ReleaseLease(ctx context.Context, taskID, ownerToken string) error {
	cur, err := c.client.Get(ctx, c.leaseKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return core.NewError("cache.ReleaseLease", core.KindInternal, taskID, err)
	}
	if cur != ownerToken {
		return core.NewErrorf("cache.ReleaseLease", core.KindForbidden, "lease held by another owner")
	}
	return c.client.Del(ctx, c.leaseKey(taskID)).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
