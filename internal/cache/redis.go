package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"photoflow/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL    = 30 * time.Minute
	TaskKeyPrefix = "photoflow:task:"
)

// RedisTaskCache keeps JSON snapshots of terminal tasks in Redis. Only
// terminal tasks are cached since nothing mutates them afterwards.
type RedisTaskCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTaskCache(client *redis.Client, ttl time.Duration) *RedisTaskCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTaskCache{client: client, ttl: ttl}
}

func taskKey(id uuid.UUID) string { return TaskKeyPrefix + id.String() }

// Get returns the cached task. Any Redis error is treated as a miss.
func (c *RedisTaskCache) Get(ctx context.Context, id uuid.UUID) (*models.Task, bool) {
	val, err := c.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.WithField("task_id", id).Debugf("Task cache lookup failed: %v", err)
		return nil, false
	}
	var task models.Task
	if err := json.Unmarshal(val, &task); err != nil {
		log.WithField("task_id", id).Warnf("Dropping undecodable cached task: %v", err)
		_ = c.client.Del(ctx, taskKey(id)).Err()
		return nil, false
	}
	return &task, true
}

// Put caches a terminal task. Non-terminal tasks are ignored.
func (c *RedisTaskCache) Put(ctx context.Context, task *models.Task) {
	if task == nil || !task.IsTerminal() {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		log.WithField("task_id", task.ID).Warnf("Failed to encode task for cache: %v", err)
		return
	}
	if err := c.client.Set(ctx, taskKey(task.ID), data, c.ttl).Err(); err != nil {
		log.WithField("task_id", task.ID).Debugf("Failed to cache task: %v", err)
	}
}

// Ping checks the Redis connection.
func (c *RedisTaskCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
