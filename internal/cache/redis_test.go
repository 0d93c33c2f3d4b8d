package cache

import (
	"context"
	"testing"
	"time"

	"photoflow/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestGetTreatsConnectionErrorAsMiss(t *testing.T) {
	c := NewRedisTaskCache(unreachableClient(), 0)
	task, ok := c.Get(context.Background(), uuid.New())
	assert.False(t, ok)
	assert.Nil(t, task)
	assert.Error(t, c.Ping(context.Background()))
}

func TestPutIgnoresNonTerminalTask(t *testing.T) {
	c := NewRedisTaskCache(unreachableClient(), time.Minute)
	assert.NotPanics(t, func() {
		c.Put(context.Background(), &models.Task{ID: uuid.New(), Status: models.StatusProcessing})
		c.Put(context.Background(), nil)
	})
}

func TestTaskKey(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	assert.Equal(t, "photoflow:task:00000000-0000-0000-0000-000000000001", taskKey(id))
	assert.Equal(t, DefaultTTL, NewRedisTaskCache(nil, 0).ttl)
}
