package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"imageBatch/worker/models"
)

const (
	progressKeyPrefix = "queue:progress:"
	statusKeyPrefix   = "task:status:"
	defaultTTL        = 10 * time.Minute
)

// ErrMiss is returned when a key is not cached.
var ErrMiss = errors.New("cache miss")

func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// ProgressCache keeps short lived snapshots of queue progress and of settled
// tasks so that polling does not hit the database every time.
type ProgressCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewProgressCache(client redis.Cmdable) *ProgressCache {
	return &ProgressCache{client: client, ttl: defaultTTL}
}

func (c *ProgressCache) GetProgress(ctx context.Context, queueID string) (*models.Progress, error) {
	data, err := c.client.Get(ctx, progressKeyPrefix+queueID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var p models.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *ProgressCache) SetProgress(ctx context.Context, p *models.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, progressKeyPrefix+p.QueueID, data, c.ttl).Err()
}

// GetTask returns the cached snapshot of a settled task.
func (c *ProgressCache) GetTask(ctx context.Context, taskID string) (*models.BatchTask, error) {
	data, err := c.client.Get(ctx, statusKeyPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var t models.BatchTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *ProgressCache) SetTask(ctx context.Context, t *models.BatchTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+t.ID, data, c.ttl).Err()
}

// InvalidateTask drops the snapshot of a task whose status changed.
func (c *ProgressCache) InvalidateTask(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, statusKeyPrefix+taskID).Err()
}

// Invalidate drops the progress snapshot of a queue.
func (c *ProgressCache) Invalidate(ctx context.Context, queueID string) error {
	return c.client.Del(ctx, progressKeyPrefix+queueID).Err()
}
