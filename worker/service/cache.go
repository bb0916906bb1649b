package service

import (
	"context"

	"imageBatch/worker/cache"
	"imageBatch/worker/models"
)

// ProgressCache is implemented by *cache.ProgressCache.
type ProgressCache interface {
	GetProgress(ctx context.Context, queueID string) (*models.Progress, error)
	SetProgress(ctx context.Context, p *models.Progress) error
	Invalidate(ctx context.Context, queueID string) error
	GetTask(ctx context.Context, taskID string) (*models.BatchTask, error)
	SetTask(ctx context.Context, t *models.BatchTask) error
	InvalidateTask(ctx context.Context, taskID string) error
}

type nopCache struct{}

func (nopCache) GetProgress(context.Context, string) (*models.Progress, error) {
	return nil, cache.ErrMiss
}

func (nopCache) GetTask(context.Context, string) (*models.BatchTask, error) {
	return nil, cache.ErrMiss
}

func (nopCache) SetProgress(context.Context, *models.Progress) error { return nil }
func (nopCache) Invalidate(context.Context, string) error            { return nil }
func (nopCache) SetTask(context.Context, *models.BatchTask) error    { return nil }
func (nopCache) InvalidateTask(context.Context, string) error        { return nil }
