package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageBatch/worker/backend"
	"imageBatch/worker/converter"
	"imageBatch/worker/kafka"
	"imageBatch/worker/metrics"
	"imageBatch/worker/models"
	"imageBatch/worker/repository"
	"imageBatch/worker/storage"
)

const (
	DefaultMaxRetries = 2

	outcomeCompleted   = "completed"
	outcomeFailed      = "failed"
	outcomeRetried     = "retried"
	outcomeInterrupted = "interrupted"
)

// internalError marks failures on our side of the backend call. They fail
// the task without spending retries.
type internalError struct {
	err error
}

func (e *internalError) Error() string { return e.err.Error() }
func (e *internalError) Unwrap() error { return e.err }

func internal(format string, args ...any) error {
	return &internalError{err: fmt.Errorf(format, args...)}
}

type ProcessorConfig struct {
	MaxRetries int
	// CallTimeout bounds a single backend call. Zero means no bound.
	CallTimeout time.Duration
}

type Processor struct {
	repo      repository.Repository
	backend   backend.GenerationBackend
	store     storage.Store
	converter *converter.Converter
	events    kafka.Publisher
	cache     ProgressCache
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       ProcessorConfig
}

func NewProcessor(
	repo repository.Repository,
	gen backend.GenerationBackend,
	store storage.Store,
	conv *converter.Converter,
	events kafka.Publisher,
	cache ProgressCache,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg ProcessorConfig,
) *Processor {
	if events == nil {
		events = kafka.NopPublisher()
	}
	if cache == nil {
		cache = nopCache{}
	}
	return &Processor{
		repo:      repo,
		backend:   gen,
		store:     store,
		converter: conv,
		events:    events,
		cache:     cache,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
	}
}

// Process executes one task that the scheduler already moved to processing.
// The returned error is only for logging; every outcome is recorded on the
// task row before Process returns.
func (p *Processor) Process(ctx context.Context, task *models.BatchTask) (err error) {
	start := time.Now()
	logger := p.logger.With(
		zap.String("task_id", task.ID),
		zap.String("queue_id", task.QueueID),
		zap.Int("retry_count", task.RetryCount),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task processing panicked", zap.Any("panic", r))
			err = p.fail(ctx, task, fmt.Sprintf("internal error: %v", r), start, logger)
		}
	}()

	outputRef, genErr := p.generate(ctx, task)
	if genErr == nil {
		return p.complete(ctx, task, outputRef, start, logger)
	}

	if ctx.Err() != nil {
		return p.interrupt(ctx, task, start, logger)
	}

	var ie *internalError
	switch {
	case errors.As(genErr, &ie):
		logger.Error("Task failed on internal error", zap.Error(genErr))
		return p.fail(ctx, task, genErr.Error(), start, logger)
	case backend.IsTerminal(genErr):
		logger.Warn("Task failed on terminal backend error", zap.Error(genErr))
		return p.fail(ctx, task, genErr.Error(), start, logger)
	case task.RetryCount < p.cfg.MaxRetries:
		logger.Warn("Task attempt failed, will retry", zap.Error(genErr))
		return p.retry(ctx, task, genErr.Error(), start, logger)
	default:
		logger.Warn("Task failed, retries exhausted", zap.Error(genErr))
		return p.fail(ctx, task, genErr.Error(), start, logger)
	}
}

func (p *Processor) generate(ctx context.Context, task *models.BatchTask) (string, error) {
	source, err := p.store.Load(ctx, task.SourceRef)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", internal("failed to read source image: %w", err)
	}

	callCtx := ctx
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	res, err := p.backend.Edit(callCtx, backend.EditRequest{
		Image:  source,
		Prompt: task.Prompt,
		Model:  task.Model,
	})
	if err != nil {
		return "", err
	}

	data, contentType, ext := res.Data, res.ContentType, ".png"
	if p.converter != nil {
		if data, err = p.converter.Normalize(res.Data); err != nil {
			// a broken image from the backend is worth another attempt
			return "", fmt.Errorf("backend returned unusable image: %w", err)
		}
		contentType, ext = p.converter.Format().ContentType(), p.converter.Format().Extension()
	}

	ref, err := p.store.Save(ctx, "batch/"+uuid.NewString()+ext, data, contentType)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", internal("failed to store result image: %w", err)
	}
	return ref, nil
}

func (p *Processor) complete(ctx context.Context, task *models.BatchTask, outputRef string, start time.Time, logger *zap.Logger) error {
	bg := context.WithoutCancel(ctx)
	cleared := ""

	err := p.repo.TransitionTask(bg, task.ID, models.TaskProcessing, models.TaskCompleted, models.TaskUpdate{
		ErrorMessage:   &cleared,
		OutputRef:      outputRef,
		StampCompleted: true,
		Counter:        models.CounterCompleted,
	})
	if err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			return fmt.Errorf("mark task completed: %w", err)
		}
		logger.Error("Failed to record task completion, failing task",
			zap.String("output_ref", outputRef),
			zap.Error(err),
		)
		return p.fail(ctx, task, fmt.Sprintf("internal error: record completion: %v", err), start, logger)
	}

	p.metrics.TaskFinished(outcomeCompleted, time.Since(start))
	logger.Info("Task completed", zap.String("output_ref", outputRef), zap.Duration("elapsed", time.Since(start)))

	artifact := &models.Artifact{
		OwnerID:    task.OwnerID,
		ImageRef:   outputRef,
		Prompt:     task.Prompt,
		Model:      task.Model,
		FolderPath: task.FolderPath,
	}
	if err := p.repo.RecordArtifact(bg, artifact); err != nil {
		logger.Warn("Failed to record artifact", zap.Error(err))
	}

	p.publish(bg, &kafka.Event{
		Type:       kafka.EventTaskCompleted,
		QueueID:    task.QueueID,
		OwnerID:    task.OwnerID,
		TaskID:     task.ID,
		Status:     string(models.TaskCompleted),
		RetryCount: task.RetryCount,
		OutputRef:  outputRef,
	}, logger)
	p.settle(bg, task, logger)
	return nil
}

func (p *Processor) retry(ctx context.Context, task *models.BatchTask, msg string, start time.Time, logger *zap.Logger) error {
	err := p.repo.TransitionTask(context.WithoutCancel(ctx), task.ID, models.TaskProcessing, models.TaskPending, models.TaskUpdate{
		ErrorMessage:   &msg,
		IncrementRetry: true,
	})
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}

	p.metrics.TaskFinished(outcomeRetried, time.Since(start))
	p.forgetTask(ctx, task.ID, logger)
	return nil
}

func (p *Processor) fail(ctx context.Context, task *models.BatchTask, msg string, start time.Time, logger *zap.Logger) error {
	bg := context.WithoutCancel(ctx)

	err := p.repo.TransitionTask(bg, task.ID, models.TaskProcessing, models.TaskFailed, models.TaskUpdate{
		ErrorMessage:   &msg,
		StampCompleted: true,
		Counter:        models.CounterFailed,
	})
	if err != nil {
		logger.Error("Failed to record task failure", zap.String("error_message", msg), zap.Error(err))
		return fmt.Errorf("mark task failed: %w", err)
	}

	p.metrics.TaskFinished(outcomeFailed, time.Since(start))

	p.publish(bg, &kafka.Event{
		Type:       kafka.EventTaskFailed,
		QueueID:    task.QueueID,
		OwnerID:    task.OwnerID,
		TaskID:     task.ID,
		Status:     string(models.TaskFailed),
		RetryCount: task.RetryCount,
		Error:      msg,
	}, logger)
	p.settle(bg, task, logger)
	return nil
}

// interrupt hands a task cut short by shutdown back to the queue without
// spending a retry.
func (p *Processor) interrupt(ctx context.Context, task *models.BatchTask, start time.Time, logger *zap.Logger) error {
	err := p.repo.TransitionTask(context.WithoutCancel(ctx), task.ID, models.TaskProcessing, models.TaskPending, models.TaskUpdate{})
	if err != nil {
		return fmt.Errorf("release interrupted task: %w", err)
	}
	p.metrics.TaskFinished(outcomeInterrupted, time.Since(start))
	logger.Info("Task interrupted, returned to pending")
	return nil
}

// settle runs after every terminal task transition.
func (p *Processor) settle(ctx context.Context, task *models.BatchTask, logger *zap.Logger) {
	p.forgetTask(ctx, task.ID, logger)

	queueStatus, finalized, err := p.repo.FinalizeQueueIfComplete(ctx, task.QueueID)
	if err != nil {
		logger.Error("Failed to evaluate queue completion", zap.Error(err))
		return
	}
	if err := p.cache.Invalidate(ctx, task.QueueID); err != nil {
		logger.Warn("Failed to invalidate progress cache", zap.Error(err))
	}
	if !finalized {
		return
	}

	p.metrics.QueueFinalized(string(queueStatus))
	logger.Info("Queue finalized", zap.String("status", string(queueStatus)))

	event := &kafka.Event{
		Type:    kafka.EventQueueFinalized,
		QueueID: task.QueueID,
		OwnerID: task.OwnerID,
		Status:  string(queueStatus),
	}
	if q, err := p.repo.GetQueue(ctx, task.QueueID); err == nil {
		event.Total, event.Completed, event.Failed = q.TotalImages, q.CompletedImages, q.FailedImages
	}
	p.publish(ctx, event, logger)
}

func (p *Processor) publish(ctx context.Context, event *kafka.Event, logger *zap.Logger) {
	if err := p.events.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (p *Processor) forgetTask(ctx context.Context, taskID string, logger *zap.Logger) {
	if err := p.cache.InvalidateTask(context.WithoutCancel(ctx), taskID); err != nil {
		logger.Warn("Failed to invalidate task cache", zap.Error(err))
	}
}
