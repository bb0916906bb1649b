package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"imageBatch/worker/metrics"
	"imageBatch/worker/models"
	"imageBatch/worker/pool"
	"imageBatch/worker/repository"
)

// TaskSource is the part of the queue store the dispatch loop needs.
type TaskSource interface {
	FetchPendingTasks(ctx context.Context, limit int) ([]*models.BatchTask, error)
	TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, update models.TaskUpdate) error
	MarkQueueProcessing(ctx context.Context, queueID string) (bool, error)
}

// ProgressInvalidator drops cached progress of a queue whose status changed.
type ProgressInvalidator interface {
	Invalidate(ctx context.Context, queueID string) error
}

// Processor runs one claimed task to a terminal or retry-pending outcome.
type Processor interface {
	Process(ctx context.Context, task *models.BatchTask) error
}

type Options struct {
	// PollInterval bounds how long the loop waits for running tasks before
	// polling again when nothing is pending.
	PollInterval time.Duration
	// DispatchDelay is the pause after each dispatch round.
	DispatchDelay time.Duration
	// ErrorBackoff is the pause after a failed store call.
	ErrorBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		PollInterval:  2 * time.Second,
		DispatchDelay: time.Second,
		ErrorBackoff:  5 * time.Second,
	}
}

// Scheduler keeps up to pool.Limit() tasks in flight across all queues,
// oldest pending task first. It drains while work exists and goes idle until
// the next Start.
type Scheduler struct {
	source    TaskSource
	pool      *pool.WorkerPool
	processor Processor
	progress  ProgressInvalidator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	kick    chan struct{}
	running atomic.Bool
}

// New builds a scheduler. progress may be nil when no progress cache is in use.
func New(source TaskSource, p *pool.WorkerPool, processor Processor, progress ProgressInvalidator,
	m *metrics.Metrics, logger *zap.Logger, opts Options) *Scheduler {
	return &Scheduler{
		source:    source,
		pool:      p,
		processor: processor,
		progress:  progress,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		kick:      make(chan struct{}, 1),
	}
}

// Start wakes the dispatch loop. It never blocks and is a no-op while a wake
// up is already pending.
func (s *Scheduler) Start() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is currently draining work.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run serves wake ups until ctx is cancelled, then waits for running tasks to
// return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.pool.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping", zap.Int("active", s.pool.Active()))
			return nil
		case <-s.kick:
		}
		s.drain(ctx)
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("Scheduler started", zap.Int("ceiling", s.pool.Limit()))

	for ctx.Err() == nil {
		s.metrics.SetActive(s.pool.Active())
		s.metrics.SetCeiling(s.pool.Limit())

		free := s.pool.Free()
		if free == 0 {
			s.waitForSlot(ctx)
			continue
		}

		tasks, err := s.source.FetchPendingTasks(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to fetch pending tasks", zap.Error(err))
			sleep(ctx, s.opts.ErrorBackoff)
			continue
		}

		if len(tasks) == 0 {
			if s.pool.Active() == 0 {
				s.logger.Info("Scheduler idle, no pending tasks")
				return
			}
			s.waitForSlot(ctx)
			continue
		}

		if err := s.dispatchAll(ctx, tasks); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Dispatch failed", zap.Error(err))
			sleep(ctx, s.opts.ErrorBackoff)
			continue
		}

		sleep(ctx, s.opts.DispatchDelay)
	}
}

func (s *Scheduler) dispatchAll(ctx context.Context, tasks []*models.BatchTask) error {
	for _, task := range tasks {
		if !s.pool.TryAcquire() {
			// the ceiling was lowered after the fetch
			return nil
		}
		if err := s.dispatch(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// dispatch claims task and hands it to a worker. The caller holds a pool
// slot, which is released here unless a worker takes it over.
func (s *Scheduler) dispatch(ctx context.Context, task *models.BatchTask) error {
	err := s.source.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskProcessing,
		models.TaskUpdate{StampStarted: true})
	if err != nil {
		s.pool.Release()
		if errors.Is(err, repository.ErrTransitionConflict) || errors.Is(err, repository.ErrTaskNotFound) {
			s.logger.Debug("Task claimed elsewhere, skipping", zap.String("task_id", task.ID))
			return nil
		}
		return fmt.Errorf("claim task %s: %w", task.ID, err)
	}

	started, err := s.source.MarkQueueProcessing(ctx, task.QueueID)
	if err != nil {
		s.logger.Warn("Failed to mark queue processing",
			zap.String("queue_id", task.QueueID),
			zap.Error(err),
		)
	}
	if started && s.progress != nil {
		if err := s.progress.Invalidate(ctx, task.QueueID); err != nil {
			s.logger.Warn("Failed to invalidate progress cache",
				zap.String("queue_id", task.QueueID),
				zap.Error(err),
			)
		}
	}

	now := time.Now().UTC()
	task.Status = models.TaskProcessing
	task.StartedAt = &now

	s.metrics.Dispatched()
	s.logger.Info("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("queue_id", task.QueueID),
		zap.Int("retry_count", task.RetryCount),
		zap.Int("active", s.pool.Active()),
		zap.Int("ceiling", s.pool.Limit()),
	)

	s.pool.Run(ctx, func(ctx context.Context) error {
		return s.processor.Process(ctx, task)
	}, func(err error) {
		if err != nil {
			s.logger.Error("Task worker returned error",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	})
	return nil
}

func (s *Scheduler) waitForSlot(ctx context.Context) {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.pool.Released():
	case <-s.kick:
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
