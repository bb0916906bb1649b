package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imageBatch/worker/cache"
	"imageBatch/worker/concurrency"
	"imageBatch/worker/kafka"
	"imageBatch/worker/models"
	"imageBatch/worker/repository"
	"imageBatch/worker/storage"
)

const (
	DefaultModel     = "nano-banana"
	DefaultMaxImages = 50
	EditQueuePrompt  = "batch edit - original prompts"
)

// Starter wakes the scheduler.
type Starter interface {
	Start()
}

type BatchConfig struct {
	DefaultModel string
	MaxImages    int
}

type Upload struct {
	// Name may carry a relative folder, as sent by directory uploads.
	Name        string
	Data        []byte
	ContentType string
}

type SubmitBatchRequest struct {
	OwnerID string
	Name    string
	Prompt  string
	Model   string
	Images  []Upload
}

type SubmitEditRequest struct {
	OwnerID     string
	ArtifactIDs []string
	Model       string
	// Prompt overrides the prompt each artifact was generated with.
	Prompt string
}

type QueueDetails struct {
	Queue *models.BatchQueue
	Tasks []*models.BatchTask
}

type ConcurrencyInfo struct {
	Ceiling int
	Active  int
}

// BatchService is the producer facing side of the scheduler.
type BatchService struct {
	repo       repository.Repository
	store      storage.Store
	scheduler  Starter
	controller *concurrency.Controller
	cache      ProgressCache
	events     kafka.Publisher
	logger     *zap.Logger
	cfg        BatchConfig
}

func NewBatchService(
	repo repository.Repository,
	store storage.Store,
	scheduler Starter,
	controller *concurrency.Controller,
	progress ProgressCache,
	events kafka.Publisher,
	logger *zap.Logger,
	cfg BatchConfig,
) *BatchService {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	if progress == nil {
		progress = nopCache{}
	}
	if events == nil {
		events = kafka.NopPublisher()
	}
	return &BatchService{
		repo:       repo,
		store:      store,
		scheduler:  scheduler,
		controller: controller,
		cache:      progress,
		events:     events,
		logger:     logger,
		cfg:        cfg,
	}
}

func (s *BatchService) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*models.BatchQueue, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if len(req.Images) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(req.Images) > s.cfg.MaxImages {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyImages, len(req.Images), s.cfg.MaxImages)
	}

	model := firstNonEmpty(req.Model, s.cfg.DefaultModel)
	name := firstNonEmpty(strings.TrimSpace(req.Name), fmt.Sprintf("batch_%d", time.Now().UnixMilli()))

	for i, img := range req.Images {
		if len(img.Data) == 0 {
			return nil, fmt.Errorf("%w: image %d is empty", ErrInvalidArgument, i)
		}
	}

	tasks := make([]models.NewTask, 0, len(req.Images))
	folders := make([]string, 0, len(req.Images))
	for i, img := range req.Images {
		folder, base := models.SplitUploadName(img.Name)
		if base == "" {
			base = fmt.Sprintf("image_%d", i+1)
		}

		key := "batch/src_" + uuid.NewString() + uploadExt(base, img.ContentType)
		ref, err := s.store.Save(ctx, key, img.Data, img.ContentType)
		if err != nil {
			s.discardUploads(ctx, tasks)
			return nil, fmt.Errorf("store upload %q: %w", img.Name, err)
		}

		tasks = append(tasks, models.NewTask{
			SourceRef:  ref,
			Filename:   base,
			FolderPath: folder,
			Prompt:     prompt,
			Model:      model,
		})
		folders = append(folders, folder)
	}

	queue, err := s.create(ctx, &models.NewQueue{
		OwnerID:    req.OwnerID,
		Name:       name,
		Prompt:     prompt,
		Model:      model,
		Type:       models.QueueTypeBatch,
		FolderPath: models.FolderLabel(folders),
	}, tasks)
	if err != nil {
		s.discardUploads(ctx, tasks)
		return nil, err
	}
	return queue, nil
}

// discardUploads removes sources saved for a batch that was never created.
func (s *BatchService) discardUploads(ctx context.Context, tasks []models.NewTask) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range tasks {
		if err := s.store.Delete(ctx, t.SourceRef); err != nil {
			s.logger.Warn("Failed to discard upload", zap.String("ref", t.SourceRef), zap.Error(err))
		}
	}
}

func (s *BatchService) SubmitEditBatch(ctx context.Context, req SubmitEditRequest) (*models.BatchQueue, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}

	ids := uniqueNonEmpty(req.ArtifactIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(ids) > s.cfg.MaxImages {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyImages, len(ids), s.cfg.MaxImages)
	}

	artifacts, err := s.repo.GetArtifacts(ctx, req.OwnerID, ids)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, ErrEmptyBatch
	}

	override := strings.TrimSpace(req.Prompt)
	queuePrompt := firstNonEmpty(override, EditQueuePrompt)

	tasks := make([]models.NewTask, 0, len(artifacts))
	folders := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		tasks = append(tasks, models.NewTask{
			SourceRef:  a.ImageRef,
			Filename:   models.RefFilename(a.ImageRef),
			FolderPath: a.FolderPath,
			Prompt:     firstNonEmpty(override, a.Prompt, queuePrompt),
			Model:      firstNonEmpty(req.Model, a.Model, s.cfg.DefaultModel),
		})
		folders = append(folders, a.FolderPath)
	}

	return s.create(ctx, &models.NewQueue{
		OwnerID:    req.OwnerID,
		Name:       fmt.Sprintf("edit_%d", time.Now().UnixMilli()),
		Prompt:     queuePrompt,
		Model:      firstNonEmpty(req.Model, s.cfg.DefaultModel),
		Type:       models.QueueTypeEdit,
		FolderPath: models.FolderLabel(folders),
	}, tasks)
}

func (s *BatchService) create(ctx context.Context, nq *models.NewQueue, tasks []models.NewTask) (*models.BatchQueue, error) {
	queue, err := s.repo.CreateBatch(ctx, nq, tasks)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	s.logger.Info("Batch submitted",
		zap.String("queue_id", queue.ID),
		zap.String("owner_id", queue.OwnerID),
		zap.String("type", string(queue.Type)),
		zap.Int("total", queue.TotalImages),
	)

	if err := s.events.Publish(ctx, &kafka.Event{
		Type:    kafka.EventQueueSubmitted,
		QueueID: queue.ID,
		OwnerID: queue.OwnerID,
		Status:  string(queue.Status),
		Total:   queue.TotalImages,
	}); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("queue_id", queue.ID), zap.Error(err))
	}

	s.scheduler.Start()
	return queue, nil
}

// GetStatus returns a queue with its tasks. An empty ownerID skips the
// ownership check.
func (s *BatchService) GetStatus(ctx context.Context, queueID, ownerID string) (*QueueDetails, error) {
	queue, err := s.ownedQueue(ctx, queueID, ownerID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.repo.ListTasks(ctx, queueID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return &QueueDetails{Queue: queue, Tasks: tasks}, nil
}

func (s *BatchService) ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error) {
	return s.repo.ListQueues(ctx, ownerID, limit)
}

// Progress serves the counters of a queue from the cache when possible.
func (s *BatchService) Progress(ctx context.Context, queueID, ownerID string) (*models.Progress, error) {
	p, err := s.cache.GetProgress(ctx, queueID)
	switch {
	case err == nil:
		if ownerID != "" && p.OwnerID != ownerID {
			return nil, ErrQueueNotFound
		}
		return p, nil
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn("Progress cache read failed", zap.String("queue_id", queueID), zap.Error(err))
	}

	queue, err := s.ownedQueue(ctx, queueID, ownerID)
	if err != nil {
		return nil, err
	}
	fresh := queue.Progress()
	if err := s.cache.SetProgress(ctx, &fresh); err != nil {
		s.logger.Warn("Progress cache write failed", zap.String("queue_id", queueID), zap.Error(err))
	}
	return &fresh, nil
}

// Cancel fails every pending task of the queue and marks it cancelled.
// Running tasks finish normally. Cancelling a settled queue is a no-op.
func (s *BatchService) Cancel(ctx context.Context, queueID, ownerID string) (int64, error) {
	if ownerID == "" {
		queue, err := s.repo.GetQueue(ctx, queueID)
		if err != nil {
			return 0, err
		}
		ownerID = queue.OwnerID
	}

	cancelled, n, err := s.repo.CancelQueue(ctx, queueID, ownerID)
	if err != nil {
		return 0, err
	}
	if !cancelled {
		s.logger.Debug("Queue already settled, nothing to cancel", zap.String("queue_id", queueID))
		return 0, nil
	}

	s.logger.Info("Queue cancelled",
		zap.String("queue_id", queueID),
		zap.String("owner_id", ownerID),
		zap.Int64("cancelled_tasks", n),
	)
	if err := s.cache.Invalidate(ctx, queueID); err != nil {
		s.logger.Warn("Failed to invalidate progress cache", zap.String("queue_id", queueID), zap.Error(err))
	}
	if err := s.events.Publish(ctx, &kafka.Event{
		Type:    kafka.EventQueueCancelled,
		QueueID: queueID,
		OwnerID: ownerID,
		Status:  string(models.QueueCancelled),
		Failed:  int(n),
	}); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("queue_id", queueID), zap.Error(err))
	}
	return n, nil
}

// RetryTask puts a failed task back in line with a fresh retry budget.
func (s *BatchService) RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	if ownerID == "" {
		task, err := s.repo.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		ownerID = task.OwnerID
	}

	task, err := s.repo.RetryTask(ctx, taskID, ownerID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Task retry requested", zap.String("task_id", taskID), zap.String("queue_id", task.QueueID))
	if err := s.cache.Invalidate(ctx, task.QueueID); err != nil {
		s.logger.Warn("Failed to invalidate progress cache", zap.String("queue_id", task.QueueID), zap.Error(err))
	}
	if err := s.cache.InvalidateTask(ctx, taskID); err != nil {
		s.logger.Warn("Failed to invalidate task cache", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.events.Publish(ctx, &kafka.Event{
		Type:    kafka.EventTaskRetried,
		QueueID: task.QueueID,
		OwnerID: task.OwnerID,
		TaskID:  task.ID,
		Status:  string(task.Status),
	}); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("task_id", taskID), zap.Error(err))
	}

	s.scheduler.Start()
	return task, nil
}

// GetTask returns one task. Settled tasks are served from the cache; an empty
// ownerID skips the ownership check.
func (s *BatchService) GetTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error) {
	task, err := s.cache.GetTask(ctx, taskID)
	switch {
	case err == nil:
		if ownerID != "" && task.OwnerID != ownerID {
			return nil, ErrTaskNotFound
		}
		return task, nil
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn("Task cache read failed", zap.String("task_id", taskID), zap.Error(err))
	}

	task, err = s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && task.OwnerID != ownerID {
		return nil, ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		if err := s.cache.SetTask(ctx, task); err != nil {
			s.logger.Warn("Task cache write failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return task, nil
}

func (s *BatchService) SetConcurrency(ctx context.Context, n int) error {
	if err := s.controller.SetCeiling(ctx, n); err != nil {
		if errors.Is(err, concurrency.ErrInvalidCeiling) {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return err
	}
	return nil
}

func (s *BatchService) Concurrency() ConcurrencyInfo {
	return ConcurrencyInfo{Ceiling: s.controller.Ceiling(), Active: s.controller.Active()}
}

// Reconcile recomputes the counters of a queue from its tasks and settles it
// if the corrected counters cover every task.
func (s *BatchService) Reconcile(ctx context.Context, queueID string) (*models.BatchQueue, error) {
	before, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	queue, err := s.repo.ReconcileQueueCounters(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if before.CompletedImages != queue.CompletedImages || before.FailedImages != queue.FailedImages {
		s.logger.Warn("Queue counters drifted",
			zap.String("queue_id", queueID),
			zap.Int("completed_before", before.CompletedImages),
			zap.Int("completed_after", queue.CompletedImages),
			zap.Int("failed_before", before.FailedImages),
			zap.Int("failed_after", queue.FailedImages),
		)
	}

	if _, finalized, err := s.repo.FinalizeQueueIfComplete(ctx, queueID); err != nil {
		return nil, err
	} else if finalized {
		if queue, err = s.repo.GetQueue(ctx, queueID); err != nil {
			return nil, err
		}
	}
	if err := s.cache.Invalidate(ctx, queueID); err != nil {
		s.logger.Warn("Failed to invalidate progress cache", zap.String("queue_id", queueID), zap.Error(err))
	}
	return queue, nil
}

// RecoverStaleTasks returns tasks left processing by a previous process to
// pending. Only tasks started more than olderThan ago are touched.
func (s *BatchService) RecoverStaleTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.ResetStaleTasks(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Recovered stale processing tasks", zap.Int64("count", n))
	}
	return n, nil
}

func (s *BatchService) ownedQueue(ctx context.Context, queueID, ownerID string) (*models.BatchQueue, error) {
	queue, err := s.repo.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && queue.OwnerID != ownerID {
		return nil, ErrQueueNotFound
	}
	return queue, nil
}

func uploadExt(name, contentType string) string {
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ".png"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
