package service

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"imageBatch/worker/backend"
	"imageBatch/worker/cache"
	"imageBatch/worker/concurrency"
	"imageBatch/worker/converter"
	"imageBatch/worker/kafka"
	"imageBatch/worker/models"
	"imageBatch/worker/pool"
	"imageBatch/worker/repository"
	"imageBatch/worker/scheduler"
	"imageBatch/worker/storage"
	"imageBatch/worker/testsupport"
)

const waitFor = 5 * time.Second

type recordedEvents struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (r *recordedEvents) Publish(_ context.Context, event *kafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordedEvents) Close() error { return nil }

func (r *recordedEvents) ofType(typ kafka.EventType) []kafka.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []kafka.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type memoryCache struct {
	mu       sync.Mutex
	progress map[string]models.Progress
	tasks    map[string]models.BatchTask
	taskHits int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{progress: make(map[string]models.Progress), tasks: make(map[string]models.BatchTask)}
}

func (c *memoryCache) GetProgress(_ context.Context, queueID string) (*models.Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.progress[queueID]
	if !ok {
		return nil, cache.ErrMiss
	}
	return &p, nil
}

func (c *memoryCache) SetProgress(_ context.Context, p *models.Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[p.QueueID] = *p
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, queueID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, queueID)
	return nil
}

func (c *memoryCache) GetTask(_ context.Context, taskID string) (*models.BatchTask, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return nil, cache.ErrMiss
	}
	c.taskHits++
	return &t, nil
}

func (c *memoryCache) SetTask(_ context.Context, t *models.BatchTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[t.ID] = *t
	return nil
}

func (c *memoryCache) InvalidateTask(_ context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, taskID)
	return nil
}

func (c *memoryCache) hasTask(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[taskID]
	return ok
}

func (c *memoryCache) hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskHits
}

type harness struct {
	t          *testing.T
	repo       *repository.SQLiteRepo
	store      *storage.LocalStore
	dir        string
	events     *recordedEvents
	cache      *memoryCache
	backend    *testsupport.Backend
	pool       *pool.WorkerPool
	controller *concurrency.Controller
	scheduler  *scheduler.Scheduler
	svc        *BatchService
	stop       func()
}

func newHarness(t *testing.T, ceiling int, be *testsupport.Backend) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := testsupport.OpenSQLite(t)

	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	require.NoError(t, err)

	if be.Image == nil {
		be.Image = testsupport.PNG(t, 4, 4)
	}

	p := pool.NewWorkerPool(ceiling)
	controller := concurrency.NewController(repo, p, logger)
	_, err = controller.Load(context.Background(), ceiling)
	require.NoError(t, err)

	events := &recordedEvents{}
	progress := newMemoryCache()
	proc := NewProcessor(repo, be, store, converter.NewConverter(logger, 0, converter.FormatPNG),
		events, progress, nil, logger, ProcessorConfig{MaxRetries: DefaultMaxRetries})
	sched := scheduler.New(repo, p, proc, progress, nil, logger, scheduler.Options{
		PollInterval:  10 * time.Millisecond,
		DispatchDelay: time.Millisecond,
		ErrorBackoff:  10 * time.Millisecond,
	})
	svc := NewBatchService(repo, store, sched, controller, progress, events, logger, BatchConfig{MaxImages: 10})

	h := &harness{
		t:          t,
		repo:       repo,
		store:      store,
		dir:        dir,
		events:     events,
		cache:      progress,
		backend:    be,
		pool:       p,
		controller: controller,
		scheduler:  sched,
		svc:        svc,
	}
	t.Cleanup(func() {
		if h.stop != nil {
			h.stop()
		}
	})
	return h
}

// run starts the scheduler loop; the returned func stops it and waits.
func (h *harness) run() func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.scheduler.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	return h.stop
}

func (h *harness) images(n int) []Upload {
	uploads := make([]Upload, n)
	for i := range uploads {
		uploads[i] = Upload{Name: "img.png", Data: testsupport.PNG(h.t, i+1, 1), ContentType: "image/png"}
	}
	return uploads
}

func (h *harness) submit(n int) (*models.BatchQueue, []Upload) {
	h.t.Helper()
	uploads := h.images(n)
	return h.submitUploads(uploads), uploads
}

func (h *harness) submitUploads(uploads []Upload) *models.BatchQueue {
	h.t.Helper()
	q, err := h.svc.SubmitBatch(context.Background(), SubmitBatchRequest{
		OwnerID: "u1",
		Prompt:  "make it blue",
		Images:  uploads,
	})
	require.NoError(h.t, err)
	return q
}

func (h *harness) queueSettled(id string) func() bool {
	return func() bool {
		q, err := h.repo.GetQueue(context.Background(), id)
		return err == nil && q.Status.IsTerminal()
	}
}

func (h *harness) details(id string) *QueueDetails {
	h.t.Helper()
	d, err := h.svc.GetStatus(context.Background(), id, "u1")
	require.NoError(h.t, err)
	return d
}

func TestBatchRecoversFromTransientFailures(t *testing.T) {
	var second []byte
	be := &testsupport.Backend{}
	be.Behave = func(req backend.EditRequest, attempt int) error {
		if string(req.Image) == string(second) && attempt < 2 {
			return errors.New("upstream timeout")
		}
		return nil
	}
	h := newHarness(t, 2, be)
	h.run()

	uploads := h.images(3)
	second = uploads[1].Data
	q := h.submitUploads(uploads)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	d := h.details(q.ID)
	assert.Equal(t, models.QueueCompleted, d.Queue.Status)
	assert.Equal(t, 3, d.Queue.CompletedImages)
	assert.Zero(t, d.Queue.FailedImages)
	assert.NotNil(t, d.Queue.CompletedAt)

	require.Len(t, d.Tasks, 3)
	for i, task := range d.Tasks {
		assert.Equal(t, models.TaskCompleted, task.Status)
		assert.NotEmpty(t, task.OutputRef)
		assert.Empty(t, task.ErrorMessage)
		if i == 1 {
			assert.Equal(t, 2, task.RetryCount)
		} else {
			assert.Zero(t, task.RetryCount)
		}
	}
	assert.LessOrEqual(t, be.Peak(), 2)
}

func TestBatchFailsAfterRetryBudget(t *testing.T) {
	be := &testsupport.Backend{Behave: func(backend.EditRequest, int) error {
		return errors.New("backend unavailable")
	}}
	h := newHarness(t, 2, be)
	h.run()

	q, _ := h.submit(2)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	d := h.details(q.ID)
	assert.Equal(t, models.QueueFailed, d.Queue.Status)
	assert.Equal(t, 2, d.Queue.FailedImages)
	assert.Zero(t, d.Queue.CompletedImages)
	for _, task := range d.Tasks {
		assert.Equal(t, models.TaskFailed, task.Status)
		assert.Equal(t, DefaultMaxRetries, task.RetryCount)
		assert.Equal(t, "backend unavailable", task.ErrorMessage)
	}
	assert.Len(t, be.Calls(), 2*(DefaultMaxRetries+1))
}

func TestTerminalBackendErrorSkipsRetries(t *testing.T) {
	be := &testsupport.Backend{Behave: func(backend.EditRequest, int) error {
		return &backend.Error{Kind: backend.Terminal, StatusCode: 401, Message: "authentication failed"}
	}}
	h := newHarness(t, 1, be)
	h.run()

	q, _ := h.submit(1)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	d := h.details(q.ID)
	assert.Equal(t, models.QueueFailed, d.Queue.Status)
	assert.Zero(t, d.Tasks[0].RetryCount)
	assert.Contains(t, d.Tasks[0].ErrorMessage, "authentication failed")
	assert.Len(t, be.Calls(), 1)
}

func TestMissingSourceFailsWithoutRetry(t *testing.T) {
	be := &testsupport.Backend{}
	h := newHarness(t, 1, be)

	q, _ := h.submit(1)
	d := h.details(q.ID)
	key, err := storage.KeyFromRef(d.Tasks[0].SourceRef)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(h.dir, filepath.FromSlash(key))))

	h.run()
	h.scheduler.Start()
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	d = h.details(q.ID)
	assert.Equal(t, models.TaskFailed, d.Tasks[0].Status)
	assert.Zero(t, d.Tasks[0].RetryCount)
	assert.Contains(t, d.Tasks[0].ErrorMessage, "source image")
	assert.Empty(t, be.Calls())
}

func TestDispatchIsFIFOAcrossQueues(t *testing.T) {
	be := &testsupport.Backend{}
	h := newHarness(t, 1, be)

	ctx := context.Background()
	var want []string
	var queues []string
	for b := 0; b < 2; b++ {
		uploads := make([]Upload, 3)
		for i := range uploads {
			uploads[i] = Upload{Name: "x.png", Data: testsupport.PNG(t, b*10+i+1, 2)}
			want = append(want, string(uploads[i].Data))
		}
		q, err := h.svc.SubmitBatch(ctx, SubmitBatchRequest{OwnerID: "u1", Prompt: "p", Images: uploads})
		require.NoError(t, err)
		queues = append(queues, q.ID)
	}

	h.run()
	for _, id := range queues {
		require.Eventually(t, h.queueSettled(id), waitFor, 10*time.Millisecond)
	}
	assert.Equal(t, want, be.Calls())
	assert.Equal(t, 1, be.Peak())
}

func TestActiveNeverExceedsCeiling(t *testing.T) {
	be := &testsupport.Backend{Delay: 20 * time.Millisecond}
	h := newHarness(t, 3, be)
	h.run()

	q, _ := h.submit(9)
	require.Eventually(t, func() bool {
		assert.LessOrEqual(t, h.pool.Active(), 3)
		return h.queueSettled(q.ID)()
	}, waitFor, 5*time.Millisecond)

	assert.LessOrEqual(t, be.Peak(), 3)
	assert.Equal(t, models.QueueCompleted, h.details(q.ID).Queue.Status)
}

func TestCancelLeavesRunningTasksAlone(t *testing.T) {
	gate := make(chan struct{})
	be := &testsupport.Backend{Behave: func(backend.EditRequest, int) error {
		<-gate
		return nil
	}}
	h := newHarness(t, 2, be)
	h.run()

	q, _ := h.submit(7)
	require.Eventually(t, func() bool { return be.Running() == 2 }, waitFor, 5*time.Millisecond)

	n, err := h.svc.Cancel(context.Background(), q.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	d := h.details(q.ID)
	assert.Equal(t, models.QueueCancelled, d.Queue.Status)
	processing, failed := 0, 0
	for _, task := range d.Tasks {
		switch task.Status {
		case models.TaskProcessing:
			processing++
		case models.TaskFailed:
			failed++
			assert.Equal(t, models.CancelledMessage, task.ErrorMessage)
		}
	}
	assert.Equal(t, 2, processing)
	assert.Equal(t, 5, failed)

	cancelled := h.events.ofType(kafka.EventQueueCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 5, cancelled[0].Failed)

	close(gate)
	require.Eventually(t, func() bool {
		q, err := h.repo.GetQueue(context.Background(), q.ID)
		return err == nil && q.CompletedImages == 2
	}, waitFor, 10*time.Millisecond)

	d = h.details(q.ID)
	assert.Equal(t, models.QueueCancelled, d.Queue.Status)
	assert.Equal(t, 5, d.Queue.FailedImages)
	assert.Len(t, be.Calls(), 2)
}

func TestCancelSettledQueueIsNoop(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	h.run()

	q, _ := h.submit(2)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(kafka.EventQueueFinalized)) == 1
	}, waitFor, 10*time.Millisecond)

	n, err := h.svc.Cancel(context.Background(), q.ID, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, h.events.ofType(kafka.EventQueueCancelled))
	d := h.details(q.ID)
	assert.Equal(t, models.QueueCompleted, d.Queue.Status)
	assert.Equal(t, 2, d.Queue.CompletedImages)
	assert.Zero(t, d.Queue.FailedImages)
}

func TestCancelUnknownOrForeignQueue(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	q, _ := h.submit(1)

	_, err := h.svc.Cancel(context.Background(), q.ID, "someone-else")
	assert.ErrorIs(t, err, ErrQueueNotFound)
	_, err = h.svc.Cancel(context.Background(), "missing", "u1")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestRetryTaskRunsAgain(t *testing.T) {
	fail := true
	be := &testsupport.Backend{Behave: func(backend.EditRequest, int) error {
		if fail {
			return &backend.Error{Kind: backend.Terminal, Message: "bad request"}
		}
		return nil
	}}
	h := newHarness(t, 1, be)
	h.run()

	q, _ := h.submit(1)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)
	taskID := h.details(q.ID).Tasks[0].ID

	h.stop()
	fail = false
	h.run()

	failed, err := h.svc.GetTask(context.Background(), taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, failed.Status)
	assert.True(t, h.cache.hasTask(taskID))

	_, err = h.svc.RetryTask(context.Background(), taskID, "u2")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	task, err := h.svc.RetryTask(context.Background(), taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.False(t, h.cache.hasTask(taskID))

	retried := h.events.ofType(kafka.EventTaskRetried)
	require.Len(t, retried, 1)
	assert.Equal(t, taskID, retried[0].TaskID)
	assert.Equal(t, q.ID, retried[0].QueueID)

	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)
	d := h.details(q.ID)
	assert.Equal(t, models.QueueCompleted, d.Queue.Status)
	assert.Equal(t, 1, d.Queue.CompletedImages)
	assert.Zero(t, d.Queue.FailedImages)

	_, err = h.svc.RetryTask(context.Background(), taskID, "u1")
	assert.ErrorIs(t, err, ErrInvalidTaskState)

	done, err := h.svc.GetTask(context.Background(), taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
}

func TestGetTaskServesSettledTasksFromCache(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()

	q, _ := h.submit(1)
	taskID := h.details(q.ID).Tasks[0].ID

	pending, err := h.svc.GetTask(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, pending.Status)
	assert.False(t, h.cache.hasTask(taskID))

	h.run()
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	first, err := h.svc.GetTask(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, first.Status)
	require.True(t, h.cache.hasTask(taskID))

	second, err := h.svc.GetTask(ctx, taskID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.OutputRef, second.OutputRef)
	assert.Equal(t, 1, h.cache.hits())

	_, err = h.svc.GetTask(ctx, taskID, "u2")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = h.svc.GetTask(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSetConcurrency(t *testing.T) {
	h := newHarness(t, concurrency.DefaultCeiling, &testsupport.Backend{})
	ctx := context.Background()

	err := h.svc.SetConcurrency(ctx, 11)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.True(t, IsValidation(err))

	require.NoError(t, h.svc.SetConcurrency(ctx, 5))
	assert.Equal(t, 5, h.svc.Concurrency().Ceiling)
	assert.Equal(t, 5, h.pool.Limit())

	n, ok, err := h.repo.GetConcurrencyCeiling(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, n)
}

func TestSubmitBatchValidation(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitBatchRequest
		want error
	}{
		{"missing prompt", SubmitBatchRequest{OwnerID: "u1", Prompt: "  ", Images: h.images(1)}, ErrEmptyPrompt},
		{"no images", SubmitBatchRequest{OwnerID: "u1", Prompt: "p"}, ErrEmptyBatch},
		{"too many images", SubmitBatchRequest{OwnerID: "u1", Prompt: "p", Images: h.images(11)}, ErrTooManyImages},
		{"missing owner", SubmitBatchRequest{Prompt: "p", Images: h.images(1)}, ErrInvalidArgument},
		{"empty image", SubmitBatchRequest{OwnerID: "u1", Prompt: "p", Images: []Upload{{Name: "a.png"}}}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SubmitBatch(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
		})
	}

	queues, err := h.svc.ListQueues(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, queues)
}

func TestSubmitBatchDefaultsAndFolders(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()

	q, err := h.svc.SubmitBatch(ctx, SubmitBatchRequest{
		OwnerID: "u1",
		Prompt:  " p ",
		Images: []Upload{
			{Name: "cats/a.png", Data: testsupport.PNG(t, 1, 1)},
			{Name: `dogs\b.jpg`, Data: testsupport.PNG(t, 2, 1)},
			{Name: "c.png", Data: testsupport.PNG(t, 3, 1)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, q.Model)
	assert.Equal(t, "p", q.Prompt)
	assert.Regexp(t, `^batch_\d+$`, q.Name)
	assert.Equal(t, "cats, dogs", q.FolderPath)
	assert.Equal(t, models.QueueTypeBatch, q.Type)

	d := h.details(q.ID)
	require.Len(t, d.Tasks, 3)
	assert.Equal(t, "a.png", d.Tasks[0].OriginalFilename)
	assert.Equal(t, "cats", d.Tasks[0].FolderPath)
	assert.Equal(t, "b.jpg", d.Tasks[1].OriginalFilename)
	assert.Equal(t, "dogs", d.Tasks[1].FolderPath)
	assert.Empty(t, d.Tasks[2].FolderPath)
}

func TestSubmitEditBatch(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()

	store, err := storage.NewLocalStore(h.dir)
	require.NoError(t, err)
	ref, err := store.Save(ctx, "batch/prior.png", testsupport.PNG(t, 2, 2), "image/png")
	require.NoError(t, err)

	mine := &models.Artifact{OwnerID: "u1", ImageRef: ref, Prompt: "original prompt", Model: "nano-banana-hd", FolderPath: "set1"}
	theirs := &models.Artifact{OwnerID: "u2", ImageRef: ref, Prompt: "x"}
	require.NoError(t, h.repo.RecordArtifact(ctx, mine))
	require.NoError(t, h.repo.RecordArtifact(ctx, theirs))

	_, err = h.svc.SubmitEditBatch(ctx, SubmitEditRequest{OwnerID: "u1", ArtifactIDs: []string{theirs.ID}})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	q, err := h.svc.SubmitEditBatch(ctx, SubmitEditRequest{OwnerID: "u1", ArtifactIDs: []string{mine.ID, mine.ID, theirs.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.QueueTypeEdit, q.Type)
	assert.Equal(t, EditQueuePrompt, q.Prompt)
	assert.Regexp(t, `^edit_\d+$`, q.Name)
	assert.Equal(t, 1, q.TotalImages)
	assert.Equal(t, "set1", q.FolderPath)

	d := h.details(q.ID)
	assert.Equal(t, "original prompt", d.Tasks[0].Prompt)
	assert.Equal(t, "nano-banana-hd", d.Tasks[0].Model)
	assert.Equal(t, "prior.png", d.Tasks[0].OriginalFilename)

	q, err = h.svc.SubmitEditBatch(ctx, SubmitEditRequest{OwnerID: "u1", ArtifactIDs: []string{mine.ID}, Prompt: "new look", Model: "nano-banana-2"})
	require.NoError(t, err)
	assert.Equal(t, "new look", q.Prompt)
	d = h.details(q.ID)
	assert.Equal(t, "new look", d.Tasks[0].Prompt)
	assert.Equal(t, "nano-banana-2", d.Tasks[0].Model)

	h.run()
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)
	assert.Equal(t, models.QueueCompleted, h.details(q.ID).Queue.Status)
}

func TestCompletedTaskStoresNormalizedOutput(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	h.run()

	q, _ := h.submit(1)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	out := h.details(q.ID).Tasks[0].OutputRef
	data, err := os.ReadFile(filepath.Join(h.dir, "batch", filepath.Base(out)))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestShutdownReturnsTasksToPending(t *testing.T) {
	be := &testsupport.Backend{Delay: time.Minute}
	h := newHarness(t, 2, be)
	stop := h.run()

	q, _ := h.submit(2)
	require.Eventually(t, func() bool { return be.Running() == 2 }, waitFor, 5*time.Millisecond)
	stop()
	h.stop = nil

	d := h.details(q.ID)
	for _, task := range d.Tasks {
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Zero(t, task.RetryCount)
	}
	assert.Equal(t, models.QueueProcessing, d.Queue.Status)
}

func TestRecoverStaleTasks(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()
	q, _ := h.submit(2)

	d := h.details(q.ID)
	for _, task := range d.Tasks {
		require.NoError(t, h.repo.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskProcessing,
			models.TaskUpdate{StampStarted: true}))
	}

	n, err := h.svc.RecoverStaleTasks(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.svc.RecoverStaleTasks(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	h.run()
	h.scheduler.Start()
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)
}

func TestProgressAndReconcile(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()
	h.run()

	q, _ := h.submit(2)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	p, err := h.svc.Progress(ctx, q.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, models.QueueCompleted, p.Status)

	_, err = h.svc.Progress(ctx, q.ID, "u2")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	reconciled, err := h.svc.Reconcile(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reconciled.CompletedImages)
	assert.Zero(t, reconciled.FailedImages)
}

func TestPanickingBackendFailsTask(t *testing.T) {
	be := &testsupport.Backend{Behave: func(backend.EditRequest, int) error {
		panic("nil map")
	}}
	h := newHarness(t, 1, be)
	h.run()

	q, _ := h.submit(1)
	require.Eventually(t, h.queueSettled(q.ID), waitFor, 10*time.Millisecond)

	d := h.details(q.ID)
	assert.Equal(t, models.TaskFailed, d.Tasks[0].Status)
	assert.Contains(t, d.Tasks[0].ErrorMessage, "internal error")
	require.Eventually(t, func() bool { return h.pool.Active() == 0 }, waitFor, 5*time.Millisecond)
}

func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestSubmitBatchRejectsEmptyImageBeforeStoring(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})

	uploads := append(h.images(2), Upload{Name: "empty.png"})
	_, err := h.svc.SubmitBatch(context.Background(), SubmitBatchRequest{OwnerID: "u1", Prompt: "p", Images: uploads})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, storedFiles(t, h.dir))
}

type failingCreateRepo struct {
	repository.Repository
}

func (failingCreateRepo) CreateBatch(context.Context, *models.NewQueue, []models.NewTask) (*models.BatchQueue, error) {
	return nil, errors.New("database is locked")
}

func TestSubmitBatchDiscardsUploadsWhenCreateFails(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	svc := NewBatchService(failingCreateRepo{h.repo}, h.store, h.scheduler, h.controller, nil, nil,
		zaptest.NewLogger(t), BatchConfig{MaxImages: 10})

	_, err := svc.SubmitBatch(context.Background(), SubmitBatchRequest{OwnerID: "u1", Prompt: "p", Images: h.images(3)})
	require.Error(t, err)
	assert.Empty(t, storedFiles(t, h.dir))
}

type failingCompletionRepo struct {
	repository.Repository
}

func (r failingCompletionRepo) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, update models.TaskUpdate) error {
	if to == models.TaskCompleted {
		return errors.New("database is locked")
	}
	return r.Repository.TransitionTask(ctx, id, from, to, update)
}

func TestUnrecordedCompletionFailsTask(t *testing.T) {
	h := newHarness(t, 1, &testsupport.Backend{})
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	q, _ := h.submit(1)
	taskID := h.details(q.ID).Tasks[0].ID
	require.NoError(t, h.repo.TransitionTask(ctx, taskID, models.TaskPending, models.TaskProcessing,
		models.TaskUpdate{StampStarted: true}))
	task, err := h.repo.GetTask(ctx, taskID)
	require.NoError(t, err)

	proc := NewProcessor(failingCompletionRepo{h.repo}, h.backend, h.store,
		converter.NewConverter(logger, 0, converter.FormatPNG), h.events, nil, nil, logger,
		ProcessorConfig{MaxRetries: DefaultMaxRetries})
	require.NoError(t, proc.Process(ctx, task))

	d := h.details(q.ID)
	assert.Equal(t, models.TaskFailed, d.Tasks[0].Status)
	assert.Contains(t, d.Tasks[0].ErrorMessage, "record completion")
	assert.Zero(t, d.Tasks[0].RetryCount)
	assert.Equal(t, models.QueueFailed, d.Queue.Status)
	assert.Len(t, h.events.ofType(kafka.EventTaskFailed), 1)
}
