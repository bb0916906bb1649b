package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imageBatch/worker/models"
)

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTransitionConflict = errors.New("task status changed concurrently")
	ErrInvalidTaskState   = errors.New("task is not in a retryable state")
	ErrInvalidCounter     = errors.New("invalid queue counter")
)

const (
	DefaultListLimit = 20
	ceilingKey       = "batch_concurrency"
)

// Repository persists batch queues, their tasks and the scheduler settings.
// Every multi-row change runs in a single transaction and every status change
// is conditional on the current status.
type Repository interface {
	// CreateBatch inserts the queue and all of its tasks atomically.
	CreateBatch(ctx context.Context, queue *models.NewQueue, tasks []models.NewTask) (*models.BatchQueue, error)
	GetQueue(ctx context.Context, id string) (*models.BatchQueue, error)
	ListQueues(ctx context.Context, ownerID string, limit int) ([]*models.BatchQueue, error)
	GetTask(ctx context.Context, id string) (*models.BatchTask, error)
	ListTasks(ctx context.Context, queueID string) ([]*models.BatchTask, error)

	// FetchPendingTasks returns up to limit pending tasks of pending or
	// processing queues, oldest first across all queues.
	FetchPendingTasks(ctx context.Context, limit int) ([]*models.BatchTask, error)
	// TransitionTask moves a task from one status to another and returns
	// ErrTransitionConflict when the task is no longer in the from status.
	TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, update models.TaskUpdate) error
	IncrementQueueCounter(ctx context.Context, queueID string, counter models.QueueCounter) error
	// MarkQueueProcessing moves a pending queue to processing and reports
	// whether this call made the change.
	MarkQueueProcessing(ctx context.Context, queueID string) (bool, error)
	// FinalizeQueueIfComplete settles a queue whose counters cover all of its
	// tasks. Only the first caller observes finalized == true.
	FinalizeQueueIfComplete(ctx context.Context, queueID string) (status models.QueueStatus, finalized bool, err error)

	// CancelQueue fails the pending tasks of an active queue and marks it
	// cancelled. cancelled is false when the queue had already settled.
	CancelQueue(ctx context.Context, queueID, ownerID string) (cancelled bool, failedTasks int64, err error)
	RetryTask(ctx context.Context, taskID, ownerID string) (*models.BatchTask, error)
	ReconcileQueueCounters(ctx context.Context, queueID string) (*models.BatchQueue, error)
	ResetStaleTasks(ctx context.Context, startedBefore time.Time) (int64, error)

	RecordArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifacts(ctx context.Context, ownerID string, ids []string) ([]*models.Artifact, error)

	GetConcurrencyCeiling(ctx context.Context) (int, bool, error)
	SetConcurrencyCeiling(ctx context.Context, n int) error

	Migrate(ctx context.Context) error
	Close() error
}

// reopenedStatus is the status a queue takes when one of its failed tasks is
// retried. Settled queues go back to processing; cancelled ones stay closed.
func reopenedStatus(status models.QueueStatus) (models.QueueStatus, error) {
	if !status.IsTerminal() {
		return status, nil
	}
	if err := models.ValidateQueueTransition(status, models.QueueProcessing); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTaskState, err)
	}
	return models.QueueProcessing, nil
}
