package models

import (
	"time"
)

// CancelledMessage is the error message stored on tasks failed by a queue cancel.
const CancelledMessage = "cancelled"

type BatchQueue struct {
	ID              string
	OwnerID         string
	Name            string
	Prompt          string
	Model           string
	Type            QueueType
	FolderPath      string
	TotalImages     int
	CompletedImages int
	FailedImages    int
	Status          QueueStatus
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Settled reports whether every task of the queue reached a terminal state.
func (q *BatchQueue) Settled() bool {
	return q.CompletedImages+q.FailedImages >= q.TotalImages
}

// FinalStatus is the terminal status a settled queue finalizes to.
func (q *BatchQueue) FinalStatus() QueueStatus {
	if q.FailedImages >= q.TotalImages {
		return QueueFailed
	}
	return QueueCompleted
}

func (q *BatchQueue) Progress() Progress {
	return Progress{
		QueueID:   q.ID,
		OwnerID:   q.OwnerID,
		Status:    q.Status,
		Total:     q.TotalImages,
		Completed: q.CompletedImages,
		Failed:    q.FailedImages,
	}
}

type BatchTask struct {
	ID               string
	QueueID          string
	OwnerID          string
	SourceRef        string
	OriginalFilename string
	FolderPath       string
	Prompt           string
	Model            string
	Status           TaskStatus
	RetryCount       int
	ErrorMessage     string
	OutputRef        string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// NewQueue describes a queue to create together with its tasks.
type NewQueue struct {
	OwnerID    string
	Name       string
	Prompt     string
	Model      string
	Type       QueueType
	FolderPath string
}

type NewTask struct {
	SourceRef  string
	Filename   string
	FolderPath string
	Prompt     string
	Model      string
}

// TaskUpdate carries the bookkeeping applied together with a task transition.
// A non-empty Counter increments that counter of the parent queue in the same
// transaction.
type TaskUpdate struct {
	ErrorMessage   *string
	OutputRef      string
	IncrementRetry bool
	ResetRetry     bool
	StampStarted   bool
	StampCompleted bool
	ClearOutcome   bool
	Counter        QueueCounter
}

// Artifact is a generated image recorded in the owner's library.
type Artifact struct {
	ID         string
	OwnerID    string
	ImageRef   string
	Prompt     string
	Model      string
	FolderPath string
	CreatedAt  time.Time
}

type Progress struct {
	QueueID   string      `json:"queue_id"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Status    QueueStatus `json:"status"`
	Total     int         `json:"total"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
}
