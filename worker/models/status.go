package models

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal status transition")

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskTransitions lists every edge of the task state machine. Retry and
// interruption both use processing -> pending, user retry uses failed -> pending
// and queue cancellation uses pending -> failed.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskProcessing, TaskFailed},
	TaskProcessing: {TaskCompleted, TaskFailed, TaskPending},
	TaskFailed:     {TaskPending},
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTaskTransition returns ErrIllegalTransition when from -> to is not an
// edge of the task state machine.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("task %s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Completed and failed queues may be reopened when the owner retries one of
// their failed tasks.
var queueTransitions = map[QueueStatus][]QueueStatus{
	QueuePending:    {QueueProcessing, QueueCancelled},
	QueueProcessing: {QueueCompleted, QueueFailed, QueueCancelled},
	QueueCompleted:  {QueueProcessing},
	QueueFailed:     {QueueProcessing},
}

func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed, QueueCancelled:
		return true
	}
	return false
}

func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// Active reports whether tasks of a queue in this status may be dispatched.
func (s QueueStatus) Active() bool {
	return s == QueuePending || s == QueueProcessing
}

func (s QueueStatus) CanTransition(to QueueStatus) bool {
	for _, next := range queueTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func ValidateQueueTransition(from, to QueueStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("queue %s -> %s: %w", from, to, ErrIllegalTransition)
	}
	return nil
}

type QueueType string

const (
	QueueTypeBatch QueueType = "batch"
	QueueTypeEdit  QueueType = "edit"
)

// QueueCounter names an aggregate counter column of a queue.
type QueueCounter string

const (
	CounterNone      QueueCounter = ""
	CounterCompleted QueueCounter = "completed_images"
	CounterFailed    QueueCounter = "failed_images"
)

func (c QueueCounter) Valid() bool {
	return c == CounterCompleted || c == CounterFailed
}
