package kafka

import (
	"time"
)

type EventType string

const (
	EventQueueSubmitted EventType = "queue.submitted"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventQueueFinalized EventType = "queue.finalized"
	EventQueueCancelled EventType = "queue.cancelled"
	EventTaskRetried    EventType = "task.retried"
)

// Wakes reports whether the event puts new work in line for the scheduler.
func (t EventType) Wakes() bool {
	return t == EventQueueSubmitted || t == EventTaskRetried
}

// Event is the JSON record published for every externally visible change of
// a batch. The ledger and other workers subscribe to these.
type Event struct {
	Type       EventType `json:"type"`
	QueueID    string    `json:"queue_id"`
	OwnerID    string    `json:"owner_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	OutputRef  string    `json:"output_ref,omitempty"`
	Total      int       `json:"total,omitempty"`
	Completed  int       `json:"completed,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
