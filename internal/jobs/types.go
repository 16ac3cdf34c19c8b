package jobs

import (
	"time"

	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is one input record queued for resolution.
type Task struct {
	ID          string
	RunID       string
	Input       retrieval.Input
	Status      TaskStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string

	// Settled is set by the handler once the task has produced its record.
	Settled bool
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Panicked  int64
}
