package task

import (
	"time"

	"github.com/google/uuid"

	"doctracker/internal/extract"
)

// Status is the lifecycle state of a submitted task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one per-file processing job tracked by the orchestrator. Result
// is present iff the task completed; Err is set iff it failed.
type Task struct {
	ID        uuid.UUID
	FilePath  string
	FileType  string
	Status    Status
	Progress  float64 // 0.0 - 1.0
	Message   string
	Result    *extract.Result
	Err       string
	StartTime time.Time
	EndTime   time.Time
}

// Statistics is a point-in-time snapshot of the task table.
type Statistics struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	LockedFiles int `json:"locked_files"`
}
