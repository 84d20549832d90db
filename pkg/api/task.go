package api

import (
	"time"

	"github.com/drayq/drayq/internal/backend"
)

type GetTaskRequest struct {
	TaskId string `in:"path=taskId"`
}

// TaskResult mirrors what the result backend knows about a task.
type TaskResult struct {
	TaskId      string            `json:"taskId"`
	Type        string            `json:"type"`
	Queue       string            `json:"queue"`
	State       backend.State     `json:"state"`
	Result      any               `json:"result,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Progress    *backend.Progress `json:"progress,omitempty"`
	RetryCount  int               `json:"retryCount"`
	NextRetryAt time.Time         `json:"nextRetryAt"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type GetTaskResponse TaskResult

type HealthResponse struct {
	Status string   `json:"status"`
	Queues []string `json:"queues,omitempty"`
}
