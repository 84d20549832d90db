// Package api defines the request and response shapes of the operational
// HTTP endpoints. The surface is read-only: queues and tasks are
// inspected here, never created or mutated.
package api

import "time"

// QueueInfo describes one consumed queue and its current depth.
type QueueInfo struct {
	Name            string `json:"name"`
	Pending         uint64 `json:"pending"`
	Scheduled       uint64 `json:"scheduled"`
	InFlight        uint64 `json:"inFlight"`
	DeadLetterQueue string `json:"deadLetterQueue"`
	DeadLetters     uint64 `json:"deadLetters"`
}

type ListQueuesResponse struct {
	Queues []QueueInfo `json:"queues"`
}

type GetQueueRequest struct {
	Name string `in:"path=queueName"`
}

type GetQueueResponse QueueInfo

type ListDeadLettersRequest struct {
	Queue string `in:"path=queueName"`
	Page  uint64 `in:"query=page"`
	Size  uint64 `in:"query=size"`
}

// DeadLetterInfo is one dead-lettered task. TaskId and Type are empty for
// poison messages that never decoded; Raw then carries the original
// payload.
type DeadLetterInfo struct {
	TaskId     string    `json:"taskId,omitempty"`
	Type       string    `json:"type,omitempty"`
	Queue      string    `json:"queue"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retryCount,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
	Raw        []byte    `json:"raw,omitempty"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterInfo `json:"deadLetters"`
}
