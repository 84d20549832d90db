// Package backend persists task outcomes for later retrieval by
// producers. Storage is best effort by contract: a failed write never
// changes an acknowledgment decision, so every caller treats errors from
// this package as log-and-continue.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateProgress State = "progress"
	StateRetry    State = "retry"
	StateSuccess  State = "success"
	StateFailure  State = "failure"
)

// Progress mirrors what a handler reported last via Task.Progress.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Entry is the stored view of one task's latest known state.
type Entry struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`

	State    State     `json:"state"`
	Result   any       `json:"result,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Progress *Progress `json:"progress,omitempty"`

	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt"`

	EnqueuedAt time.Time `json:"enqueuedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Store interface {
	Close() error

	// Put upserts the entry for a task.
	Put(ctx context.Context, e *Entry) error

	// Get retrieves the latest entry for a task.
	// It returns ErrNotFound when no entry exists.
	Get(ctx context.Context, taskID string) (*Entry, error)
}

// Encode encodes an entry into a byte slice.
func Encode(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// Decode decodes a byte slice into an entry.
func Decode(data []byte) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Open builds a store from a URL. An empty URL yields the nop store,
// bolt://<path> an embedded store, redis://... a Redis store.
func Open(rawURL string, logger *slog.Logger) (Store, error) {
	if len(rawURL) == 0 {
		return NewNopStore(), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid result backend url: %w", err)
	}

	switch u.Scheme {
	case "bolt":
		path := u.Host + u.Path
		return NewBoltStore(&BoltOpts{Path: path, Logger: logger})
	case "redis", "rediss":
		return NewRedisStore(&RedisOpts{URL: rawURL, Logger: logger})
	default:
		return nil, fmt.Errorf("unsupported result backend scheme %q", u.Scheme)
	}
}

func ns(name string) string {
	return "drayq:" + name
}

// resultKey builds the key storing one task's entry.
func resultKey(taskID string) string {
	return ns("result:" + taskID)
}
