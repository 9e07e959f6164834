package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
)

type TaskType string

const (
	TaskTypeRefreshFeed TaskType = "refresh_feed"
)

const (
	DefaultMaxRetries = 3
)

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetFeedURL() string
	GetRetryCount() int
	GetMaxRetries() int
	IncrementRetryCount()
	CanRetry(err error) bool
	Start()
	GetDuration() time.Duration
	// Complete reports the final outcome. Only the first call has an effect.
	Complete(err error)
}

type Task struct {
	ID         string
	Type       TaskType
	FeedURL    string
	RetryCount int
	MaxRetries int
	StartedAt  *time.Time

	onComplete   func(error)
	completeOnce sync.Once
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetFeedURL() string {
	return t.FeedURL
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) IncrementRetryCount() {
	t.RetryCount++
}

// CanRetry reports whether err is transient and attempts are left.
func (t *Task) CanRetry(err error) bool {
	return t.RetryCount < t.MaxRetries && feed.ClassifyError(err).Retryable()
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func (t *Task) Complete(err error) {
	t.completeOnce.Do(func() {
		if t.onComplete != nil {
			t.onComplete(err)
		}
	})
}

func NewTask(taskType TaskType, feedURL string, onComplete func(error)) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		FeedURL:    feedURL,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		onComplete: onComplete,
	}
}
