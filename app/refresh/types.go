// Package refresh defines the contract between the auto-refresh subsystem and
// the component that actually fetches, parses and stores feeds.
package refresh

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSummaryNotFound is returned by GetLastSummary when no refresh has completed yet.
	ErrSummaryNotFound = errors.New("refresh summary not found")
	// ErrRefreshActive is returned when a batch is requested while another one is running.
	ErrRefreshActive = errors.New("refresh already in progress")
)

type ErrorType string

const (
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeParse          ErrorType = "parse"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRateLimited    ErrorType = "rate_limited"
	ErrorTypeTooManyRetries ErrorType = "too_many_retries"
	ErrorTypeDatabase       ErrorType = "database"
	ErrorTypeUnknown        ErrorType = "unknown"
)

// Retryable reports whether a failure of this type is worth another attempt.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimited:
		return true
	}
	return false
}

const (
	FeedStatusSuccess = "success"
	FeedStatusFailed  = "failed"
)

// Executor performs refresh work. Implementations run the batch in the
// background; RefreshAll and RefreshSingle only start it.
type Executor interface {
	RefreshAll(ctx context.Context) (Response, error)
	RefreshSingle(ctx context.Context, feedID int64) (Response, error)
	GetProgress(ctx context.Context) (Progress, error)
	GetLastSummary(ctx context.Context) (*Summary, error)
}

type Response struct {
	Success                    bool   `json:"success"`
	TotalFeeds                 int    `json:"total_feeds"`
	Message                    string `json:"message"`
	EstimatedCompletionSeconds *int   `json:"estimated_completion_seconds,omitempty"`
}

type Error struct {
	FeedURL      string    `json:"feed_url"`
	FeedTitle    string    `json:"feed_title,omitempty"`
	ErrorMessage string    `json:"error_message"`
	ErrorType    ErrorType `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	Timestamp    time.Time `json:"timestamp"`
}

type Progress struct {
	IsActive               bool    `json:"is_active"`
	TotalFeeds             int     `json:"total_feeds"`
	CompletedFeeds         int     `json:"completed_feeds"`
	FailedFeeds            int     `json:"failed_feeds"`
	CurrentFeedURL         string  `json:"current_feed_url,omitempty"`
	ProgressPercentage     float64 `json:"progress_percentage"`
	EstimatedTimeRemaining *int    `json:"estimated_time_remaining,omitempty"` // seconds
	Errors                 []Error `json:"errors"`
}

type FeedStatus struct {
	FeedID        int64     `json:"feed_id"`
	FeedURL       string    `json:"feed_url"`
	FeedTitle     string    `json:"feed_title,omitempty"`
	Status        string    `json:"status"`
	EntriesAdded  int       `json:"entries_added"`
	LastFetchedAt time.Time `json:"last_fetched_at"`
	Error         *Error    `json:"error,omitempty"`
}

type Summary struct {
	Timestamp       time.Time    `json:"timestamp"`
	TotalProcessed  int          `json:"total_processed"`
	SuccessfulCount int          `json:"successful_count"`
	FailedCount     int          `json:"failed_count"`
	DurationSeconds float64      `json:"duration_seconds"`
	FeedStatuses    []FeedStatus `json:"feed_statuses"`
	Errors          []Error      `json:"errors"`
}
