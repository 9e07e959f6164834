// Package poller starts refresh batches on the executor and follows their
// progress with a backoff-driven polling loop.
package poller

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
)

var (
	ErrAlreadyRefreshing   = errors.New("a refresh session is already active")
	ErrProgressUnavailable = errors.New("refresh progress unavailable")
	ErrStopped             = errors.New("progress polling stopped")
)

type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffFactor   float64
	MaxFailures     int
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BackoffFactor:   1.5,
		MaxFailures:     5,
	}
}

// NextInterval is the delay that follows a failed poll made after current.
func NextInterval(current time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(current) * cfg.BackoffFactor)
	if next > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return next
}

type Kind string

const (
	KindAll    Kind = "all"
	KindSingle Kind = "single"
)

// Result is the terminal outcome of a session. Summary is nil when the
// executor had none to offer.
type Result struct {
	Response refresh.Response
	Progress *refresh.Progress
	Summary  *refresh.Summary
	Err      error
}

type Session struct {
	ID        uuid.UUID
	Kind      Kind
	FeedID    int64
	StartedAt time.Time

	done   chan struct{}
	result Result
}

func newSession(kind Kind, feedID int64, now time.Time) *Session {
	return &Session{
		ID:        uuid.New(),
		Kind:      kind,
		FeedID:    feedID,
		StartedAt: now,
		done:      make(chan struct{}),
	}
}

// Done is closed once the session has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result must only be read after Done is closed.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

type Event struct {
	Type      EventType         `json:"type"`
	SessionID uuid.UUID         `json:"session_id"`
	Kind      Kind              `json:"kind"`
	Progress  *refresh.Progress `json:"progress,omitempty"`
	Summary   *refresh.Summary  `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type Status struct {
	IsRefreshing        bool              `json:"is_refreshing"`
	SessionID           *uuid.UUID        `json:"session_id,omitempty"`
	Kind                Kind              `json:"kind,omitempty"`
	FeedID              int64             `json:"feed_id,omitempty"`
	Progress            *refresh.Progress `json:"progress,omitempty"`
	Summary             *refresh.Summary  `json:"summary,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	Interval            time.Duration     `json:"interval"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}
