package executor

import (
	"math"
	"sync"
	"time"

	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
)

// estimatedSecondsPerFeed is used for the ETA until the first feed finishes.
const estimatedSecondsPerFeed = 2

// Tracker aggregates per-feed outcomes of one run.
type Tracker struct {
	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
	total      int
	pending    map[int64]bool
	currentURL string
	statuses   []refresh.FeedStatus
	errors     []refresh.Error
	succeeded  int
	failed     int
}

func NewTracker(feeds []database.Feed, startedAt time.Time) *Tracker {
	pending := make(map[int64]bool, len(feeds))
	for _, f := range feeds {
		pending[f.ID] = true
	}
	return &Tracker{
		startedAt: startedAt,
		total:     len(feeds),
		pending:   pending,
	}
}

func (t *Tracker) SetCurrent(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentURL = url
}

// Finish records the outcome of one feed and reports whether it was the last
// one. Outcomes for feeds that are not pending are ignored.
func (t *Tracker) Finish(status refresh.FeedStatus, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pending[status.FeedID] {
		return false
	}
	delete(t.pending, status.FeedID)

	t.statuses = append(t.statuses, status)
	if status.Error != nil {
		t.failed++
		t.errors = append(t.errors, *status.Error)
	} else {
		t.succeeded++
	}

	if len(t.pending) == 0 {
		t.finishedAt = at
		t.currentURL = ""
		return true
	}
	return false
}

func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *Tracker) Progress(now time.Time) refresh.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.succeeded + t.failed
	progress := refresh.Progress{
		IsActive:       len(t.pending) > 0,
		TotalFeeds:     t.total,
		CompletedFeeds: t.succeeded,
		FailedFeeds:    t.failed,
		CurrentFeedURL: t.currentURL,
		Errors:         append([]refresh.Error{}, t.errors...),
	}
	if t.total > 0 {
		progress.ProgressPercentage = float64(done) / float64(t.total) * 100
	}

	if progress.IsActive {
		remaining := t.total - done
		perFeed := float64(estimatedSecondsPerFeed)
		if done > 0 {
			perFeed = now.Sub(t.startedAt).Seconds() / float64(done)
		}
		eta := int(math.Ceil(perFeed * float64(remaining)))
		progress.EstimatedTimeRemaining = &eta
	}

	return progress
}

func (t *Tracker) Summary() *refresh.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &refresh.Summary{
		Timestamp:       t.finishedAt,
		TotalProcessed:  t.succeeded + t.failed,
		SuccessfulCount: t.succeeded,
		FailedCount:     t.failed,
		DurationSeconds: t.finishedAt.Sub(t.startedAt).Seconds(),
		FeedStatuses:    append([]refresh.FeedStatus{}, t.statuses...),
		Errors:          append([]refresh.Error{}, t.errors...),
	}
}
