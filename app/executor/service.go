// Package executor runs refresh batches on the task pool and reports their
// progress and outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/tasks"
)

var _ refresh.Executor = (*Service)(nil)

const (
	NoFeedsMessage = "No feeds found to refresh"

	singleFeedEstimateSeconds = 5
)

type Service struct {
	feedRepo database.FeedRepository
	itemRepo database.ItemRepository
	runRepo  database.RunRepository
	pool     tasks.PoolInterface
	fetcher  tasks.FeedFetcher
	parser   *feed.Parser
	clock    clockwork.Clock

	mu          sync.Mutex
	current     *Tracker
	lastSummary *refresh.Summary
}

func NewService(feedRepo database.FeedRepository, itemRepo database.ItemRepository, runRepo database.RunRepository,
	pool tasks.PoolInterface, fetcher tasks.FeedFetcher, parser *feed.Parser, clock clockwork.Clock) *Service {
	return &Service{
		feedRepo: feedRepo,
		itemRepo: itemRepo,
		runRepo:  runRepo,
		pool:     pool,
		fetcher:  fetcher,
		parser:   parser,
		clock:    clock,
	}
}

func (s *Service) RefreshAll(ctx context.Context) (refresh.Response, error) {
	feeds, err := s.feedRepo.ListFeeds(ctx)
	if err != nil {
		return refresh.Response{}, fmt.Errorf("failed to list feeds: %w", err)
	}

	if len(feeds) == 0 {
		return refresh.Response{Success: false, Message: NoFeedsMessage}, nil
	}

	if err := s.run(feeds); err != nil {
		return refresh.Response{}, err
	}

	estimate := len(feeds) * estimatedSecondsPerFeed
	return refresh.Response{
		Success:                    true,
		TotalFeeds:                 len(feeds),
		Message:                    fmt.Sprintf("Refresh started for %d feeds", len(feeds)),
		EstimatedCompletionSeconds: &estimate,
	}, nil
}

// RefreshSingle returns database.ErrNotFound for an unknown feed.
func (s *Service) RefreshSingle(ctx context.Context, feedID int64) (refresh.Response, error) {
	f, err := s.feedRepo.GetFeed(ctx, feedID)
	if err != nil {
		return refresh.Response{}, err
	}

	if err := s.run([]database.Feed{*f}); err != nil {
		return refresh.Response{}, err
	}

	estimate := singleFeedEstimateSeconds
	return refresh.Response{
		Success:                    true,
		TotalFeeds:                 1,
		Message:                    fmt.Sprintf("Refresh started for %s", f.DisplayTitle()),
		EstimatedCompletionSeconds: &estimate,
	}, nil
}

func (s *Service) run(feeds []database.Feed) error {
	s.mu.Lock()
	if s.current != nil && s.current.Active() {
		s.mu.Unlock()
		return refresh.ErrRefreshActive
	}
	tracker := NewTracker(feeds, s.clock.Now())
	s.current = tracker
	s.mu.Unlock()

	slog.Info("Refresh batch started", "feeds", len(feeds))

	fetcher := &trackingFetcher{next: s.fetcher, tracker: tracker}
	for _, f := range feeds {
		task := tasks.NewRefreshFeedTask(f, fetcher, s.parser, s.feedRepo, s.itemRepo, func(t *tasks.RefreshFeedTask, err error) {
			s.complete(tracker, t, err)
		})
		if err := s.pool.EnqueueTask(task); err != nil {
			slog.Warn("Failed to enqueue feed refresh", "feed_id", f.ID, "feed_url", f.URL, "error", err)
			task.Complete(err)
		}
	}

	return nil
}

func (s *Service) complete(tracker *Tracker, t *tasks.RefreshFeedTask, err error) {
	now := s.clock.Now()
	status := refresh.FeedStatus{
		FeedID:        t.Feed.ID,
		FeedURL:       t.Feed.URL,
		FeedTitle:     t.Title,
		Status:        refresh.FeedStatusSuccess,
		EntriesAdded:  t.EntriesAdded,
		LastFetchedAt: now,
	}

	if err != nil {
		status.Status = refresh.FeedStatusFailed
		status.EntriesAdded = 0
		status.Error = &refresh.Error{
			FeedURL:      t.Feed.URL,
			FeedTitle:    t.Title,
			ErrorMessage: err.Error(),
			ErrorType:    feed.ClassifyError(err),
			RetryCount:   t.GetRetryCount(),
			Timestamp:    now,
		}
		if updateErr := s.feedRepo.UpdateFeedError(context.Background(), t.Feed.ID, err.Error()); updateErr != nil {
			slog.Warn("Failed to record feed error", "feed_id", t.Feed.ID, "error", updateErr)
		}
	} else if !t.FetchedAt.IsZero() {
		status.LastFetchedAt = t.FetchedAt
	}

	// The summary is published under the same lock as the inactive state so a
	// reader that sees the batch end also sees its summary.
	s.mu.Lock()
	if !tracker.Finish(status, now) {
		s.mu.Unlock()
		return
	}
	summary := tracker.Summary()
	s.lastSummary = summary
	s.mu.Unlock()

	slog.Info("Refresh batch finished",
		"processed", summary.TotalProcessed,
		"successful", summary.SuccessfulCount,
		"failed", summary.FailedCount,
		"duration_seconds", summary.DurationSeconds)

	if err := s.saveRun(summary); err != nil {
		slog.Error("Failed to persist refresh summary", "error", err)
	}
}

func (s *Service) saveRun(summary *refresh.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	_, err = s.runRepo.SaveRun(context.Background(), database.Run{
		FinishedAt:      summary.Timestamp,
		TotalProcessed:  summary.TotalProcessed,
		SuccessfulCount: summary.SuccessfulCount,
		FailedCount:     summary.FailedCount,
		DurationSeconds: summary.DurationSeconds,
		Summary:         data,
	})
	return err
}

// GetProgress reports the running batch, or the last finished one with
// IsActive false, or zeros when nothing ever ran.
func (s *Service) GetProgress(context.Context) (refresh.Progress, error) {
	s.mu.Lock()
	tracker := s.current
	s.mu.Unlock()

	if tracker == nil {
		return refresh.Progress{Errors: []refresh.Error{}}, nil
	}
	return tracker.Progress(s.clock.Now()), nil
}

func (s *Service) GetLastSummary(ctx context.Context) (*refresh.Summary, error) {
	s.mu.Lock()
	summary := s.lastSummary
	s.mu.Unlock()

	if summary != nil {
		return summary, nil
	}

	run, err := s.runRepo.GetLastRun(ctx)
	if errors.Is(err, database.ErrNotFound) {
		return nil, refresh.ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}

	var stored refresh.Summary
	if err := json.Unmarshal(run.Summary, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored summary: %w", err)
	}
	return &stored, nil
}

// trackingFetcher publishes the URL being fetched as the current feed.
type trackingFetcher struct {
	next    tasks.FeedFetcher
	tracker *Tracker
}

func (f *trackingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.tracker.SetCurrent(url)
	return f.next.Fetch(ctx, url)
}
