package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
)

// RefreshFeedTask fetches one feed, stores its metadata and items and counts
// the entries that were new.
type RefreshFeedTask struct {
	Task
	Feed     database.Feed
	fetcher  FeedFetcher
	parser   *feed.Parser
	feedRepo database.FeedRepository
	itemRepo database.ItemRepository

	Title        string
	EntriesAdded int
	FetchedAt    time.Time
}

func NewRefreshFeedTask(f database.Feed, fetcher FeedFetcher, parser *feed.Parser, feedRepo database.FeedRepository, itemRepo database.ItemRepository, onComplete func(*RefreshFeedTask, error)) *RefreshFeedTask {
	t := &RefreshFeedTask{
		Feed:     f,
		fetcher:  fetcher,
		parser:   parser,
		feedRepo: feedRepo,
		itemRepo: itemRepo,
		Title:    f.DisplayTitle(),
	}
	t.Task = NewTask(TaskTypeRefreshFeed, f.URL, func(err error) {
		if onComplete != nil {
			onComplete(t, err)
		}
	})
	return t
}

func (t *RefreshFeedTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := t.fetcher.Fetch(ctx, t.Feed.URL)
	if err != nil {
		return err
	}

	metadata, items, err := t.parser.Run(data)
	if err != nil {
		return err
	}

	fetchedAt := time.Now().UTC()
	if err := t.feedRepo.UpdateFeedFetched(ctx, t.Feed.ID, metadata.Title, metadata.Description, metadata.Link, fetchedAt); err != nil {
		return &feed.StoreError{Err: err}
	}
	if metadata.Title != "" {
		t.Title = metadata.Title
	}

	newCount := 0
	for _, item := range items {
		created, err := t.itemRepo.UpsertItem(ctx, database.Item{
			FeedID:      t.Feed.ID,
			GUID:        item.GUID,
			Title:       item.Title,
			Link:        item.Link,
			Content:     item.Body(),
			ContentHash: item.ContentHash,
			PublishedAt: item.PublishedAt,
		})
		if err != nil {
			return &feed.StoreError{Err: err}
		}
		if created {
			newCount++
		}
	}

	t.EntriesAdded = newCount
	t.FetchedAt = fetchedAt

	slog.Info("Task completed",
		"type", string(t.Type),
		"feed_id", t.Feed.ID,
		"feed_url", t.Feed.URL,
		"duration", t.GetDuration(),
		"total", len(items),
		"new", newCount)

	return nil
}
