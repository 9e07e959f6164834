package database

import (
	"context"
	"time"
)

type FeedRepository interface {
	ListFeeds(ctx context.Context) ([]Feed, error)
	GetFeed(ctx context.Context, id int64) (*Feed, error)
	CreateFeed(ctx context.Context, url, title string) (int64, error)
	DeleteFeed(ctx context.Context, id int64) error

	UpdateFeedFetched(ctx context.Context, id int64, title, description, link string, fetchedAt time.Time) error
	UpdateFeedError(ctx context.Context, id int64, errMsg string) error
}

type ItemRepository interface {
	// UpsertItem stores an item and reports whether it was new.
	UpsertItem(ctx context.Context, item Item) (bool, error)
	GetItemCount(ctx context.Context, feedID int64) (int, error)
}

type SettingsRepository interface {
	// GetSetting returns ErrNotFound when key has never been written.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

type RunRepository interface {
	SaveRun(ctx context.Context, run Run) (int64, error)
	// GetLastRun returns ErrNotFound when no run was ever recorded.
	GetLastRun(ctx context.Context) (*Run, error)
}
