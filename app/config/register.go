package config

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lysyi3m/rss-autorefresh/app/database"
)

// RegisterFeeds adds every enabled declaration whose URL is not subscribed
// yet. Existing subscriptions are left untouched. It returns how many feeds
// were created.
func RegisterFeeds(ctx context.Context, repo database.FeedRepository, configs map[string]*FeedConfig) (int, error) {
	existing, err := repo.ListFeeds(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list feeds: %w", err)
	}

	known := make(map[string]bool, len(existing))
	for _, f := range existing {
		known[f.URL] = true
	}

	files := make([]string, 0, len(configs))
	for file := range configs {
		files = append(files, file)
	}
	sort.Strings(files)

	created := 0
	for _, file := range files {
		cfg := configs[file]
		if !cfg.IsEnabled() {
			slog.Debug("Skipping disabled feed", "file", file)
			continue
		}
		if known[cfg.Feed.URL] {
			continue
		}

		id, err := repo.CreateFeed(ctx, cfg.Feed.URL, cfg.Feed.Title)
		if err != nil {
			return created, fmt.Errorf("failed to register feed from %s: %w", file, err)
		}
		known[cfg.Feed.URL] = true
		created++
		slog.Info("Registered feed", "file", file, "feed_id", id, "url", cfg.Feed.URL)
	}

	return created, nil
}
