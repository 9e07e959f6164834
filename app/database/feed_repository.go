package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ FeedRepository = (*FeedStore)(nil)

type FeedStore struct {
	db *DB
}

func NewFeedRepository(db *DB) *FeedStore {
	return &FeedStore{db: db}
}

const feedColumns = `id, url, title, description, link, last_fetched_at, COALESCE(last_error, ''), created_at, updated_at`

func (r *FeedStore) ListFeeds(ctx context.Context) ([]Feed, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *feed)
	}

	return feeds, rows.Err()
}

func (r *FeedStore) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)

	feed, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return feed, nil
}

func (r *FeedStore) CreateFeed(ctx context.Context, url, title string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO feeds (url, title) VALUES (?, ?)`, url, title)
	if err != nil {
		return 0, fmt.Errorf("failed to create feed: %w", err)
	}
	return res.LastInsertId()
}

func (r *FeedStore) DeleteFeed(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateFeedFetched records a successful fetch and clears any previous error.
// Empty metadata values keep what is already stored.
func (r *FeedStore) UpdateFeedFetched(ctx context.Context, id int64, title, description, link string, fetchedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE feeds
		SET title = CASE WHEN ? <> '' THEN ? ELSE title END,
			description = CASE WHEN ? <> '' THEN ? ELSE description END,
			link = CASE WHEN ? <> '' THEN ? ELSE link END,
			last_fetched_at = ?,
			last_error = NULL,
			updated_at = ?
		WHERE id = ?
	`, title, title, description, description, link, link, fetchedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update feed metadata: %w", err)
	}
	return nil
}

func (r *FeedStore) UpdateFeedError(ctx context.Context, id int64, errMsg string) error {
	if len(errMsg) > 200 {
		errMsg = errMsg[:200]
	}

	_, err := r.db.ExecContext(ctx, `UPDATE feeds SET last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update feed error: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*Feed, error) {
	var feed Feed
	var lastFetched sql.NullTime

	err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &feed.Description, &feed.Link,
		&lastFetched, &feed.LastError, &feed.CreatedAt, &feed.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastFetched.Valid {
		t := lastFetched.Time
		feed.LastFetchedAt = &t
	}

	return &feed, nil
}
