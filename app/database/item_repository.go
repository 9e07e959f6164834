package database

import (
	"context"
	"fmt"
)

var _ ItemRepository = (*ItemStore)(nil)

type ItemStore struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemStore {
	return &ItemStore{db: db}
}

func (r *ItemStore) UpsertItem(ctx context.Context, item Item) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO items (feed_id, guid, title, link, content, content_hash, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, guid) DO NOTHING
	`, item.FeedID, item.GUID, item.Title, item.Link, item.Content, item.ContentHash, item.PublishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE items
		SET title = ?, link = ?, content = ?, content_hash = ?, published_at = ?
		WHERE feed_id = ? AND guid = ? AND content_hash <> ?
	`, item.Title, item.Link, item.Content, item.ContentHash, item.PublishedAt,
		item.FeedID, item.GUID, item.ContentHash)
	if err != nil {
		return false, fmt.Errorf("failed to update item: %w", err)
	}

	return false, nil
}

func (r *ItemStore) GetItemCount(ctx context.Context, feedID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE feed_id = ?`, feedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}
