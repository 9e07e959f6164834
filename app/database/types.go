package database

import (
	"time"
)

type Feed struct {
	ID            int64
	URL           string
	Title         string
	Description   string
	Link          string
	LastFetchedAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DisplayTitle falls back to the URL for feeds that have never been fetched.
func (f Feed) DisplayTitle() string {
	if f.Title != "" {
		return f.Title
	}
	return f.URL
}

type Item struct {
	ID          int64
	FeedID      int64
	GUID        string
	Title       string
	Link        string
	Content     string
	ContentHash string
	PublishedAt *time.Time
	CreatedAt   time.Time
}

type Run struct {
	ID              int64
	FinishedAt      time.Time
	TotalProcessed  int
	SuccessfulCount int
	FailedCount     int
	DurationSeconds float64
	Summary         []byte // JSON encoded refresh.Summary
}
