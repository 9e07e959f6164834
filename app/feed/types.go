package feed

import (
	"time"
)

type Metadata struct {
	Title       string
	Link        string
	Description string
	Language    string
}

type Item struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Content     string
	PublishedAt *time.Time

	ContentHash string
}

// Body is what gets stored for an item: the full content when the feed has
// it, the description otherwise.
func (i Item) Body() string {
	if i.Content != "" {
		return i.Content
	}
	return i.Description
}
