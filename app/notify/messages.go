package notify

import (
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SuccessMessage describes a finished automatic refresh. A nil summary yields
// a generic body.
func SuccessMessage(tag language.Tag, summary *refresh.Summary) (string, string) {
	p := message.NewPrinter(tag)
	title := p.Sprintf("Feeds refreshed")

	if summary == nil {
		return title, p.Sprintf("Automatic refresh finished")
	}

	added := 0
	for _, status := range summary.FeedStatuses {
		added += status.EntriesAdded
	}

	if summary.FailedCount > 0 {
		return title, p.Sprintf("%d of %d feeds updated, %d failed, %d new entries",
			summary.SuccessfulCount, summary.TotalProcessed, summary.FailedCount, added)
	}
	return title, p.Sprintf("%d feeds updated, %d new entries", summary.SuccessfulCount, added)
}

func FailureMessage(tag language.Tag, err error) (string, string) {
	p := message.NewPrinter(tag)
	return p.Sprintf("Automatic refresh failed"), err.Error()
}
