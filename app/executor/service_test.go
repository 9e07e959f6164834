package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>%s</title>
<item><title>First</title><link>https://example.com/%[1]s/1</link><guid>%[1]s-1</guid></item>
<item><title>Second</title><link>https://example.com/%[1]s/2</link><guid>%[1]s-2</guid></item>
</channel></rss>`

type harness struct {
	db       *database.DB
	service  *Service
	feedRepo *database.FeedStore
	runRepo  *database.RunStore
	server   *httptest.Server
	gate     chan struct{}
}

// newHarness serves /ok/<name> as a valid feed, /broken as garbage and
// /slow/<name> only after gate is closed.
func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	h := &harness{db: db, gate: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/ok/{name}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, feedBody, r.PathValue("name"))
	})
	mux.HandleFunc("/slow/{name}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.gate:
		case <-r.Context().Done():
			return
		}
		fmt.Fprintf(w, feedBody, r.PathValue("name"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not a feed</html>")
	})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	cfg := tasks.DefaultPoolConfig()
	cfg.WorkerCount = 2
	cfg.RetryBaseDelay = time.Millisecond
	pool := tasks.NewPool(cfg)
	pool.Start()
	t.Cleanup(pool.Stop)

	h.feedRepo = database.NewFeedRepository(db)
	h.runRepo = database.NewRunRepository(db)
	h.service = NewService(h.feedRepo, database.NewItemRepository(db), h.runRepo, pool,
		feed.NewFetcher(h.server.Client(), "test", 2*time.Second, clockwork.NewRealClock()), feed.NewParser(), clockwork.NewRealClock())

	return h
}

func (h *harness) addFeed(t *testing.T, path string) int64 {
	t.Helper()
	id, err := h.feedRepo.CreateFeed(context.Background(), h.server.URL+path, "")
	require.NoError(t, err)
	return id
}

func (h *harness) waitInactive(t *testing.T) refresh.Progress {
	t.Helper()
	var progress refresh.Progress
	require.Eventually(t, func() bool {
		var err error
		progress, err = h.service.GetProgress(context.Background())
		return err == nil && !progress.IsActive
	}, 5*time.Second, 10*time.Millisecond)
	return progress
}

// waitSummary waits for the summary of a finished batch. Persisting it to the
// run table may still be in progress.
func (h *harness) waitSummary(t *testing.T) *refresh.Summary {
	t.Helper()
	var summary *refresh.Summary
	require.Eventually(t, func() bool {
		var err error
		summary, err = h.service.GetLastSummary(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return summary
}

func TestRefreshAllWithoutFeeds(t *testing.T) {
	h := newHarness(t)

	resp, err := h.service.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, NoFeedsMessage, resp.Message)

	progress, err := h.service.GetProgress(context.Background())
	require.NoError(t, err)
	assert.False(t, progress.IsActive)
	assert.Zero(t, progress.TotalFeeds)
}

func TestRefreshAllCompletesAndSummarizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addFeed(t, "/ok/alpha")
	h.addFeed(t, "/ok/beta")
	brokenID := h.addFeed(t, "/broken")

	resp, err := h.service.RefreshAll(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.TotalFeeds)
	require.NotNil(t, resp.EstimatedCompletionSeconds)
	assert.Equal(t, 6, *resp.EstimatedCompletionSeconds)

	progress := h.waitInactive(t)
	assert.Equal(t, 3, progress.TotalFeeds)
	assert.Equal(t, 2, progress.CompletedFeeds)
	assert.Equal(t, 1, progress.FailedFeeds)
	assert.Equal(t, 100.0, progress.ProgressPercentage)
	assert.Nil(t, progress.EstimatedTimeRemaining)
	require.Len(t, progress.Errors, 1)
	assert.Equal(t, refresh.ErrorTypeParse, progress.Errors[0].ErrorType)

	summary := h.waitSummary(t)
	assert.Equal(t, 3, summary.TotalProcessed)
	assert.Equal(t, 2, summary.SuccessfulCount)
	assert.Equal(t, 1, summary.FailedCount)

	added := 0
	for _, status := range summary.FeedStatuses {
		added += status.EntriesAdded
		if status.FeedID == brokenID {
			assert.Equal(t, refresh.FeedStatusFailed, status.Status)
		}
	}
	assert.Equal(t, 4, added)

	broken, err := h.feedRepo.GetFeed(ctx, brokenID)
	require.NoError(t, err)
	assert.NotEmpty(t, broken.LastError)

	require.Eventually(t, func() bool {
		run, err := h.runRepo.GetLastRun(ctx)
		return err == nil && run.TotalProcessed == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRefreshAllRejectsWhileActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFeed(t, "/slow/gamma")

	_, err := h.service.RefreshAll(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, _ := h.service.GetProgress(ctx)
		return p.CurrentFeedURL != ""
	}, time.Second, 5*time.Millisecond)

	progress, err := h.service.GetProgress(ctx)
	require.NoError(t, err)
	assert.True(t, progress.IsActive)
	assert.Equal(t, h.server.URL+"/slow/gamma", progress.CurrentFeedURL)
	require.NotNil(t, progress.EstimatedTimeRemaining)

	_, err = h.service.RefreshAll(ctx)
	assert.ErrorIs(t, err, refresh.ErrRefreshActive)

	close(h.gate)
	progress = h.waitInactive(t)
	assert.Equal(t, 1, progress.CompletedFeeds)
}

func TestRefreshSingle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addFeed(t, "/ok/alpha")
	id := h.addFeed(t, "/ok/beta")

	resp, err := h.service.RefreshSingle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalFeeds)
	assert.Equal(t, 5, *resp.EstimatedCompletionSeconds)

	progress := h.waitInactive(t)
	assert.Equal(t, 1, progress.TotalFeeds)

	summary := h.waitSummary(t)
	require.Len(t, summary.FeedStatuses, 1)
	assert.Equal(t, id, summary.FeedStatuses[0].FeedID)
	assert.Equal(t, "beta", summary.FeedStatuses[0].FeedTitle)
}

func TestRefreshSingleUnknownFeed(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.RefreshSingle(context.Background(), 404)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestGetLastSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.GetLastSummary(ctx)
	assert.ErrorIs(t, err, refresh.ErrSummaryNotFound)

	h.addFeed(t, "/ok/alpha")
	_, err = h.service.RefreshAll(ctx)
	require.NoError(t, err)
	h.waitSummary(t)
	require.Eventually(t, func() bool {
		_, err := h.runRepo.GetLastRun(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	restarted := NewService(h.feedRepo, database.NewItemRepository(h.db), h.runRepo, tasks.NewPool(tasks.DefaultPoolConfig()), nil, feed.NewParser(), clockwork.NewRealClock())
	summary, err := restarted.GetLastSummary(ctx)
	require.NoError(t, err, "summary survives a restart through the run table")
	assert.Equal(t, 1, summary.SuccessfulCount)
}

// slowRunStore delays persistence so the batch ends well before its run is
// stored.
type slowRunStore struct {
	database.RunRepository
	delay time.Duration
}

func (s *slowRunStore) SaveRun(ctx context.Context, run database.Run) (int64, error) {
	time.Sleep(s.delay)
	return s.RunRepository.SaveRun(ctx, run)
}

func TestSummaryVisibleOnceInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := tasks.DefaultPoolConfig()
	cfg.WorkerCount = 2
	pool := tasks.NewPool(cfg)
	pool.Start()
	t.Cleanup(pool.Stop)

	service := NewService(h.feedRepo, database.NewItemRepository(h.db), &slowRunStore{RunRepository: h.runRepo, delay: 300 * time.Millisecond},
		pool, feed.NewFetcher(h.server.Client(), "test", 2*time.Second, clockwork.NewRealClock()), feed.NewParser(), clockwork.NewRealClock())

	waitInactive := func() {
		require.Eventually(t, func() bool {
			p, err := service.GetProgress(ctx)
			return err == nil && !p.IsActive
		}, 5*time.Second, time.Millisecond)
	}

	h.addFeed(t, "/ok/alpha")
	_, err := service.RefreshAll(ctx)
	require.NoError(t, err)
	waitInactive()

	summary, err := service.GetLastSummary(ctx)
	require.NoError(t, err, "summary is readable as soon as the batch is inactive")
	assert.Equal(t, 1, summary.TotalProcessed)

	h.addFeed(t, "/ok/beta")
	_, err = service.RefreshAll(ctx)
	require.NoError(t, err)
	waitInactive()

	summary, err = service.GetLastSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalProcessed, "no stale summary from the previous batch")
	assert.Equal(t, 2, summary.SuccessfulCount)
}

func TestTrackerProgressEstimate(t *testing.T) {
	start := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker([]database.Feed{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}, start)

	progress := tracker.Progress(start)
	require.NotNil(t, progress.EstimatedTimeRemaining)
	assert.Equal(t, 8, *progress.EstimatedTimeRemaining)

	assert.False(t, tracker.Finish(refresh.FeedStatus{FeedID: 1, Status: refresh.FeedStatusSuccess}, start.Add(3*time.Second)))
	assert.False(t, tracker.Finish(refresh.FeedStatus{FeedID: 1, Status: refresh.FeedStatusSuccess}, start.Add(3*time.Second)), "duplicate outcome ignored")

	progress = tracker.Progress(start.Add(3 * time.Second))
	assert.Equal(t, 25.0, progress.ProgressPercentage)
	assert.Equal(t, 9, *progress.EstimatedTimeRemaining)

	tracker.Finish(refresh.FeedStatus{FeedID: 2, Error: &refresh.Error{ErrorType: refresh.ErrorTypeNetwork}}, start.Add(4*time.Second))
	tracker.Finish(refresh.FeedStatus{FeedID: 3}, start.Add(5*time.Second))
	assert.True(t, tracker.Finish(refresh.FeedStatus{FeedID: 4}, start.Add(6*time.Second)))

	summary := tracker.Summary()
	assert.Equal(t, 4, summary.TotalProcessed)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, 6.0, summary.DurationSeconds)
	assert.False(t, tracker.Active())
}
