package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

type staticSettings struct {
	mu sync.Mutex
	s  settings.RefreshSettings
}

func (f *staticSettings) Get(context.Context) settings.RefreshSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *staticSettings) setNotifications(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.DesktopNotifications = enabled
}

type countingRequester struct {
	mu     sync.Mutex
	answer Permission
	err    error
	calls  int
}

func (r *countingRequester) RequestPermission(context.Context) (Permission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.answer, r.err
}

func newTestCenter(notifications bool, requester PermissionRequester) (*Center, *staticSettings, *clockwork.FakeClock, *metrics.Metrics) {
	s := settings.Defaults()
	s.DesktopNotifications = notifications
	source := &staticSettings{s: s}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewCenter(DefaultConfig(), source, requester, clock, m), source, clock, m
}

func TestNotifySuppressedWhenDisabled(t *testing.T) {
	center, _, _, m := newTestCenter(false, StaticRequester(PermissionGranted))
	center.SetPermission(PermissionGranted)

	n, shown := center.Notify(context.Background(), KindSuccess, "Feeds refreshed", "ok")
	assert.Nil(t, n)
	assert.False(t, shown)
	assert.Empty(t, center.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("success", "disabled")))
}

func TestNotifySuppressedWithoutPermission(t *testing.T) {
	center, _, _, m := newTestCenter(true, StaticRequester(PermissionDenied))

	_, shown := center.Notify(context.Background(), KindError, "Automatic refresh failed", "boom")
	assert.False(t, shown)

	assert.Equal(t, PermissionDenied, center.EnsurePermission(context.Background()))
	_, shown = center.Notify(context.Background(), KindError, "Automatic refresh failed", "boom")
	assert.False(t, shown)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("error", "no_permission")))
}

func TestNotificationAutoDismisses(t *testing.T) {
	center, _, clock, _ := newTestCenter(true, StaticRequester(PermissionGranted))
	center.Start(context.Background())
	require.Equal(t, PermissionGranted, center.Permission())

	var (
		mu     sync.Mutex
		events []EventType
	)
	center.Subscribe(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
		return nil
	})

	n, shown := center.Notify(context.Background(), KindSuccess, "Feeds refreshed", "3 feeds updated")
	require.True(t, shown)
	assert.Equal(t, clock.Now().Add(5*time.Second), n.ExpiresAt)
	assert.Len(t, center.Active(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(4 * time.Second)
	assert.Len(t, center.Active(), 1)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(center.Active()) == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventShown, EventDismissed}, events)
}

func TestDismissManually(t *testing.T) {
	center, _, _, _ := newTestCenter(true, StaticRequester(PermissionGranted))
	center.SetPermission(PermissionGranted)

	n, shown := center.Notify(context.Background(), KindSuccess, "t", "b")
	require.True(t, shown)

	assert.True(t, center.Dismiss(n.ID))
	assert.False(t, center.Dismiss(n.ID))
	assert.Empty(t, center.Active())
}

func TestPermissionRequestedOnceWhenEnabled(t *testing.T) {
	requester := &countingRequester{answer: PermissionGranted}
	center, source, _, _ := newTestCenter(false, requester)

	center.Start(context.Background())
	assert.Equal(t, 0, requester.calls, "notifications off, nothing to ask")

	off := settings.Defaults()
	on := off
	on.DesktopNotifications = true
	source.setNotifications(true)

	require.NoError(t, center.HandleSettingsChange(settings.Change{Old: off, New: on}))
	require.NoError(t, center.HandleSettingsChange(settings.Change{Old: on, New: on}))
	require.NoError(t, center.HandleSettingsChange(settings.Change{Old: on, New: off}))
	require.NoError(t, center.HandleSettingsChange(settings.Change{Old: off, New: on}))

	assert.Equal(t, 1, requester.calls)
	assert.Equal(t, PermissionGranted, center.Permission())
}

func TestPermissionRequestFailureIsNotRetried(t *testing.T) {
	requester := &countingRequester{err: errors.New("no display")}
	center, _, _, _ := newTestCenter(true, requester)

	assert.Equal(t, PermissionDefault, center.EnsurePermission(context.Background()))
	assert.Equal(t, PermissionDefault, center.EnsurePermission(context.Background()))
	assert.Equal(t, 1, requester.calls)

	center.SetPermission(PermissionGranted)
	_, shown := center.Notify(context.Background(), KindSuccess, "t", "b")
	assert.True(t, shown, "a client decision still unlocks notifications")
}

func TestMessages(t *testing.T) {
	title, body := SuccessMessage(language.English, &refresh.Summary{
		TotalProcessed:  1500,
		SuccessfulCount: 1500,
		FeedStatuses:    []refresh.FeedStatus{{EntriesAdded: 3}, {EntriesAdded: 4}},
	})
	assert.Equal(t, "Feeds refreshed", title)
	assert.Equal(t, "1,500 feeds updated, 7 new entries", body)

	_, body = SuccessMessage(language.English, &refresh.Summary{TotalProcessed: 3, SuccessfulCount: 2, FailedCount: 1})
	assert.Equal(t, "2 of 3 feeds updated, 1 failed, 0 new entries", body)

	_, body = SuccessMessage(language.English, nil)
	assert.Equal(t, "Automatic refresh finished", body)

	title, body = FailureMessage(language.English, errors.New("backend offline"))
	assert.Equal(t, "Automatic refresh failed", title)
	assert.Equal(t, "backend offline", body)
}
