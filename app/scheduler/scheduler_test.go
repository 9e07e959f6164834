package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/conditions"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/poller"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/refresh/refreshtest"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.Local)

// memoryBackend starts empty and accepts every save; the store keeps the
// current document in memory.
type memoryBackend struct{}

func (memoryBackend) Load(context.Context) (*settings.Partial, error) {
	return nil, nil
}

func (memoryBackend) Save(context.Context, settings.RefreshSettings) error {
	return nil
}

type fakeConditions struct {
	mu   sync.Mutex
	snap conditions.Snapshot
}

func (f *fakeConditions) Snapshot() conditions.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeConditions) set(active bool, speed conditions.NetworkSpeed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.IsUserActive = active
	f.snap.NetworkSpeed = speed
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []*refresh.Summary
	failures  []error
}

func (r *recordingNotifier) RefreshSucceeded(_ context.Context, summary *refresh.Summary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, summary)
	return true
}

func (r *recordingNotifier) RefreshFailed(_ context.Context, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
	return true
}

func (r *recordingNotifier) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

type harness struct {
	clock      *clockwork.FakeClock
	store      *settings.Store
	conditions *fakeConditions
	executor   *refreshtest.Executor
	poller     *poller.Poller
	notifier   *recordingNotifier
	metrics    *metrics.Metrics
	scheduler  *Scheduler
}

// newHarness builds a scheduler whose settings start from the defaults with
// configure applied. The scheduler is not started.
func newHarness(t *testing.T, configure func(*settings.RefreshSettings)) *harness {
	t.Helper()

	h := &harness{
		clock:      clockwork.NewFakeClockAt(t0),
		store:      settings.NewStore(memoryBackend{}),
		conditions: &fakeConditions{snap: conditions.Snapshot{NetworkSpeed: conditions.SpeedFast}},
		executor:   refreshtest.NewExecutor(),
		notifier:   &recordingNotifier{},
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
	}

	initial := settings.Defaults()
	initial.IntervalMinutes = 15
	if configure != nil {
		configure(&initial)
	}
	require.NoError(t, h.store.Save(context.Background(), initial))

	h.poller = poller.New(h.executor, poller.DefaultConfig(), h.clock, nil)
	h.scheduler = New(DefaultConfig(), h.store, h.conditions, h.poller, h.notifier, h.clock, h.metrics)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.scheduler.Start(context.Background())
	t.Cleanup(h.scheduler.Stop)
}

// waitTimers blocks until n timers are pending on the fake clock.
func (h *harness) waitTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func (h *harness) waitNext(t *testing.T, want time.Time) {
	t.Helper()
	require.Eventually(t, func() bool {
		status := h.scheduler.Status()
		return status.State == StateScheduled && status.NextRefreshTime != nil && status.NextRefreshTime.Equal(want)
	}, time.Second, time.Millisecond, "next refresh never scheduled at %v (status %+v)", want, h.scheduler.Status())
}

func (h *harness) waitRefreshCalls(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.executor.RefreshAllCalls() == n
	}, time.Second, time.Millisecond)
}

// finishPoll lets the pending poll observe an inactive executor, which ends
// the session.
func (h *harness) finishPoll(t *testing.T) {
	t.Helper()
	h.waitTimers(t, 1)
	h.clock.Advance(poller.DefaultConfig().InitialInterval)
}

func lastRefreshAt(at time.Time) func(*settings.RefreshSettings) {
	return func(s *settings.RefreshSettings) {
		s.LastAutoRefresh = &at
	}
}

func TestValidateStateTransition(t *testing.T) {
	valid := [][2]State{
		{StateDisabled, StateScheduled},
		{StateScheduled, StateEvaluating},
		{StateEvaluating, StateScheduled},
		{StateEvaluating, StateRefreshing},
		{StateRefreshing, StateRescheduling},
		{StateRefreshing, StateScheduled},
		{StateRescheduling, StateScheduled},
		{StateRescheduling, StateDisabled},
		{StateScheduled, StateScheduled},
	}
	for _, tr := range valid {
		assert.NoError(t, ValidateStateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]State{
		{StateDisabled, StateEvaluating},
		{StateDisabled, StateRescheduling},
		{StateScheduled, StateRescheduling},
		{StateRescheduling, StateRefreshing},
	}
	for _, tr := range invalid {
		assert.Error(t, ValidateStateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	assert.Error(t, ValidateStateTransition(State("paused"), StateScheduled))
}

func TestEvaluateOrder(t *testing.T) {
	s := settings.Defaults()
	s.QuietHours = settings.QuietHours{Enabled: true, StartHour: 9, EndHour: 17}
	s.PauseOnUserActivity = true
	s.BandwidthAware = true
	busy := conditions.Snapshot{IsUserActive: true, NetworkSpeed: conditions.SpeedSlow}

	assert.Equal(t, SkipAlreadyRefreshing, Evaluate(s, busy, true, t0))
	assert.Equal(t, SkipQuietHours, Evaluate(s, busy, false, t0))

	s.QuietHours.Enabled = false
	assert.Equal(t, SkipUserActive, Evaluate(s, busy, false, t0))

	busy.IsUserActive = false
	assert.Equal(t, SkipSlowNetwork, Evaluate(s, busy, false, t0))

	busy.NetworkSpeed = conditions.SpeedModerate
	assert.Equal(t, SkipNone, Evaluate(s, busy, false, t0))

	s.PauseOnUserActivity = false
	s.BandwidthAware = false
	assert.Equal(t, SkipNone, Evaluate(s, conditions.Snapshot{IsUserActive: true, NetworkSpeed: conditions.SpeedSlow}, false, t0),
		"gates only apply when enabled")
}

func TestStartupSchedule(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*settings.RefreshSettings)
		want      time.Time
	}{
		{
			name: "never refreshed",
			want: t0.Add(time.Minute),
		},
		{
			name: "refreshed recently",
			configure: func(s *settings.RefreshSettings) {
				s.IntervalMinutes = 30
				lastRefreshAt(t0.Add(-10 * time.Minute))(s)
			},
			want: t0.Add(20 * time.Minute),
		},
		{
			name:      "overdue",
			configure: lastRefreshAt(t0.Add(-2 * time.Hour)),
			want:      t0.Add(time.Minute),
		},
		{
			name: "interval below the floor",
			configure: func(s *settings.RefreshSettings) {
				s.IntervalMinutes = 5
				lastRefreshAt(t0)(s)
			},
			want: t0.Add(15 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.configure)
			h.start(t)
			h.waitNext(t, tt.want)
		})
	}
}

func TestStartsDisabled(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) { s.Enabled = false })
	h.start(t)

	require.Eventually(t, func() bool {
		return h.scheduler.Status().State == StateDisabled
	}, time.Second, time.Millisecond)
	assert.Nil(t, h.scheduler.Status().NextRefreshTime)
}

func TestScheduledRefreshEndToEnd(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) { s.Enabled = false })
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetEnabled(ctx, true))
	fireAt := t0.Add(15 * time.Minute)
	h.waitNext(t, fireAt)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)
	h.waitRefreshCalls(t, 1)

	last := h.store.Get(ctx).LastAutoRefresh
	require.NotNil(t, last)
	assert.True(t, last.Equal(fireAt), "lastAutoRefresh recorded at fire time, got %v", last)

	h.finishPoll(t)
	h.waitNext(t, fireAt.Add(500*time.Millisecond).Add(15*time.Minute))

	assert.Equal(t, 1, h.executor.RefreshAllCalls())
	successes, failures := h.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SchedulerFiresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomesTotal.WithLabelValues("scheduled", "completed")))
}

func TestUserActivityDefersByOneMinute(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.PauseOnUserActivity = true
		lastRefreshAt(t0)(s)
	})
	h.conditions.set(true, conditions.SpeedFast)
	h.start(t)

	h.waitNext(t, t0.Add(15*time.Minute))
	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)

	h.waitNext(t, t0.Add(16*time.Minute))
	assert.Equal(t, SkipUserActive, h.scheduler.Status().LastSkipReason)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SchedulerSkipsTotal.WithLabelValues("user_active")))

	h.conditions.set(false, conditions.SpeedFast)
	h.waitTimers(t, 1)
	h.clock.Advance(time.Minute)
	h.waitRefreshCalls(t, 1)
}

func TestSlowNetworkDefersByFiveMinutes(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.BandwidthAware = true
		lastRefreshAt(t0)(s)
	})
	h.conditions.set(false, conditions.SpeedSlow)
	h.start(t)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)

	h.waitNext(t, t0.Add(20*time.Minute))
	assert.Equal(t, SkipSlowNetwork, h.scheduler.Status().LastSkipReason)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())
}

func TestQuietHoursDefer(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.QuietHours = settings.QuietHours{Enabled: true, StartHour: 9, EndHour: 17}
		lastRefreshAt(t0)(s)
	})
	h.start(t)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)

	h.waitNext(t, t0.Add(20*time.Minute))
	assert.Equal(t, SkipQuietHours, h.scheduler.Status().LastSkipReason)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())
}

func TestActiveSessionDefersScheduledRefresh(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	for i := 0; i < 5; i++ {
		h.executor.QueueProgress(refresh.Progress{IsActive: true, TotalFeeds: 1})
	}
	h.start(t)
	h.waitNext(t, t0.Add(15*time.Minute))

	_, err := h.poller.StartSingleFeedRefresh(context.Background(), 7)
	require.NoError(t, err)

	// The scheduler timer and the first poll.
	h.waitTimers(t, 2)
	h.clock.Advance(15 * time.Minute)

	h.waitNext(t, t0.Add(20*time.Minute))
	assert.Equal(t, SkipAlreadyRefreshing, h.scheduler.Status().LastSkipReason)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())
	assert.Equal(t, []int64{7}, h.executor.RefreshSingleIDs())
}

func TestInvocationFailureRetriesAfterOneMinute(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.DesktopNotifications = true
		lastRefreshAt(t0)(s)
	})
	h.executor.SetStartError(errors.New("executor unreachable"))
	h.start(t)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)

	fireAt := t0.Add(15 * time.Minute)
	h.waitNext(t, fireAt.Add(60*time.Second))
	assert.Equal(t, 1, h.executor.RefreshAllCalls())

	successes, failures := h.notifier.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)

	status := h.scheduler.Status()
	assert.Contains(t, status.LastError, "executor unreachable")
	assert.Equal(t, "degraded", h.scheduler.Health()["status"])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomesTotal.WithLabelValues("scheduled", "start_failed")))

	h.executor.SetStartError(nil)
	h.waitTimers(t, 1)
	h.clock.Advance(60 * time.Second)
	h.waitRefreshCalls(t, 2)

	require.Eventually(t, func() bool {
		return h.scheduler.Status().LastError == ""
	}, time.Second, time.Millisecond)
	assert.Equal(t, "healthy", h.scheduler.Health()["status"])
}

func TestForceRefreshBypassesQuietHours(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.QuietHours = settings.QuietHours{Enabled: true, StartHour: 9, EndHour: 17}
		lastRefreshAt(t0)(s)
	})
	h.start(t)
	h.waitNext(t, t0.Add(15*time.Minute))

	require.NoError(t, h.scheduler.ForceRefreshNow(context.Background()))
	assert.Equal(t, 1, h.executor.RefreshAllCalls())

	status := h.scheduler.Status()
	assert.Equal(t, StateRefreshing, status.State)
	assert.Nil(t, status.NextRefreshTime)
	require.NotNil(t, status.LastAutoRefresh)
	assert.True(t, status.LastAutoRefresh.Equal(t0), "manual refresh does not move lastAutoRefresh")

	// Only the poll is pending; the scheduled fire was cancelled.
	h.finishPoll(t)
	h.waitNext(t, t0.Add(500*time.Millisecond).Add(15*time.Minute))

	successes, _ := h.notifier.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomesTotal.WithLabelValues("manual", "completed")))
}

func TestForceRefreshWhileRefreshing(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.executor.QueueProgress(refresh.Progress{IsActive: true})
	h.start(t)
	h.waitNext(t, t0.Add(15*time.Minute))

	_, err := h.poller.StartRefresh(context.Background())
	require.NoError(t, err)

	err = h.scheduler.ForceRefreshNow(context.Background())
	assert.ErrorIs(t, err, poller.ErrAlreadyRefreshing)
	assert.Equal(t, 1, h.executor.RefreshAllCalls(), "executor invoked once")

	status := h.scheduler.Status()
	require.NotNil(t, status.NextRefreshTime, "schedule untouched")
	assert.True(t, status.NextRefreshTime.Equal(t0.Add(15*time.Minute)))
}

func TestForceRefreshStartError(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	boom := errors.New("database is locked")
	h.executor.SetStartError(boom)
	h.start(t)
	h.waitNext(t, t0.Add(15*time.Minute))

	err := h.scheduler.ForceRefreshNow(context.Background())
	assert.ErrorIs(t, err, boom)

	h.waitNext(t, t0.Add(60*time.Second))
	_, failures := h.notifier.counts()
	assert.Equal(t, 0, failures, "manual failures are reported to the caller")
}

func TestForceRefreshRequiresRunningScheduler(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.scheduler.ForceRefreshNow(context.Background()), ErrNotRunning)

	h.start(t)
	h.scheduler.Stop()
	assert.ErrorIs(t, h.scheduler.ForceRefreshNow(context.Background()), ErrNotRunning)
}

func TestDisableCancelsPendingFire(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.start(t)
	ctx := context.Background()
	h.waitNext(t, t0.Add(15*time.Minute))

	require.NoError(t, h.store.SetEnabled(ctx, false))
	require.Eventually(t, func() bool {
		status := h.scheduler.Status()
		return status.State == StateDisabled && status.NextRefreshTime == nil
	}, time.Second, time.Millisecond)

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())

	require.NoError(t, h.store.SetEnabled(ctx, true))
	h.waitNext(t, t0.Add(2*time.Hour).Add(15*time.Minute))
}

func TestSettingsChangeRearmsTimer(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.start(t)
	ctx := context.Background()
	h.waitNext(t, t0.Add(15*time.Minute))

	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.store.SetInterval(ctx, 60))
	h.waitNext(t, t0.Add(70*time.Minute))

	// The old fire time passes without a refresh.
	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, h.executor.RefreshAllCalls())

	require.NoError(t, h.store.SetInterval(ctx, 1))
	h.waitNext(t, t0.Add(35*time.Minute))

	require.NoError(t, h.store.SetDesktopNotifications(ctx, true))
	h.waitNext(t, t0.Add(35*time.Minute))
}

func TestDisableDuringRefreshStopsAfterCompletion(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.start(t)
	ctx := context.Background()

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)
	h.waitRefreshCalls(t, 1)

	require.NoError(t, h.store.SetEnabled(ctx, false))
	assert.Equal(t, StateRefreshing, h.scheduler.Status().State)

	h.finishPoll(t)
	require.Eventually(t, func() bool {
		return h.scheduler.Status().State == StateDisabled
	}, time.Second, time.Millisecond)
	assert.Nil(t, h.scheduler.Status().NextRefreshTime)
}

func TestProgressUnavailableKeepsNormalCadence(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.DesktopNotifications = true
		lastRefreshAt(t0)(s)
	})
	h.executor.QueueProgressError(errors.New("progress endpoint down"), 5)
	h.start(t)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)
	h.waitRefreshCalls(t, 1)

	delays := []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
		2531250 * time.Microsecond,
	}
	elapsed := time.Duration(0)
	for i, delay := range delays {
		h.waitTimers(t, 1)
		h.clock.Advance(delay)
		elapsed += delay
		require.Eventually(t, func() bool {
			return h.executor.ProgressCalls() == i+1
		}, time.Second, time.Millisecond)
	}

	h.waitNext(t, t0.Add(15*time.Minute).Add(elapsed).Add(15*time.Minute))
	successes, failures := h.notifier.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RefreshOutcomesTotal.WithLabelValues("scheduled", "unavailable")))
}

func TestNothingToRefresh(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.executor.SetResponse(refresh.Response{Success: false, Message: "No feeds found to refresh"})
	h.start(t)

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)
	h.waitRefreshCalls(t, 1)

	h.waitNext(t, t0.Add(30*time.Minute))
	successes, failures := h.notifier.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 0, failures)
}

func TestRestartAfterStopDuringRefresh(t *testing.T) {
	h := newHarness(t, lastRefreshAt(t0))
	h.start(t)
	ctx := context.Background()

	h.waitTimers(t, 1)
	h.clock.Advance(15 * time.Minute)
	h.waitRefreshCalls(t, 1)
	require.Equal(t, StateRefreshing, h.scheduler.Status().State)

	// The session ends while the scheduler is stopped, so its completion is
	// never delivered.
	h.scheduler.Stop()
	h.finishPoll(t)
	require.Eventually(t, func() bool {
		return !h.poller.IsRefreshing()
	}, time.Second, time.Millisecond)

	h.scheduler.Start(ctx)
	restartedAt := t0.Add(15 * time.Minute).Add(500 * time.Millisecond)
	h.waitNext(t, t0.Add(30*time.Minute))

	require.NoError(t, h.store.SetInterval(ctx, 60))
	h.waitNext(t, restartedAt.Add(60*time.Minute))

	h.waitTimers(t, 1)
	h.clock.Advance(60 * time.Minute)
	h.waitRefreshCalls(t, 2)
	assert.Equal(t, SkipNone, h.scheduler.Status().LastSkipReason)
}

func TestSettingsBurstAppliesLatest(t *testing.T) {
	h := newHarness(t, func(s *settings.RefreshSettings) {
		s.PauseOnUserActivity = true
		lastRefreshAt(t0)(s)
	})
	h.conditions.set(true, conditions.SpeedFast)
	h.start(t)
	ctx := context.Background()
	h.waitNext(t, t0.Add(15*time.Minute))
	h.waitTimers(t, 1)

	// Hold the loop inside the fire evaluation while settings change.
	h.conditions.mu.Lock()
	h.clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool {
		return h.scheduler.Status().State == StateEvaluating
	}, time.Second, time.Millisecond)

	for minutes := 20; minutes <= 45; minutes++ {
		require.NoError(t, h.store.SetInterval(ctx, minutes))
	}
	h.conditions.mu.Unlock()

	h.waitNext(t, t0.Add(60*time.Minute))
	assert.Equal(t, 0, h.executor.RefreshAllCalls())
}
