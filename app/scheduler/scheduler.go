// Package scheduler fires automatic refreshes on the configured cadence and
// defers them while a skip condition holds.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/conditions"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/poller"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
)

type SettingsStore interface {
	Get(ctx context.Context) settings.RefreshSettings
	SetLastAutoRefresh(ctx context.Context, at time.Time) error
	Subscribe(fn func(settings.Change) error) func()
}

type ConditionSource interface {
	Snapshot() conditions.Snapshot
}

type Refresher interface {
	StartRefresh(ctx context.Context) (*poller.Session, error)
	IsRefreshing() bool
	Status() poller.Status
}

type Notifier interface {
	RefreshSucceeded(ctx context.Context, summary *refresh.Summary) bool
	RefreshFailed(ctx context.Context, err error) bool
}

type forceRequest struct {
	reply chan error
}

type completion struct {
	session *poller.Session
	trigger Trigger
}

// Scheduler runs a single goroutine that owns the timer and every state
// transition. Other goroutines talk to it over channels.
type Scheduler struct {
	cfg        Config
	settings   SettingsStore
	conditions ConditionSource
	refresher  Refresher
	notifier   Notifier
	clock      clockwork.Clock
	metrics    *metrics.Metrics

	changes     chan struct{}
	forces      chan forceRequest
	completions chan completion

	// Owned by the loop goroutine.
	timer    clockwork.Timer
	inFlight *poller.Session

	lifecycle   sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()

	mu     sync.RWMutex
	status Status
}

func New(cfg Config, store SettingsStore, source ConditionSource, refresher Refresher, notifier Notifier,
	clock clockwork.Clock, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		settings:    store,
		conditions:  source,
		refresher:   refresher,
		notifier:    notifier,
		clock:       clock,
		metrics:     m,
		changes:     make(chan struct{}, 1),
		forces:      make(chan forceRequest),
		completions: make(chan completion, 1),
		status:      Status{State: StateDisabled},
	}
}

// Start computes the first fire time and launches the loop. Calling Start on
// a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.unsubscribe = s.settings.Subscribe(s.handleSettingsChange)

	go s.run(loopCtx, s.done)
}

// Stop cancels the pending timer and waits for the loop to exit. An in-flight
// refresh keeps running in the executor.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.cancel == nil {
		return
	}

	s.unsubscribe()
	s.cancel()
	<-s.done

	s.cancel = nil
	s.unsubscribe = nil
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) Status() Status {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	if status.NextRefreshTime != nil {
		next := *status.NextRefreshTime
		status.NextRefreshTime = &next
	}
	status.LastAutoRefresh = s.settings.Get(context.Background()).LastAutoRefresh

	poll := s.refresher.Status()
	status.PollInterval = poll.Interval
	status.ConsecutivePollFailures = poll.ConsecutiveFailures
	return status
}

// Health reports a coarse health summary in the same shape as the other
// health sections.
func (s *Scheduler) Health() map[string]interface{} {
	status := s.Status()

	health := map[string]interface{}{
		"status": "healthy",
		"state":  status.State,
	}
	if status.NextRefreshTime != nil {
		health["next_refresh_time"] = status.NextRefreshTime.Format(time.RFC3339)
	}
	if status.LastError != "" {
		health["status"] = "degraded"
		health["last_error"] = status.LastError
	}
	return health
}

// ForceRefreshNow starts a refresh immediately, ignoring skip conditions and
// the pending schedule. It returns poller.ErrAlreadyRefreshing when a session
// is active, or the executor's error when the refresh could not be started.
func (s *Scheduler) ForceRefreshNow(ctx context.Context) error {
	s.lifecycle.Lock()
	done := s.done
	running := s.cancel != nil
	s.lifecycle.Unlock()

	if !running {
		return ErrNotRunning
	}

	req := forceRequest{reply: make(chan error, 1)}
	select {
	case s.forces <- req:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleSettingsChange runs on the goroutine that mutated the settings, which
// may be the loop itself, so it must never block. Pending signals coalesce;
// the loop reads the current settings when it handles one.
func (s *Scheduler) handleSettingsChange(change settings.Change) error {
	if !settings.ScheduleChanged(change.Old, change.New) {
		return nil
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.stopTimer()

	// A session or change signal left over from a previous run is superseded
	// by the initial schedule.
	s.inFlight = nil
	select {
	case <-s.changes:
	default:
	}
	s.initialSchedule(ctx)

	for {
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case <-fire:
			s.timer = nil
			s.fire(ctx)
		case <-s.changes:
			s.applySettings(s.settings.Get(ctx))
		case req := <-s.forces:
			req.reply <- s.forceRefresh(ctx)
		case c := <-s.completions:
			s.complete(ctx, c)
		}
	}
}

func (s *Scheduler) initialSchedule(ctx context.Context) {
	current := s.settings.Get(ctx)
	if !current.Enabled {
		slog.Info("Auto-refresh disabled")
		s.disable()
		return
	}

	now := s.clock.Now()
	next := now.Add(s.cfg.StartupGrace)
	if current.LastAutoRefresh != nil {
		if due := current.LastAutoRefresh.Add(settings.EffectiveInterval(current)); due.After(now) {
			next = due
		}
	}

	slog.Info("Auto-refresh enabled", "interval", settings.EffectiveInterval(current), "next_refresh", next)
	s.scheduleAt(next)
}

func (s *Scheduler) applySettings(updated settings.RefreshSettings) {
	if s.inFlight != nil {
		// The completion reschedules from whatever is current then.
		slog.Debug("Settings changed during refresh, rescheduling on completion")
		return
	}

	if !updated.Enabled {
		slog.Info("Auto-refresh disabled")
		s.disable()
		return
	}

	interval := settings.EffectiveInterval(updated)
	slog.Info("Auto-refresh rescheduled", "interval", interval)
	s.scheduleAt(s.clock.Now().Add(interval))
}

func (s *Scheduler) fire(ctx context.Context) {
	s.setState(StateEvaluating)
	if s.metrics != nil {
		s.metrics.SchedulerFiresTotal.Inc()
	}

	current := s.settings.Get(ctx)
	if !current.Enabled {
		s.disable()
		return
	}

	now := s.clock.Now()
	refreshing := s.inFlight != nil || s.refresher.IsRefreshing()
	if reason := Evaluate(current, s.conditions.Snapshot(), refreshing, now); reason != SkipNone {
		delay := s.cfg.skipDelay(reason)
		slog.Info("Refresh skipped", "reason", reason, "retry_in", delay)
		if s.metrics != nil {
			s.metrics.SchedulerSkipsTotal.WithLabelValues(string(reason)).Inc()
		}

		s.mu.Lock()
		s.status.LastSkipReason = reason
		s.mu.Unlock()

		s.scheduleAt(now.Add(delay))
		return
	}

	s.mu.Lock()
	s.status.LastSkipReason = SkipNone
	s.mu.Unlock()

	// Recorded before the executor is invoked so the elapsed time stays
	// accurate even if the process exits mid-refresh.
	if err := s.settings.SetLastAutoRefresh(ctx, now); err != nil {
		slog.Warn("Failed to record automatic refresh time", "error", err)
	}

	if err := s.startRefresh(ctx, TriggerScheduled); errors.Is(err, poller.ErrAlreadyRefreshing) {
		// Lost a race with a manual refresh.
		s.scheduleAt(now.Add(s.cfg.skipDelay(SkipAlreadyRefreshing)))
	}
}

func (s *Scheduler) forceRefresh(ctx context.Context) error {
	if s.inFlight != nil || s.refresher.IsRefreshing() {
		return poller.ErrAlreadyRefreshing
	}

	slog.Info("Forced refresh requested")
	s.stopTimer()
	err := s.startRefresh(ctx, TriggerManual)
	if errors.Is(err, poller.ErrAlreadyRefreshing) {
		s.reschedule(ctx)
	}
	return err
}

// startRefresh invokes the executor through the poller. Failures to start
// take the short retry path; ErrAlreadyRefreshing is left to the caller.
func (s *Scheduler) startRefresh(ctx context.Context, trigger Trigger) error {
	s.stopTimer()
	s.setState(StateRefreshing)
	s.setNext(nil)

	session, err := s.refresher.StartRefresh(ctx)
	if errors.Is(err, poller.ErrAlreadyRefreshing) {
		return err
	}
	if err != nil {
		s.recordOutcome(trigger, "start_failed")
		slog.Error("Automatic refresh could not be started", "trigger", trigger, "error", err)

		s.mu.Lock()
		s.status.LastError = err.Error()
		s.mu.Unlock()

		if trigger == TriggerScheduled {
			s.notifier.RefreshFailed(ctx, err)
		}

		if s.settings.Get(ctx).Enabled {
			s.scheduleAt(s.clock.Now().Add(s.cfg.RetryDelay))
		} else {
			s.disable()
		}
		return err
	}

	s.mu.Lock()
	s.status.LastError = ""
	s.mu.Unlock()

	s.inFlight = session
	go s.await(ctx, session, trigger)
	return nil
}

func (s *Scheduler) await(ctx context.Context, session *poller.Session, trigger Trigger) {
	select {
	case <-session.Done():
	case <-ctx.Done():
		return
	}

	select {
	case s.completions <- completion{session: session, trigger: trigger}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) complete(ctx context.Context, c completion) {
	if c.session != s.inFlight {
		return
	}
	s.inFlight = nil
	result := c.session.Result()

	switch {
	case result.Err == nil && !result.Response.Success:
		s.recordOutcome(c.trigger, "nothing_to_do")
		slog.Info("Refresh finished without work", "trigger", c.trigger, "message", result.Response.Message)

	case result.Err == nil:
		s.recordOutcome(c.trigger, "completed")
		if c.trigger == TriggerScheduled {
			s.notifier.RefreshSucceeded(ctx, result.Summary)
		}

	case errors.Is(result.Err, poller.ErrProgressUnavailable):
		s.recordOutcome(c.trigger, "unavailable")
		slog.Warn("Refresh progress unavailable, keeping normal cadence", "trigger", c.trigger, "error", result.Err)

	case errors.Is(result.Err, poller.ErrStopped):
		s.recordOutcome(c.trigger, "stopped")
		slog.Info("Refresh polling stopped", "trigger", c.trigger)

	default:
		s.recordOutcome(c.trigger, "failed")
		slog.Error("Refresh failed", "trigger", c.trigger, "error", result.Err)
	}

	s.reschedule(ctx)
}

// reschedule closes the loop after a refresh using the current settings.
func (s *Scheduler) reschedule(ctx context.Context) {
	s.setState(StateRescheduling)

	current := s.settings.Get(ctx)
	if !current.Enabled {
		s.disable()
		return
	}
	s.scheduleAt(s.clock.Now().Add(settings.EffectiveInterval(current)))
}

func (s *Scheduler) scheduleAt(next time.Time) {
	s.stopTimer()

	delay := next.Sub(s.clock.Now())
	s.timer = s.clock.NewTimer(delay)

	s.setState(StateScheduled)
	s.setNext(&next)
	if s.metrics != nil {
		s.metrics.SecondsUntilNextRefresh.Set(max(delay.Seconds(), 0))
	}
	slog.Debug("Next refresh scheduled", "at", next, "in", delay)
}

func (s *Scheduler) disable() {
	s.stopTimer()
	s.setState(StateDisabled)
	s.setNext(nil)
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status.State
	if from == to {
		return
	}
	if err := ValidateStateTransition(from, to); err != nil {
		slog.Warn("Unexpected scheduler transition", "from", from, "to", to, "error", err)
	}
	s.status.State = to
}

func (s *Scheduler) setNext(next *time.Time) {
	s.mu.Lock()
	s.status.NextRefreshTime = next
	s.mu.Unlock()

	if next == nil && s.metrics != nil {
		s.metrics.SecondsUntilNextRefresh.Set(0)
	}
}

func (s *Scheduler) recordOutcome(trigger Trigger, outcome string) {
	if s.metrics != nil {
		s.metrics.RefreshOutcomesTotal.WithLabelValues(string(trigger), outcome).Inc()
	}
}
