package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/events"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
)

// Poller owns at most one refresh session. Each session has at most one poll
// scheduled or in flight.
type Poller struct {
	executor refresh.Executor
	cfg      Config
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	events   *events.Registry[Event]

	mu           sync.Mutex
	session      *Session
	cancel       context.CancelFunc
	timer        clockwork.Timer
	gen          uint64
	interval     time.Duration
	failures     int
	lastProgress *refresh.Progress
	lastSummary  *refresh.Summary
	lastErr      error
}

func New(executor refresh.Executor, cfg Config, clock clockwork.Clock, m *metrics.Metrics) *Poller {
	return &Poller{
		executor: executor,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		events:   events.NewRegistry[Event](),
		interval: cfg.InitialInterval,
	}
}

func (p *Poller) Subscribe(fn func(Event) error) func() {
	return p.events.Subscribe(fn)
}

func (p *Poller) StartRefresh(ctx context.Context) (*Session, error) {
	return p.start(ctx, KindAll, 0)
}

func (p *Poller) StartSingleFeedRefresh(ctx context.Context, feedID int64) (*Session, error) {
	return p.start(ctx, KindSingle, feedID)
}

func (p *Poller) start(ctx context.Context, kind Kind, feedID int64) (*Session, error) {
	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		slog.Debug("Refresh request ignored, session already active", "kind", kind)
		return nil, ErrAlreadyRefreshing
	}
	session := newSession(kind, feedID, p.clock.Now())
	p.session = session
	p.lastErr = nil
	p.mu.Unlock()

	var (
		resp refresh.Response
		err  error
	)
	if kind == KindSingle {
		resp, err = p.executor.RefreshSingle(ctx, feedID)
	} else {
		resp, err = p.executor.RefreshAll(ctx)
	}

	p.mu.Lock()
	if p.session != session {
		// Stopped while the executor was starting.
		p.mu.Unlock()
		return session, nil
	}
	session.result.Response = resp

	if err != nil {
		err = fmt.Errorf("failed to start refresh: %w", err)
		p.finishLocked(session, Result{Response: resp, Err: err}, "start_failed")
		p.mu.Unlock()
		slog.Error("Refresh could not be started", "kind", kind, "feed_id", feedID, "error", err)
		p.publish(Event{Type: EventFinished, SessionID: session.ID, Kind: kind, Error: err.Error()})
		return nil, err
	}

	if !resp.Success {
		p.finishLocked(session, Result{Response: resp}, "nothing_to_do")
		p.mu.Unlock()
		slog.Info("Executor had nothing to refresh", "kind", kind, "message", resp.Message)
		p.publish(Event{Type: EventFinished, SessionID: session.ID, Kind: kind})
		return session, nil
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.interval = p.cfg.InitialInterval
	p.failures = 0
	p.armLocked(sessionCtx, p.interval)
	p.mu.Unlock()

	slog.Info("Refresh started",
		"session_id", session.ID,
		"kind", kind,
		"feed_id", feedID,
		"total_feeds", resp.TotalFeeds,
		"message", resp.Message)
	p.publish(Event{Type: EventStarted, SessionID: session.ID, Kind: kind})

	return session, nil
}

// StopRefresh abandons the local polling loop. The executor keeps running.
func (p *Poller) StopRefresh() {
	p.mu.Lock()
	p.stopTimerLocked()
	p.interval = p.cfg.InitialInterval
	p.failures = 0

	session := p.session
	if session == nil {
		p.mu.Unlock()
		return
	}
	p.finishLocked(session, Result{Response: session.result.Response, Progress: p.lastProgress, Err: ErrStopped}, "stopped")
	p.mu.Unlock()

	slog.Info("Progress polling stopped", "session_id", session.ID)
	p.publish(Event{Type: EventFinished, SessionID: session.ID, Kind: session.Kind, Error: ErrStopped.Error()})
}

func (p *Poller) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Poller) IsRefreshing() bool {
	return p.Current() != nil
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{
		IsRefreshing:        p.session != nil,
		Progress:            p.lastProgress,
		Summary:             p.lastSummary,
		Interval:            p.interval,
		ConsecutiveFailures: p.failures,
	}
	if p.session != nil {
		id := p.session.ID
		status.SessionID = &id
		status.Kind = p.session.Kind
		status.FeedID = p.session.FeedID
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}

func (p *Poller) armLocked(ctx context.Context, delay time.Duration) {
	p.stopTimerLocked()
	gen := p.gen
	p.timer = p.clock.AfterFunc(delay, func() {
		p.poll(ctx, gen)
	})
	if p.metrics != nil {
		p.metrics.PollBackoffSeconds.Set(delay.Seconds())
	}
}

func (p *Poller) stopTimerLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.session == nil {
		p.mu.Unlock()
		return
	}
	session := p.session
	p.mu.Unlock()

	progress, err := p.executor.GetProgress(ctx)

	p.mu.Lock()
	if gen != p.gen || p.session != session {
		p.mu.Unlock()
		return
	}

	if err != nil {
		p.failures++
		if p.metrics != nil {
			p.metrics.PollFailuresTotal.Inc()
		}

		if p.failures >= p.cfg.MaxFailures {
			failures := p.failures
			terminal := fmt.Errorf("%w after %d attempts: %v", ErrProgressUnavailable, failures, err)
			p.finishLocked(session, Result{Response: session.result.Response, Progress: p.lastProgress, Err: terminal}, "unavailable")
			p.mu.Unlock()

			slog.Error("Giving up on refresh progress", "session_id", session.ID, "failures", failures, "error", err)
			p.publish(Event{Type: EventFinished, SessionID: session.ID, Kind: session.Kind, Error: terminal.Error()})
			return
		}

		p.interval = NextInterval(p.interval, p.cfg)
		p.armLocked(ctx, p.interval)
		failures, interval := p.failures, p.interval
		p.mu.Unlock()

		slog.Warn("Progress query failed, backing off",
			"session_id", session.ID,
			"failures", failures,
			"retry_in", interval,
			"error", err)
		return
	}

	p.lastProgress = &progress
	p.interval = p.cfg.InitialInterval
	p.failures = 0

	if progress.IsActive {
		p.armLocked(ctx, p.interval)
		p.mu.Unlock()
		p.publish(Event{Type: EventProgress, SessionID: session.ID, Kind: session.Kind, Progress: &progress})
		return
	}
	p.mu.Unlock()

	summary := p.fetchSummary(ctx)

	p.mu.Lock()
	if gen != p.gen || p.session != session {
		p.mu.Unlock()
		return
	}
	p.finishLocked(session, Result{Response: session.result.Response, Progress: &progress, Summary: summary}, "completed")
	p.mu.Unlock()

	slog.Info("Refresh finished",
		"session_id", session.ID,
		"completed", progress.CompletedFeeds,
		"failed", progress.FailedFeeds)
	p.publish(Event{Type: EventFinished, SessionID: session.ID, Kind: session.Kind, Progress: &progress, Summary: summary})
}

func (p *Poller) fetchSummary(ctx context.Context) *refresh.Summary {
	summary, err := p.executor.GetLastSummary(ctx)
	if err != nil {
		if !errors.Is(err, refresh.ErrSummaryNotFound) {
			slog.Warn("Failed to fetch refresh summary", "error", err)
		}
		return nil
	}
	return summary
}

func (p *Poller) finishLocked(session *Session, result Result, outcome string) {
	p.stopTimerLocked()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if result.Summary != nil {
		p.lastSummary = result.Summary
	}
	p.lastErr = result.Err
	p.session = nil

	session.result = result
	close(session.done)

	if p.metrics != nil {
		p.metrics.PollSessionsTotal.WithLabelValues(outcome).Inc()
		p.metrics.PollBackoffSeconds.Set(0)
	}
}

func (p *Poller) publish(event Event) {
	if err := p.events.Publish(event); err != nil {
		slog.Warn("Progress subscriber failed", "event", event.Type, "error", err)
	}
}
