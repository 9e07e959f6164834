package conditions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/events"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
)

// Monitor owns the condition snapshot. Subscribers are only notified when a
// field they can act on actually changes.
type Monitor struct {
	cfg     Config
	prober  Prober
	clock   clockwork.Clock
	metrics *metrics.Metrics
	changes *events.Registry[Change]

	mu          sync.Mutex
	snapshot    Snapshot
	activityGen uint64
	inactivity  clockwork.Timer
	probeGen    uint64
	debounce    clockwork.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	// stopped is set by Stop until the next Start. Timers are not armed
	// while it holds.
	stopped bool
}

func NewMonitor(cfg Config, prober Prober, clock clockwork.Clock, m *metrics.Metrics) *Monitor {
	now := clock.Now()
	mon := &Monitor{
		cfg:     cfg,
		prober:  prober,
		clock:   clock,
		metrics: m,
		changes: events.NewRegistry[Change](),
		snapshot: Snapshot{
			IsUserActive: true,
			NetworkSpeed: SpeedFast,
			LastActivity: now,
		},
		ctx: context.Background(),
	}
	mon.recordMetrics(mon.snapshot)
	return mon
}

// Start arms the inactivity timer, probes once and then probes periodically
// until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.stopped = false
	m.armInactivityLocked()
	runCtx := m.ctx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(runCtx)

	slog.Info("Condition monitor started",
		"inactivity_timeout", m.cfg.InactivityTimeout,
		"probe_interval", m.cfg.ProbeInterval)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.cancel()
	if m.inactivity != nil {
		m.inactivity.Stop()
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	// Invalidate callbacks that already fired.
	m.activityGen++
	m.probeGen++
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("Condition monitor stopped")
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Subscribe registers fn for every real change of the snapshot.
func (m *Monitor) Subscribe(fn func(Change) error) func() {
	return m.changes.Subscribe(fn)
}

// RecordActivity handles one user interaction. Blur only restarts the
// inactivity countdown; every other kind marks the user active immediately.
func (m *Monitor) RecordActivity(kind ActivityKind) {
	m.mu.Lock()
	if !m.stopped {
		m.armInactivityLocked()
	}

	changed := false
	if kind != ActivityBlur {
		m.snapshot.LastActivity = m.clock.Now()
		if !m.snapshot.IsUserActive {
			m.snapshot.IsUserActive = true
			changed = true
		}
	}
	snap := m.snapshot
	m.mu.Unlock()

	if changed {
		slog.Debug("User became active", "trigger", kind)
		m.publish(ChangeActivity, snap)
	}
}

func (m *Monitor) armInactivityLocked() {
	if m.inactivity != nil {
		m.inactivity.Stop()
	}
	m.activityGen++
	gen := m.activityGen
	m.inactivity = m.clock.AfterFunc(m.cfg.InactivityTimeout, func() {
		m.onInactive(gen)
	})
}

func (m *Monitor) onInactive(gen uint64) {
	m.mu.Lock()
	if gen != m.activityGen || !m.snapshot.IsUserActive {
		m.mu.Unlock()
		return
	}
	m.snapshot.IsUserActive = false
	snap := m.snapshot
	m.mu.Unlock()

	slog.Debug("User became inactive", "idle_for", m.cfg.InactivityTimeout)
	m.publish(ChangeActivity, snap)
}

// ReportConnectivityChange records the platform connection hint and schedules
// a fresh probe once the reports settle.
func (m *Monitor) ReportConnectivityChange(hint EffectiveType) {
	m.mu.Lock()
	m.snapshot.EffectiveType = hint
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.probeGen++
	gen := m.probeGen
	m.debounce = m.clock.AfterFunc(m.cfg.ChangeDebounce, func() {
		m.mu.Lock()
		stale := gen != m.probeGen
		ctx := m.ctx
		m.mu.Unlock()
		if stale {
			return
		}
		m.ProbeNow(ctx)
	})
	m.mu.Unlock()
}

// ProbeNow measures the network and updates the speed class. A failed probe
// counts as moderate.
func (m *Monitor) ProbeNow(ctx context.Context) NetworkSpeed {
	latency, err := m.prober.Probe(ctx)

	m.mu.Lock()
	hint := m.snapshot.EffectiveType
	var speed NetworkSpeed
	if err != nil {
		speed = downgrade(SpeedModerate, hint)
	} else {
		speed = Classify(latency, hint, m.cfg)
	}

	previous := m.snapshot.NetworkSpeed
	m.snapshot.NetworkSpeed = speed
	m.snapshot.LastProbe = m.clock.Now()
	m.snapshot.LastLatency = latency
	snap := m.snapshot
	m.mu.Unlock()

	if err != nil {
		slog.Warn("Network probe failed, assuming moderate speed", "error", err)
	} else {
		slog.Debug("Network probe finished", "latency", latency, "speed", speed)
	}

	if speed != previous {
		slog.Info("Network speed changed", "from", previous, "to", speed)
		m.publish(ChangeNetwork, snap)
	}
	return speed
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.ProbeNow(ctx)

	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.ProbeNow(ctx)
		}
	}
}

func (m *Monitor) publish(kind ChangeKind, snap Snapshot) {
	m.recordMetrics(snap)
	if err := m.changes.Publish(Change{Kind: kind, Snapshot: snap}); err != nil {
		slog.Warn("Condition subscriber failed", "kind", kind, "error", err)
	}
}

func (m *Monitor) recordMetrics(snap Snapshot) {
	if m.metrics == nil {
		return
	}
	if snap.IsUserActive {
		m.metrics.UserActive.Set(1)
	} else {
		m.metrics.UserActive.Set(0)
	}
	for _, speed := range AllSpeeds {
		value := 0.0
		if speed == snap.NetworkSpeed {
			value = 1
		}
		m.metrics.NetworkSpeed.WithLabelValues(string(speed)).Set(value)
	}
}

// SinceLastActivity reports how long the user has been idle.
func (m *Monitor) SinceLastActivity() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Since(m.snapshot.LastActivity)
}
