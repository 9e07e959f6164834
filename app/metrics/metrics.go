// Package metrics holds the Prometheus instruments for the auto-refresh subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "rss_autorefresh"
)

type Metrics struct {
	// Scheduler
	SchedulerFiresTotal     prometheus.Counter
	SchedulerSkipsTotal     *prometheus.CounterVec
	RefreshOutcomesTotal    *prometheus.CounterVec
	SecondsUntilNextRefresh prometheus.Gauge

	// Poller
	PollFailuresTotal  prometheus.Counter
	PollSessionsTotal  *prometheus.CounterVec
	PollBackoffSeconds prometheus.Gauge

	// Conditions
	UserActive   prometheus.Gauge
	NetworkSpeed *prometheus.GaugeVec

	// Notifications
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initSchedulerMetrics(factory)
	m.initPollerMetrics(factory)
	m.initConditionMetrics(factory)

	m.NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications requested, by kind and outcome (shown or suppressed)",
		},
		[]string{"kind", "outcome"},
	)

	return m
}

func (m *Metrics) initSchedulerMetrics(factory promauto.Factory) {
	m.SchedulerFiresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Number of times the refresh timer fired",
		},
	)

	m.SchedulerSkipsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Scheduled refreshes deferred, by skip reason",
		},
		[]string{"reason"},
	)

	m.RefreshOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "refresh_outcomes_total",
			Help:      "Refreshes started by the scheduler, by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	m.SecondsUntilNextRefresh = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "seconds_until_next_refresh",
			Help:      "Seconds until the pending refresh fires, zero when nothing is scheduled",
		},
	)
}

func (m *Metrics) initPollerMetrics(factory promauto.Factory) {
	m.PollFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "poller",
			Name:      "failures_total",
			Help:      "Failed progress queries",
		},
	)

	m.PollSessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "poller",
			Name:      "sessions_total",
			Help:      "Finished polling sessions, by outcome",
		},
		[]string{"outcome"},
	)

	m.PollBackoffSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "poller",
			Name:      "backoff_seconds",
			Help:      "Current delay between progress queries",
		},
	)
}

func (m *Metrics) initConditionMetrics(factory promauto.Factory) {
	m.UserActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "conditions",
			Name:      "user_active",
			Help:      "1 while the user is considered active",
		},
	)

	m.NetworkSpeed = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "conditions",
			Name:      "network_speed",
			Help:      "1 for the current network speed class, 0 for the others",
		},
		[]string{"class"},
	)
}
