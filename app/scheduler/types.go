package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/lysyi3m/rss-autorefresh/app/conditions"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
)

var ErrNotRunning = errors.New("scheduler is not running")

type State string

const (
	StateDisabled     State = "disabled"
	StateScheduled    State = "scheduled"
	StateEvaluating   State = "evaluating"
	StateRefreshing   State = "refreshing"
	StateRescheduling State = "rescheduling"
)

// validTransitions lists the states reachable from each state. Disabling is
// allowed from anywhere and staying in a state is not a transition.
var validTransitions = map[State][]State{
	StateDisabled:     {StateScheduled, StateRefreshing},
	StateScheduled:    {StateEvaluating, StateRefreshing, StateDisabled},
	StateEvaluating:   {StateScheduled, StateRefreshing, StateDisabled},
	StateRefreshing:   {StateRescheduling, StateScheduled, StateDisabled},
	StateRescheduling: {StateScheduled, StateDisabled},
}

func ValidateStateTransition(from, to State) error {
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown scheduler state: %s", from)
	}
	for _, state := range allowed {
		if state == to {
			return nil
		}
	}
	return fmt.Errorf("invalid scheduler transition from %s to %s", from, to)
}

type SkipReason string

const (
	SkipNone              SkipReason = ""
	SkipAlreadyRefreshing SkipReason = "already_refreshing"
	SkipQuietHours        SkipReason = "quiet_hours"
	SkipUserActive        SkipReason = "user_active"
	SkipSlowNetwork       SkipReason = "slow_network"
)

// Evaluate returns the first condition that defers a scheduled refresh, or
// SkipNone when the refresh may run.
func Evaluate(s settings.RefreshSettings, snap conditions.Snapshot, refreshing bool, now time.Time) SkipReason {
	switch {
	case refreshing:
		return SkipAlreadyRefreshing
	case settings.IsQuietHours(now, s):
		return SkipQuietHours
	case s.PauseOnUserActivity && snap.IsUserActive:
		return SkipUserActive
	case s.BandwidthAware && snap.NetworkSpeed == conditions.SpeedSlow:
		return SkipSlowNetwork
	}
	return SkipNone
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type Config struct {
	// RetryDelay replaces the interval once after the executor could not be
	// invoked.
	RetryDelay time.Duration
	// UserActiveDelay and SkipDelay are the short reschedules after a skip.
	UserActiveDelay time.Duration
	SkipDelay       time.Duration
	// StartupGrace delays an overdue refresh at startup.
	StartupGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryDelay:      60 * time.Second,
		UserActiveDelay: time.Minute,
		SkipDelay:       5 * time.Minute,
		StartupGrace:    time.Minute,
	}
}

func (c Config) skipDelay(reason SkipReason) time.Duration {
	if reason == SkipUserActive {
		return c.UserActiveDelay
	}
	return c.SkipDelay
}

type Status struct {
	State                   State         `json:"state"`
	NextRefreshTime         *time.Time    `json:"next_refresh_time,omitempty"`
	LastSkipReason          SkipReason    `json:"last_skip_reason,omitempty"`
	LastError               string        `json:"last_error,omitempty"`
	LastAutoRefresh         *time.Time    `json:"last_auto_refresh,omitempty"`
	PollInterval            time.Duration `json:"poll_interval"`
	ConsecutivePollFailures int           `json:"consecutive_poll_failures"`
}
