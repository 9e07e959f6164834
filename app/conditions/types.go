// Package conditions tracks the runtime signals that can defer an automatic
// refresh: whether the user is active and how fast the network is.
package conditions

import (
	"time"
)

type NetworkSpeed string

const (
	SpeedSlow     NetworkSpeed = "slow"
	SpeedModerate NetworkSpeed = "moderate"
	SpeedFast     NetworkSpeed = "fast"
)

var AllSpeeds = []NetworkSpeed{SpeedSlow, SpeedModerate, SpeedFast}

func (s NetworkSpeed) rank() int {
	switch s {
	case SpeedSlow:
		return 0
	case SpeedModerate:
		return 1
	default:
		return 2
	}
}

// EffectiveType is the connection class reported by the client platform
// (the Network Information API values).
type EffectiveType string

const (
	EffectiveTypeUnknown EffectiveType = ""
	EffectiveTypeSlow2G  EffectiveType = "slow-2g"
	EffectiveType2G      EffectiveType = "2g"
	EffectiveType3G      EffectiveType = "3g"
	EffectiveType4G      EffectiveType = "4g"
)

func (e EffectiveType) Valid() bool {
	switch e {
	case EffectiveTypeUnknown, EffectiveTypeSlow2G, EffectiveType2G, EffectiveType3G, EffectiveType4G:
		return true
	}
	return false
}

// ceiling is the best speed class the platform hint allows.
func (e EffectiveType) ceiling() NetworkSpeed {
	switch e {
	case EffectiveTypeSlow2G, EffectiveType2G:
		return SpeedSlow
	case EffectiveType3G:
		return SpeedModerate
	default:
		return SpeedFast
	}
}

type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
	ActivityFocus   ActivityKind = "focus"
	ActivityBlur    ActivityKind = "blur"
)

func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch, ActivityFocus, ActivityBlur:
		return true
	}
	return false
}

type Snapshot struct {
	IsUserActive  bool          `json:"is_user_active"`
	NetworkSpeed  NetworkSpeed  `json:"network_speed"`
	EffectiveType EffectiveType `json:"effective_type,omitempty"`
	LastActivity  time.Time     `json:"last_activity"`
	LastProbe     time.Time     `json:"last_probe"`
	LastLatency   time.Duration `json:"last_latency"`
}

type ChangeKind string

const (
	ChangeActivity ChangeKind = "activity"
	ChangeNetwork  ChangeKind = "network"
)

type Change struct {
	Kind     ChangeKind
	Snapshot Snapshot
}

type Config struct {
	InactivityTimeout time.Duration
	ProbeInterval     time.Duration
	ChangeDebounce    time.Duration
	SlowLatency       time.Duration
	ModerateLatency   time.Duration
}

func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 60 * time.Second,
		ProbeInterval:     5 * time.Minute,
		ChangeDebounce:    time.Second,
		SlowLatency:       1000 * time.Millisecond,
		ModerateLatency:   500 * time.Millisecond,
	}
}

// Classify maps a measured round trip to a speed class. The platform hint can
// only lower the result.
func Classify(latency time.Duration, hint EffectiveType, cfg Config) NetworkSpeed {
	speed := SpeedFast
	switch {
	case latency > cfg.SlowLatency:
		speed = SpeedSlow
	case latency > cfg.ModerateLatency:
		speed = SpeedModerate
	}
	return downgrade(speed, hint)
}

func downgrade(speed NetworkSpeed, hint EffectiveType) NetworkSpeed {
	if ceiling := hint.ceiling(); ceiling.rank() < speed.rank() {
		return ceiling
	}
	return speed
}
