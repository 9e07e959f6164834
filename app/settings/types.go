// Package settings persists the auto-refresh configuration and answers the
// time-window questions the scheduler asks about it.
package settings

import (
	"errors"
	"time"
)

// MinIntervalMinutes is the floor applied at scheduling time, whatever is stored.
const MinIntervalMinutes = 15

var ErrInvalidHour = errors.New("hour must be between 0 and 23")

type QuietHours struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	StartHour int  `json:"start_hour" yaml:"start_hour"`
	EndHour   int  `json:"end_hour" yaml:"end_hour"`
}

func (q QuietHours) validate() error {
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return ErrInvalidHour
	}
	return nil
}

type RefreshSettings struct {
	Enabled              bool       `json:"enabled" yaml:"enabled"`
	IntervalMinutes      int        `json:"interval_minutes" yaml:"interval_minutes"`
	QuietHours           QuietHours `json:"quiet_hours" yaml:"quiet_hours"`
	BandwidthAware       bool       `json:"bandwidth_aware" yaml:"bandwidth_aware"`
	PauseOnUserActivity  bool       `json:"pause_on_user_activity" yaml:"pause_on_user_activity"`
	DesktopNotifications bool       `json:"desktop_notifications" yaml:"desktop_notifications"`
	LastAutoRefresh      *time.Time `json:"last_auto_refresh,omitempty" yaml:"last_auto_refresh,omitempty"`
}

func Defaults() RefreshSettings {
	return RefreshSettings{
		Enabled:         true,
		IntervalMinutes: 30,
		QuietHours: QuietHours{
			Enabled:   false,
			StartHour: 22,
			EndHour:   7,
		},
		BandwidthAware:       false,
		PauseOnUserActivity:  false,
		DesktopNotifications: false,
	}
}

// PartialQuietHours and Partial mirror the settings with every field optional,
// so stored documents written by older versions merge over the defaults.
type PartialQuietHours struct {
	Enabled   *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	StartHour *int  `json:"start_hour,omitempty" yaml:"start_hour,omitempty"`
	EndHour   *int  `json:"end_hour,omitempty" yaml:"end_hour,omitempty"`
}

type Partial struct {
	Enabled              *bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	IntervalMinutes      *int               `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
	QuietHours           *PartialQuietHours `json:"quiet_hours,omitempty" yaml:"quiet_hours,omitempty"`
	BandwidthAware       *bool              `json:"bandwidth_aware,omitempty" yaml:"bandwidth_aware,omitempty"`
	PauseOnUserActivity  *bool              `json:"pause_on_user_activity,omitempty" yaml:"pause_on_user_activity,omitempty"`
	DesktopNotifications *bool              `json:"desktop_notifications,omitempty" yaml:"desktop_notifications,omitempty"`
	LastAutoRefresh      *time.Time         `json:"last_auto_refresh,omitempty" yaml:"last_auto_refresh,omitempty"`
}

// Merge applies every field present in p over base.
func Merge(base RefreshSettings, p *Partial) RefreshSettings {
	if p == nil {
		return base
	}

	merged := base
	if p.Enabled != nil {
		merged.Enabled = *p.Enabled
	}
	if p.IntervalMinutes != nil {
		merged.IntervalMinutes = *p.IntervalMinutes
	}
	if p.QuietHours != nil {
		if p.QuietHours.Enabled != nil {
			merged.QuietHours.Enabled = *p.QuietHours.Enabled
		}
		if p.QuietHours.StartHour != nil {
			merged.QuietHours.StartHour = *p.QuietHours.StartHour
		}
		if p.QuietHours.EndHour != nil {
			merged.QuietHours.EndHour = *p.QuietHours.EndHour
		}
	}
	if p.BandwidthAware != nil {
		merged.BandwidthAware = *p.BandwidthAware
	}
	if p.PauseOnUserActivity != nil {
		merged.PauseOnUserActivity = *p.PauseOnUserActivity
	}
	if p.DesktopNotifications != nil {
		merged.DesktopNotifications = *p.DesktopNotifications
	}
	if p.LastAutoRefresh != nil {
		t := *p.LastAutoRefresh
		merged.LastAutoRefresh = &t
	}

	return merged
}

// IsQuietHours reports whether now falls inside the configured quiet window.
// A window whose start is after its end wraps past midnight.
func IsQuietHours(now time.Time, s RefreshSettings) bool {
	if !s.QuietHours.Enabled {
		return false
	}

	hour := now.Hour()
	start, end := s.QuietHours.StartHour, s.QuietHours.EndHour

	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

func EffectiveInterval(s RefreshSettings) time.Duration {
	minutes := max(s.IntervalMinutes, MinIntervalMinutes)
	return time.Duration(minutes) * time.Minute
}

// ScheduleChanged reports whether moving from old to updated affects when the
// next automatic refresh should fire.
func ScheduleChanged(old, updated RefreshSettings) bool {
	return old.Enabled != updated.Enabled ||
		old.IntervalMinutes != updated.IntervalMinutes ||
		old.QuietHours != updated.QuietHours ||
		old.BandwidthAware != updated.BandwidthAware ||
		old.PauseOnUserActivity != updated.PauseOnUserActivity
}

type Change struct {
	Old RefreshSettings
	New RefreshSettings
}
