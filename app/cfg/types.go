package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath          string
	SettingsBackend string
	SettingsFile    string
	FeedsDir        string

	// HTTP
	Port         string
	APIAccessKey string

	// Feed fetching
	UserAgent    string
	WorkerCount  int
	FetchTimeout time.Duration

	// Progress polling
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollBackoffFactor   float64
	PollMaxFailures     int

	// Scheduling
	RetryDelay time.Duration

	// Conditions
	InactivityTimeout time.Duration
	ProbeInterval     time.Duration
	ProbeURL          string
	ProbeTimeout      time.Duration

	// Notifications
	NotificationTimeout    time.Duration
	NotificationPermission string

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
