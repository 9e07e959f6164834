package cfg

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath          string `long:"db-path" env:"DB_PATH" default:"./data/rss-autorefresh.db" description:"Path to the SQLite database"`
	SettingsBackend string `long:"settings-backend" env:"SETTINGS_BACKEND" default:"database" choice:"database" choice:"file" description:"Where auto-refresh settings are stored"`
	SettingsFile    string `long:"settings-file" env:"SETTINGS_FILE" default:"./data/auto-refresh.yml" description:"Settings document used by the file backend"`
	FeedsDir        string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory of feed declarations registered at startup"`

	// HTTP
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Feed fetching
	UserAgent    string        `long:"user-agent" env:"USER_AGENT" default:"RSS Autorefresh/1.0" description:"User agent string for HTTP requests"`
	WorkerCount  int           `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of workers fetching feeds"`
	FetchTimeout time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" description:"Timeout for a single feed request"`

	// Progress polling
	PollInitialInterval time.Duration `long:"poll-initial-interval" env:"POLL_INITIAL_INTERVAL" default:"500ms" description:"First delay between progress queries"`
	PollMaxInterval     time.Duration `long:"poll-max-interval" env:"POLL_MAX_INTERVAL" default:"5s" description:"Upper bound for the progress query backoff"`
	PollBackoffFactor   float64       `long:"poll-backoff-factor" env:"POLL_BACKOFF_FACTOR" default:"1.5" description:"Multiplier applied after a failed progress query"`
	PollMaxFailures     int           `long:"poll-max-failures" env:"POLL_MAX_FAILURES" default:"5" description:"Consecutive failed progress queries before polling gives up"`

	// Scheduling
	RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"60s" description:"Delay before retrying an automatic refresh that could not be started"`

	// Conditions
	InactivityTimeout time.Duration `long:"inactivity-timeout" env:"INACTIVITY_TIMEOUT" default:"60s" description:"Silence after which the user counts as inactive"`
	ProbeInterval     time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"5m" description:"Interval between network speed probes"`
	ProbeURL          string        `long:"probe-url" env:"PROBE_URL" default:"https://www.gstatic.com/generate_204" description:"URL probed to measure network latency"`
	ProbeTimeout      time.Duration `long:"probe-timeout" env:"PROBE_TIMEOUT" default:"10s" description:"Timeout for a network probe"`

	// Notifications
	NotificationTimeout    time.Duration `long:"notification-timeout" env:"NOTIFICATION_TIMEOUT" default:"5s" description:"How long a notification stays visible"`
	NotificationPermission string        `long:"notification-permission" env:"NOTIFICATION_PERMISSION" default:"granted" choice:"default" choice:"granted" choice:"denied" description:"Answer given when notification permission is requested"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for quiet hours and timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

// Load reads .env files and parses the process arguments. It returns nil, nil
// when help was requested.
func Load() (*Cfg, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	return Parse(os.Args[1:])
}

// Parse builds the configuration from args and the environment.
func Parse(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.PollBackoffFactor < 1 {
		return nil, fmt.Errorf("poll backoff factor must be at least 1, got %v", raw.PollBackoffFactor)
	}
	if raw.PollMaxFailures < 1 {
		return nil, fmt.Errorf("poll max failures must be positive, got %d", raw.PollMaxFailures)
	}

	cfg := &Cfg{
		DBPath:                 raw.DBPath,
		SettingsBackend:        raw.SettingsBackend,
		SettingsFile:           raw.SettingsFile,
		FeedsDir:               raw.FeedsDir,
		Port:                   raw.Port,
		APIAccessKey:           raw.APIAccessKey,
		UserAgent:              raw.UserAgent,
		WorkerCount:            raw.WorkerCount,
		FetchTimeout:           raw.FetchTimeout,
		PollInitialInterval:    raw.PollInitialInterval,
		PollMaxInterval:        raw.PollMaxInterval,
		PollBackoffFactor:      raw.PollBackoffFactor,
		PollMaxFailures:        raw.PollMaxFailures,
		RetryDelay:             raw.RetryDelay,
		InactivityTimeout:      raw.InactivityTimeout,
		ProbeInterval:          raw.ProbeInterval,
		ProbeURL:               raw.ProbeURL,
		ProbeTimeout:           raw.ProbeTimeout,
		NotificationTimeout:    raw.NotificationTimeout,
		NotificationPermission: raw.NotificationPermission,
		Timezone:               raw.Timezone,
		Debug:                  raw.Debug,
		Version:                GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local and then .env.
// Missing files are ignored and variables already set are never overridden.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
