package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/api"
	"github.com/lysyi3m/rss-autorefresh/app/cfg"
	"github.com/lysyi3m/rss-autorefresh/app/conditions"
	"github.com/lysyi3m/rss-autorefresh/app/config"
	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/executor"
	"github.com/lysyi3m/rss-autorefresh/app/feed"
	"github.com/lysyi3m/rss-autorefresh/app/logger"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/notify"
	"github.com/lysyi3m/rss-autorefresh/app/poller"
	"github.com/lysyi3m/rss-autorefresh/app/scheduler"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
	"github.com/lysyi3m/rss-autorefresh/app/tasks"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	syncLogs, err := logger.Setup(logger.Config{Debug: appCfg.Debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLogs()

	if err := run(appCfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		syncLogs()
		os.Exit(1)
	}
}

func run(appCfg *cfg.Cfg) error {
	slog.Info("Starting RSS Autorefresh server", "version", appCfg.Version, "timezone", time.Local.String())

	db, err := database.NewConnection(appCfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

	feedRepo := database.NewFeedRepository(db)
	itemRepo := database.NewItemRepository(db)
	runRepo := database.NewRunRepository(db)

	configs, err := config.NewLoader(appCfg.FeedsDir).LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load feed configurations: %w", err)
	}
	registered, err := config.RegisterFeeds(context.Background(), feedRepo, configs)
	if err != nil {
		return err
	}
	slog.Info("Feed configurations loaded", "dir", appCfg.FeedsDir, "declared", len(configs), "registered", registered)

	var backend settings.Backend
	switch appCfg.SettingsBackend {
	case "file":
		backend = settings.NewFileBackend(appCfg.SettingsFile)
	default:
		backend = settings.NewDatabaseBackend(database.NewSettingsRepository(db))
	}
	store := settings.NewStore(backend)
	current := store.Load(context.Background())
	slog.Info("Auto-refresh settings loaded",
		"backend", appCfg.SettingsBackend,
		"enabled", current.Enabled,
		"interval_minutes", current.IntervalMinutes)

	clock := clockwork.NewRealClock()
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conditionsCfg := conditions.DefaultConfig()
	conditionsCfg.InactivityTimeout = appCfg.InactivityTimeout
	conditionsCfg.ProbeInterval = appCfg.ProbeInterval
	prober := conditions.NewHTTPProber(&http.Client{}, appCfg.ProbeURL, appCfg.ProbeTimeout, appCfg.UserAgent)
	monitor := conditions.NewMonitor(conditionsCfg, prober, clock, m)
	monitor.Start(ctx)
	defer monitor.Stop()

	poolCfg := tasks.DefaultPoolConfig()
	poolCfg.WorkerCount = appCfg.WorkerCount
	poolCfg.Clock = clock
	pool := tasks.NewPool(poolCfg)
	pool.Start()
	defer pool.Stop()

	fetcher := feed.NewFetcher(&http.Client{}, appCfg.UserAgent, appCfg.FetchTimeout, clock)
	exec := executor.NewService(feedRepo, itemRepo, runRepo, pool, fetcher, feed.NewParser(), clock)

	refresher := poller.New(exec, poller.Config{
		InitialInterval: appCfg.PollInitialInterval,
		MaxInterval:     appCfg.PollMaxInterval,
		BackoffFactor:   appCfg.PollBackoffFactor,
		MaxFailures:     appCfg.PollMaxFailures,
	}, clock, m)
	defer refresher.StopRefresh()

	notifyCfg := notify.DefaultConfig()
	notifyCfg.Timeout = appCfg.NotificationTimeout
	center := notify.NewCenter(notifyCfg, store, notify.StaticRequester(appCfg.NotificationPermission), clock, m)
	unsubscribe := store.Subscribe(center.HandleSettingsChange)
	defer unsubscribe()
	center.Start(ctx)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RetryDelay = appCfg.RetryDelay
	sched := scheduler.New(schedCfg, store, monitor, refresher, center, clock, m)
	sched.Start(ctx)
	defer sched.Stop()

	handler := api.NewHandler(store, sched, refresher, exec, monitor, center, feedRepo)
	router := api.NewServer(handler, appCfg.APIAccessKey, prometheus.DefaultGatherer)

	// No write timeout: the progress event stream stays open until the
	// request context ends.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              ":" + appCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return requestCtx },
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("RSS Autorefresh server started")

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case runErr = <-serverErrChan:
		slog.Error("Server error", "error", runErr)
	}

	slog.Info("Shutting down server gracefully")
	cancelRequests()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Scheduler, poller, pool and monitor are stopped by the deferred calls.
	slog.Info("RSS Autorefresh server shutdown complete")
	return runErr
}
