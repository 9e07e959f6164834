package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/rss-autorefresh/app/events"
)

// Store is the single owner of the refresh settings. Every mutation is
// persisted before it becomes visible and then announced to subscribers.
type Store struct {
	backend Backend
	changes *events.Registry[Change]

	mu      sync.Mutex
	current RefreshSettings
	loaded  bool
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		changes: events.NewRegistry[Change](),
		current: Defaults(),
	}
}

// Load reads the stored document and merges it over the defaults. Missing or
// unreadable storage yields the defaults; the problem is only logged.
func (s *Store) Load(ctx context.Context) RefreshSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = s.read(ctx)
	s.loaded = true
	return s.current
}

func (s *Store) read(ctx context.Context) RefreshSettings {
	partial, err := s.backend.Load(ctx)
	if err != nil {
		slog.Warn("Failed to load refresh settings, using defaults", "error", err)
		return Defaults()
	}

	merged := Merge(Defaults(), partial)
	if err := merged.QuietHours.validate(); err != nil {
		slog.Warn("Stored quiet hours are invalid, using default window", "error", err)
		merged.QuietHours = Defaults().QuietHours
	}
	return merged
}

// Get returns the current settings, loading them on first use.
func (s *Store) Get(ctx context.Context) RefreshSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.current = s.read(ctx)
		s.loaded = true
	}
	return s.current
}

// Subscribe registers fn for every persisted change.
func (s *Store) Subscribe(fn func(Change) error) func() {
	return s.changes.Subscribe(fn)
}

// Save replaces the whole document.
func (s *Store) Save(ctx context.Context, updated RefreshSettings) error {
	return s.mutate(ctx, func(RefreshSettings) (RefreshSettings, error) {
		return updated, nil
	})
}

func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		cur.Enabled = enabled
		return cur, nil
	})
}

func (s *Store) SetInterval(ctx context.Context, minutes int) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		cur.IntervalMinutes = minutes
		return cur, nil
	})
}

func (s *Store) SetQuietHours(ctx context.Context, quiet QuietHours) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		cur.QuietHours = quiet
		return cur, nil
	})
}

func (s *Store) SetLastAutoRefresh(ctx context.Context, at time.Time) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		cur.LastAutoRefresh = &at
		return cur, nil
	})
}

func (s *Store) SetDesktopNotifications(ctx context.Context, enabled bool) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		cur.DesktopNotifications = enabled
		return cur, nil
	})
}

// Update applies the fields present in patch.
func (s *Store) Update(ctx context.Context, patch Partial) error {
	return s.mutate(ctx, func(cur RefreshSettings) (RefreshSettings, error) {
		return Merge(cur, &patch), nil
	})
}

func (s *Store) mutate(ctx context.Context, fn func(RefreshSettings) (RefreshSettings, error)) error {
	s.mu.Lock()

	if !s.loaded {
		s.current = s.read(ctx)
		s.loaded = true
	}

	old := s.current
	updated, err := fn(old)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := updated.QuietHours.validate(); err != nil {
		s.mu.Unlock()
		return err
	}

	if err := s.backend.Save(ctx, updated); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist refresh settings: %w", err)
	}
	s.current = updated
	s.mu.Unlock()

	if err := s.changes.Publish(Change{Old: old, New: updated}); err != nil {
		slog.Warn("Settings subscriber failed", "error", err)
	}

	return nil
}
