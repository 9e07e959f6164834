package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lysyi3m/rss-autorefresh/app/events"
	"github.com/lysyi3m/rss-autorefresh/app/metrics"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
)

// SettingsSource is the read side of the settings store.
type SettingsSource interface {
	Get(ctx context.Context) settings.RefreshSettings
}

type entry struct {
	notification Notification
	timer        clockwork.Timer
}

// Center shows notifications when the user allowed them and dismisses each
// one after the configured timeout.
type Center struct {
	cfg       Config
	settings  SettingsSource
	requester PermissionRequester
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	events    *events.Registry[Event]

	mu         sync.Mutex
	permission Permission
	requested  bool
	active     []*entry
}

func NewCenter(cfg Config, source SettingsSource, requester PermissionRequester, clock clockwork.Clock, m *metrics.Metrics) *Center {
	return &Center{
		cfg:        cfg,
		settings:   source,
		requester:  requester,
		clock:      clock,
		metrics:    m,
		events:     events.NewRegistry[Event](),
		permission: PermissionDefault,
	}
}

func (c *Center) Subscribe(fn func(Event) error) func() {
	return c.events.Subscribe(fn)
}

// Start requests permission when notifications are already enabled in the
// stored settings.
func (c *Center) Start(ctx context.Context) {
	if c.settings.Get(ctx).DesktopNotifications {
		c.EnsurePermission(ctx)
	}
}

// HandleSettingsChange requests permission the first time notifications are
// switched on.
func (c *Center) HandleSettingsChange(change settings.Change) error {
	if !change.Old.DesktopNotifications && change.New.DesktopNotifications {
		c.EnsurePermission(context.Background())
	}
	return nil
}

// EnsurePermission asks the requester at most once per process while the
// permission is still undecided.
func (c *Center) EnsurePermission(ctx context.Context) Permission {
	c.mu.Lock()
	if c.requested || c.permission != PermissionDefault {
		current := c.permission
		c.mu.Unlock()
		return current
	}
	c.requested = true
	c.mu.Unlock()

	c.publish(Event{Type: EventPermissionRequested, Permission: PermissionDefault})

	granted, err := c.requester.RequestPermission(ctx)
	if err != nil {
		slog.Warn("Notification permission request failed", "error", err)
		return c.Permission()
	}
	if !granted.Valid() {
		slog.Warn("Ignoring unknown notification permission", "permission", granted)
		return c.Permission()
	}

	c.SetPermission(granted)
	return granted
}

// SetPermission records a decision reported by the client.
func (c *Center) SetPermission(p Permission) {
	c.mu.Lock()
	previous := c.permission
	c.permission = p
	c.mu.Unlock()

	if previous != p {
		slog.Info("Notification permission changed", "from", previous, "to", p)
	}
}

func (c *Center) Permission() Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// Notify shows a notification unless notifications are disabled or not
// permitted. The second return value reports whether it was shown.
func (c *Center) Notify(ctx context.Context, kind Kind, title, body string) (*Notification, bool) {
	if !c.settings.Get(ctx).DesktopNotifications {
		c.count(kind, "disabled")
		slog.Debug("Notification suppressed, disabled in settings", "kind", kind, "title", title)
		return nil, false
	}

	c.mu.Lock()
	if c.permission != PermissionGranted {
		permission := c.permission
		c.mu.Unlock()
		c.count(kind, "no_permission")
		slog.Debug("Notification suppressed, permission not granted", "kind", kind, "permission", permission)
		return nil, false
	}

	now := c.clock.Now()
	n := Notification{
		ID:        uuid.New(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.Timeout),
	}
	id := n.ID
	e := &entry{notification: n}
	e.timer = c.clock.AfterFunc(c.cfg.Timeout, func() {
		c.Dismiss(id)
	})
	c.active = append(c.active, e)
	c.mu.Unlock()

	c.count(kind, "shown")
	slog.Info("Notification shown", "kind", kind, "title", title, "body", body)
	c.publish(Event{Type: EventShown, Notification: &n})

	return &n, true
}

// RefreshSucceeded announces a finished automatic refresh.
func (c *Center) RefreshSucceeded(ctx context.Context, summary *refresh.Summary) bool {
	title, body := SuccessMessage(c.cfg.Language, summary)
	_, shown := c.Notify(ctx, KindSuccess, title, body)
	return shown
}

// RefreshFailed announces an automatic refresh that could not be run.
func (c *Center) RefreshFailed(ctx context.Context, err error) bool {
	title, body := FailureMessage(c.cfg.Language, err)
	_, shown := c.Notify(ctx, KindError, title, body)
	return shown
}

// Dismiss removes a notification. It reports false when the id is unknown or
// already dismissed.
func (c *Center) Dismiss(id uuid.UUID) bool {
	c.mu.Lock()
	var removed *entry
	for i, e := range c.active {
		if e.notification.ID == id {
			removed = e
			c.active = append(c.active[:i], c.active[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.timer.Stop()

	n := removed.notification
	c.publish(Event{Type: EventDismissed, Notification: &n})
	return true
}

// Active lists the notifications still on screen, oldest first.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]Notification, 0, len(c.active))
	for _, e := range c.active {
		list = append(list, e.notification)
	}
	return list
}

func (c *Center) count(kind Kind, outcome string) {
	if c.metrics != nil {
		c.metrics.NotificationsTotal.WithLabelValues(string(kind), outcome).Inc()
	}
}

func (c *Center) publish(event Event) {
	if err := c.events.Publish(event); err != nil {
		slog.Warn("Notification subscriber failed", "event", event.Type, "error", err)
	}
}
