package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/rss-autorefresh/app/conditions"
	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/executor"
	"github.com/lysyi3m/rss-autorefresh/app/notify"
	"github.com/lysyi3m/rss-autorefresh/app/poller"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/scheduler"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
)

type SettingsService interface {
	Get(ctx context.Context) settings.RefreshSettings
	Update(ctx context.Context, patch settings.Partial) error
	SetEnabled(ctx context.Context, enabled bool) error
}

type SchedulerService interface {
	Status() scheduler.Status
	Health() map[string]interface{}
	ForceRefreshNow(ctx context.Context) error
}

type RefreshService interface {
	StartSingleFeedRefresh(ctx context.Context, feedID int64) (*poller.Session, error)
	StopRefresh()
	Status() poller.Status
	Subscribe(fn func(poller.Event) error) func()
}

type ProgressSource interface {
	GetProgress(ctx context.Context) (refresh.Progress, error)
	GetLastSummary(ctx context.Context) (*refresh.Summary, error)
}

type ConditionsService interface {
	Snapshot() conditions.Snapshot
	RecordActivity(kind conditions.ActivityKind)
	ReportConnectivityChange(hint conditions.EffectiveType)
}

type NotificationService interface {
	Active() []notify.Notification
	Dismiss(id uuid.UUID) bool
	SetPermission(p notify.Permission)
	Permission() notify.Permission
}

var (
	_ SettingsService     = (*settings.Store)(nil)
	_ SchedulerService    = (*scheduler.Scheduler)(nil)
	_ RefreshService      = (*poller.Poller)(nil)
	_ ProgressSource      = (*executor.Service)(nil)
	_ ConditionsService   = (*conditions.Monitor)(nil)
	_ NotificationService = (*notify.Center)(nil)
)

type Handler struct {
	settings      SettingsService
	scheduler     SchedulerService
	refresher     RefreshService
	progress      ProgressSource
	conditions    ConditionsService
	notifications NotificationService
	feedRepo      database.FeedRepository
	startedAt     time.Time
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type activityRequest struct {
	Kind conditions.ActivityKind `json:"kind" binding:"required"`
}

type networkRequest struct {
	EffectiveType conditions.EffectiveType `json:"effective_type"`
}

type permissionRequest struct {
	Permission notify.Permission `json:"permission" binding:"required"`
}

type createFeedRequest struct {
	URL   string `json:"url" binding:"required,url"`
	Title string `json:"title"`
}

type feedResponse struct {
	ID            int64      `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Link          string     `json:"link,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newFeedResponse(f database.Feed) feedResponse {
	return feedResponse{
		ID:            f.ID,
		URL:           f.URL,
		Title:         f.DisplayTitle(),
		Description:   f.Description,
		Link:          f.Link,
		LastFetchedAt: f.LastFetchedAt,
		LastError:     f.LastError,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}
