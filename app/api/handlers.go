package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lysyi3m/rss-autorefresh/app/database"
	"github.com/lysyi3m/rss-autorefresh/app/poller"
	"github.com/lysyi3m/rss-autorefresh/app/refresh"
	"github.com/lysyi3m/rss-autorefresh/app/settings"
)

func NewHandler(store SettingsService, sched SchedulerService, refresher RefreshService, progress ProgressSource,
	monitor ConditionsService, notifications NotificationService, feedRepo database.FeedRepository) *Handler {
	return &Handler{
		settings:      store,
		scheduler:     sched,
		refresher:     refresher,
		progress:      progress,
		conditions:    monitor,
		notifications: notifications,
		feedRepo:      feedRepo,
		startedAt:     time.Now(),
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"scheduler": h.scheduler.Health(),
	}

	if feeds, err := h.feedRepo.ListFeeds(c.Request.Context()); err == nil {
		health["feeds"] = len(feeds)
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get(c.Request.Context()))
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch settings.Partial
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid settings document", "message": err.Error()})
		return
	}
	// The timestamp is owned by the scheduler.
	patch.LastAutoRefresh = nil

	if err := h.settings.Update(c.Request.Context(), patch); err != nil {
		if errors.Is(err, settings.ErrInvalidHour) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to update settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}

	c.JSON(http.StatusOK, h.settings.Get(c.Request.Context()))
}

func (h *Handler) SetEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing enabled flag"})
		return
	}

	if err := h.settings.SetEnabled(c.Request.Context(), *req.Enabled); err != nil {
		slog.Error("Failed to toggle auto-refresh", "enabled", *req.Enabled, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save settings"})
		return
	}

	c.JSON(http.StatusOK, h.settings.Get(c.Request.Context()))
}

func (h *Handler) GetSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *Handler) ForceRefresh(c *gin.Context) {
	err := h.scheduler.ForceRefreshNow(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Refresh started",
			"status":  h.refresher.Status(),
		})
	case errors.Is(err, poller.ErrAlreadyRefreshing), errors.Is(err, refresh.ErrRefreshActive):
		c.JSON(http.StatusConflict, gin.H{"error": "A refresh is already in progress"})
	default:
		slog.Error("Manual refresh failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to start refresh", "message": err.Error()})
	}
}

func (h *Handler) RefreshFeed(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid feed ID"})
		return
	}

	session, err := h.refresher.StartSingleFeedRefresh(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"message":    "Refresh started",
			"session_id": session.ID,
			"feed_id":    id,
		})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
	case errors.Is(err, poller.ErrAlreadyRefreshing), errors.Is(err, refresh.ErrRefreshActive):
		c.JSON(http.StatusConflict, gin.H{"error": "A refresh is already in progress"})
	default:
		slog.Error("Single feed refresh failed", "feed_id", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to start refresh", "message": err.Error()})
	}
}

func (h *Handler) StopRefresh(c *gin.Context) {
	h.refresher.StopRefresh()
	c.JSON(http.StatusOK, h.refresher.Status())
}

func (h *Handler) GetProgress(c *gin.Context) {
	progress, err := h.progress.GetProgress(c.Request.Context())
	if err != nil {
		slog.Error("Failed to read refresh progress", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Refresh progress unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"progress": progress,
		"polling":  h.refresher.Status(),
	})
}

func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.progress.GetLastSummary(c.Request.Context())
	if errors.Is(err, refresh.ErrSummaryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No refresh has completed yet"})
		return
	}
	if err != nil {
		slog.Error("Failed to read refresh summary", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// StreamEvents relays poller events as server-sent events until the client
// disconnects.
func (h *Handler) StreamEvents(c *gin.Context) {
	events := make(chan poller.Event, 16)
	unsubscribe := h.refresher.Subscribe(func(e poller.Event) error {
		select {
		case events <- e:
		default:
			slog.Warn("Dropping refresh event for slow stream client", "type", e.Type, "session_id", e.SessionID)
		}
		return nil
	})
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("status", h.refresher.Status())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e := <-events:
			c.SSEvent(string(e.Type), e)
			return true
		}
	})
}

func (h *Handler) RecordActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid activity kind"})
		return
	}

	h.conditions.RecordActivity(req.Kind)
	c.Status(http.StatusNoContent)
}

func (h *Handler) ReportNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.EffectiveType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid effective type"})
		return
	}

	h.conditions.ReportConnectivityChange(req.EffectiveType)
	c.Status(http.StatusAccepted)
}

func (h *Handler) GetConditions(c *gin.Context) {
	c.JSON(http.StatusOK, h.conditions.Snapshot())
}

func (h *Handler) ListNotifications(c *gin.Context) {
	active := h.notifications.Active()
	c.JSON(http.StatusOK, gin.H{
		"permission":    h.notifications.Permission(),
		"notifications": active,
		"total":         len(active),
	})
}

func (h *Handler) DismissNotification(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification ID"})
		return
	}

	if !h.notifications.Dismiss(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetNotificationPermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Permission.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid permission"})
		return
	}

	h.notifications.SetPermission(req.Permission)
	c.JSON(http.StatusOK, gin.H{"permission": h.notifications.Permission()})
}

func (h *Handler) ListFeeds(c *gin.Context) {
	feeds, err := h.feedRepo.ListFeeds(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_feeds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, newFeedResponse(f))
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": out,
		"total": len(out),
	})
}

func (h *Handler) CreateFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid feed URL is required"})
		return
	}

	id, err := h.feedRepo.CreateFeed(c.Request.Context(), req.URL, req.Title)
	if err != nil {
		slog.Error("Database error", "operation", "create_feed", "url", req.URL, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create feed"})
		return
	}

	f, err := h.feedRepo.GetFeed(c.Request.Context(), id)
	if err != nil {
		slog.Error("Database error", "operation", "get_feed", "feed_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	slog.Info("Feed added", "feed_id", id, "url", req.URL)
	c.JSON(http.StatusCreated, newFeedResponse(*f))
}

func (h *Handler) DeleteFeed(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid feed ID"})
		return
	}

	if err := h.feedRepo.DeleteFeed(c.Request.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
			return
		}
		slog.Error("Database error", "operation", "delete_feed", "feed_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	slog.Info("Feed removed", "feed_id", id)
	c.Status(http.StatusNoContent)
}
