// Package notify holds the user-facing notifications raised by automatic
// refreshes and the permission state that gates them.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func (p Permission) Valid() bool {
	switch p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return true
	}
	return false
}

type Notification struct {
	ID        uuid.UUID `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EventType string

const (
	EventShown               EventType = "shown"
	EventDismissed           EventType = "dismissed"
	EventPermissionRequested EventType = "permission_requested"
)

type Event struct {
	Type         EventType     `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	Permission   Permission    `json:"permission,omitempty"`
}

// PermissionRequester asks the runtime for permission to show notifications.
type PermissionRequester interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// StaticRequester answers every request with the same permission.
type StaticRequester Permission

func (s StaticRequester) RequestPermission(context.Context) (Permission, error) {
	return Permission(s), nil
}

type Config struct {
	Timeout  time.Duration
	Language language.Tag
}

func DefaultConfig() Config {
	return Config{
		Timeout:  5 * time.Second,
		Language: language.English,
	}
}
