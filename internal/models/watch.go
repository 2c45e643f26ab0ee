package models

import (
	"time"

	"github.com/google/uuid"
)

// Watch is a provider-side push-notification subscription for one calendar.
type Watch struct {
	ID          uint64    `db:"id"`
	ChannelID   string    `db:"channel_id"`
	ResourceID  string    `db:"resource_id"`
	User        string    `db:"user_id"`
	Calendar    string    `db:"calendar_id"`
	Expiration  time.Time `db:"expiration"`
	ForceResync bool      `db:"force_resync"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// NewChannelID returns a fresh channel identifier for a watch registration.
func NewChannelID() string {
	return uuid.NewString()
}

// Expired reports whether the subscription has already lapsed at now.
func (w *Watch) Expired(now time.Time) bool {
	return !w.Expiration.After(now)
}

// ExpiringWithin reports whether the subscription lapses inside the window.
func (w *Watch) ExpiringWithin(now time.Time, window time.Duration) bool {
	return !w.Expired(now) && w.Expiration.Before(now.Add(window))
}
