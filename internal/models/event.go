package models

import (
	"time"

	"github.com/google/uuid"
)

// Event status values, mirroring the provider's vocabulary.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Origin marks which side of the mirror produced the latest write.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Event is the atomic stored record. A recurring series is one base event
// (RecurrenceRule set) plus N instance events (RecurrenceBaseID set); an event
// never carries both. Neither set means the event is standalone.
type Event struct {
	ID          string     `db:"id"`
	ProviderID  string     `db:"provider_id"`
	User        string     `db:"user_id" validate:"required"`
	Calendar    string     `db:"calendar_id" validate:"required"`
	Title       string     `db:"title"`
	Description string     `db:"description"`
	StartAt     time.Time  `db:"start_at"`
	EndAt       time.Time  `db:"end_at"`
	Timezone    string     `db:"timezone"`
	AllDay      bool       `db:"all_day"`
	Someday     bool       `db:"someday"`
	Status      string     `db:"status" validate:"required,oneof=confirmed cancelled"`
	Priority    string     `db:"priority"`
	Origin      string     `db:"origin" validate:"omitempty,oneof=local remote"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`

	// Recurrence descriptor: exactly one of the two may be set.
	RecurrenceRule   []string `db:"recurrence_rule"`
	RecurrenceBaseID string   `db:"recurrence_base_id"`
}

// NewEventID returns a fresh local identifier.
func NewEventID() string {
	return uuid.NewString()
}

// IsBase reports whether the event is a recurrence base.
func (e *Event) IsBase() bool {
	return len(e.RecurrenceRule) > 0
}

// IsInstance reports whether the event belongs to a series.
func (e *Event) IsInstance() bool {
	return e.RecurrenceBaseID != ""
}

// IsStandalone reports whether the event has no recurrence shape at all.
func (e *Event) IsStandalone() bool {
	return !e.IsBase() && !e.IsInstance()
}

// Cancelled reports whether the event's lifecycle status is cancelled.
func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// Location resolves the event's timezone, falling back to the host zone when
// the record carries none or an unloadable name.
func (e *Event) Location() *time.Location {
	if e.Timezone != "" {
		if loc, err := time.LoadLocation(e.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// Duration returns the span between start and end.
func (e *Event) Duration() time.Duration {
	return e.EndAt.Sub(e.StartAt)
}
