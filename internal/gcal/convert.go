package gcal

import (
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"

	"daybook/sync-service/internal/models"
)

const allDayLayout = "2006-01-02"

// ToEvent converts a raw provider record into a local event for the given
// user. The local id is left empty for records not yet stored; callers stamp
// it when the transition machine decides to create.
func ToEvent(user, calendarID string, g *calendar.Event) (*models.Event, error) {
	ev := &models.Event{
		ProviderID:       g.Id,
		User:             user,
		Calendar:         calendarID,
		Title:            g.Summary,
		Description:      g.Description,
		Status:           g.Status,
		Origin:           models.OriginRemote,
		RecurrenceBaseID: g.RecurringEventId,
	}
	if ev.Status == "" {
		ev.Status = models.StatusConfirmed
	}
	if len(g.Recurrence) > 0 {
		ev.RecurrenceRule = append([]string(nil), g.Recurrence...)
	}

	start, allDay, tz, err := parseDateTime(g.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start of %s: %w", g.Id, err)
	}
	end, _, _, err := parseDateTime(g.End)
	if err != nil {
		return nil, fmt.Errorf("failed to parse end of %s: %w", g.Id, err)
	}
	ev.StartAt = start
	ev.EndAt = end
	ev.AllDay = allDay
	ev.Timezone = tz

	// Cancelled instance tombstones arrive with no times; fall back to the
	// original occurrence slot so cutoff queries still work.
	if ev.StartAt.IsZero() && g.OriginalStartTime != nil {
		orig, origAllDay, origTz, err := parseDateTime(g.OriginalStartTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse original start of %s: %w", g.Id, err)
		}
		ev.StartAt = orig
		ev.EndAt = orig
		ev.AllDay = origAllDay
		if ev.Timezone == "" {
			ev.Timezone = origTz
		}
	}

	return ev, nil
}

// FromEvent converts a local event into the provider's record shape for
// pushing local edits outward.
func FromEvent(e *models.Event) *calendar.Event {
	g := &calendar.Event{
		Id:               e.ProviderID,
		Summary:          e.Title,
		Description:      e.Description,
		Status:           e.Status,
		RecurringEventId: e.RecurrenceBaseID,
	}
	if e.IsBase() {
		g.Recurrence = append([]string(nil), e.RecurrenceRule...)
	}
	if e.AllDay {
		g.Start = &calendar.EventDateTime{Date: e.StartAt.In(e.Location()).Format(allDayLayout)}
		g.End = &calendar.EventDateTime{Date: e.EndAt.In(e.Location()).Format(allDayLayout)}
	} else {
		g.Start = &calendar.EventDateTime{DateTime: e.StartAt.Format(time.RFC3339), TimeZone: e.Timezone}
		g.End = &calendar.EventDateTime{DateTime: e.EndAt.Format(time.RFC3339), TimeZone: e.Timezone}
	}
	return g
}

// StartTime returns the record's start instant without converting the whole
// record.
func StartTime(g *calendar.Event) (time.Time, error) {
	t, _, _, err := parseDateTime(g.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse start of %s: %w", g.Id, err)
	}
	return t, nil
}

func parseDateTime(dt *calendar.EventDateTime) (t time.Time, allDay bool, tz string, err error) {
	if dt == nil {
		return time.Time{}, false, "", nil
	}
	if dt.Date != "" {
		loc := time.UTC
		if dt.TimeZone != "" {
			if l, lerr := time.LoadLocation(dt.TimeZone); lerr == nil {
				loc = l
			}
		}
		t, err = time.ParseInLocation(allDayLayout, dt.Date, loc)
		return t, true, dt.TimeZone, err
	}
	t, err = time.Parse(time.RFC3339, dt.DateTime)
	return t, false, dt.TimeZone, err
}
