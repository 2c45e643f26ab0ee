package gcal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"daybook/sync-service/internal/syncerrors"
)

func remoteBase(id, status string, recurrence ...string) *calendar.Event {
	return &calendar.Event{
		Id:         id,
		Summary:    "Weekly review",
		Status:     status,
		Recurrence: recurrence,
		Start:      &calendar.EventDateTime{DateTime: "2025-01-06T09:00:00Z"},
		End:        &calendar.EventDateTime{DateTime: "2025-01-06T10:00:00Z"},
	}
}

func remoteInstance(id, baseID, status string) *calendar.Event {
	return &calendar.Event{
		Id:               id,
		Status:           status,
		RecurringEventId: baseID,
		OriginalStartTime: &calendar.EventDateTime{
			DateTime: "2025-01-13T09:00:00Z",
		},
	}
}

func TestAnalyze_CreateSeries(t *testing.T) {
	base := remoteBase("base-1", "confirmed", "RRULE:FREQ=WEEKLY")

	action, err := Analyze([]*calendar.Event{base}, map[string]bool{})
	require.NoError(t, err)

	assert.Equal(t, ActionCreateSeries, action.Action)
	assert.Equal(t, base, action.BaseEvent)
	assert.Nil(t, action.NewBaseEvent)
	assert.Nil(t, action.ModifiedInstance)
}

func TestAnalyze_DeleteInstances(t *testing.T) {
	base := remoteBase("base-1", "confirmed", "RRULE:FREQ=WEEKLY")
	cancelled := remoteInstance("base-1_20250113T090000Z", "base-1", "cancelled")

	action, err := Analyze([]*calendar.Event{base, cancelled}, map[string]bool{"base-1": true})
	require.NoError(t, err)

	assert.Equal(t, ActionDeleteInstances, action.Action)
	require.NotNil(t, action.ModifiedInstance)
	assert.Equal(t, "cancelled", action.ModifiedInstance.Status)
}

func TestAnalyze_UpdateInstance(t *testing.T) {
	inst := remoteInstance("base-1_20250113T090000Z", "base-1", "confirmed")
	inst.Summary = "Renamed occurrence"

	action, err := Analyze([]*calendar.Event{inst}, map[string]bool{"base-1": true})
	require.NoError(t, err)

	assert.Equal(t, ActionUpdateInstance, action.Action)
	assert.Equal(t, inst, action.ModifiedInstance)
}

func TestAnalyze_SeriesSplit(t *testing.T) {
	truncated := remoteBase("base-1", "confirmed", "RRULE:FREQ=WEEKLY;UNTIL=20250120T085959Z")
	continuation := remoteBase("base-2", "confirmed", "RRULE:FREQ=WEEKLY")

	action, err := Analyze([]*calendar.Event{truncated, continuation}, map[string]bool{"base-1": true})
	require.NoError(t, err)

	assert.Equal(t, ActionModifySeries, action.Action)
	assert.Equal(t, truncated, action.BaseEvent)
	assert.Equal(t, continuation, action.NewBaseEvent)
	assert.True(t, action.EndDate.Equal(time.Date(2025, 1, 20, 8, 59, 59, 0, time.UTC)))
}

func TestAnalyze_DeleteSeries(t *testing.T) {
	base := remoteBase("base-1", "cancelled", "RRULE:FREQ=WEEKLY")

	action, err := Analyze([]*calendar.Event{base}, map[string]bool{"base-1": true})
	require.NoError(t, err)

	assert.Equal(t, ActionDeleteSeries, action.Action)
	assert.Nil(t, action.BaseEvent)
}

func TestAnalyze_ModifyWholeSeries(t *testing.T) {
	base := remoteBase("base-1", "confirmed", "RRULE:FREQ=WEEKLY")
	base.Summary = "Renamed series"

	action, err := Analyze([]*calendar.Event{base}, map[string]bool{"base-1": true})
	require.NoError(t, err)

	assert.Equal(t, ActionModifySeries, action.Action)
	assert.Equal(t, base, action.BaseEvent)
	assert.Nil(t, action.NewBaseEvent)
}

func TestAnalyze_PriorityOrder(t *testing.T) {
	// A cancelled instance alongside a truncated base: instance
	// cancellation wins because earlier rules take precedence.
	truncated := remoteBase("base-1", "confirmed", "RRULE:FREQ=WEEKLY;UNTIL=20250120T085959Z")
	cancelled := remoteInstance("base-1_20250113T090000Z", "base-1", "cancelled")

	action, err := Analyze([]*calendar.Event{truncated, cancelled}, map[string]bool{"base-1": true})
	require.NoError(t, err)
	assert.Equal(t, ActionDeleteInstances, action.Action)
}

func TestAnalyze_Unclassifiable(t *testing.T) {
	t.Run("empty batch", func(t *testing.T) {
		_, err := Analyze(nil, map[string]bool{})
		assert.True(t, syncerrors.IsDeveloperError(err))
	})

	t.Run("no recurrence shape at all", func(t *testing.T) {
		flat := &calendar.Event{Id: "solo-1", Status: "confirmed"}
		_, err := Analyze([]*calendar.Event{flat}, map[string]bool{})
		assert.True(t, syncerrors.IsDeveloperError(err))
	})
}
