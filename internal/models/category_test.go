package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name  string
		event *Event
		want  Category
	}{
		{"nil event", nil, CategoryNil},
		{"standalone confirmed", &Event{Status: StatusConfirmed}, CategoryStandaloneConfirmed},
		{"standalone someday", &Event{Status: StatusConfirmed, Someday: true}, CategoryStandaloneSomeday},
		{"standalone cancelled", &Event{Status: StatusCancelled}, CategoryStandaloneCancelled},
		{
			"recurrence base confirmed",
			&Event{Status: StatusConfirmed, RecurrenceRule: []string{"RRULE:FREQ=DAILY"}},
			CategoryBaseConfirmed,
		},
		{
			"recurrence base someday",
			&Event{Status: StatusConfirmed, Someday: true, RecurrenceRule: []string{"RRULE:FREQ=DAILY"}},
			CategoryBaseSomeday,
		},
		{
			"recurrence base cancelled",
			&Event{Status: StatusCancelled, RecurrenceRule: []string{"RRULE:FREQ=DAILY"}},
			CategoryBaseCancelled,
		},
		{
			"recurrence instance confirmed",
			&Event{Status: StatusConfirmed, RecurrenceBaseID: "base-1"},
			CategoryInstanceConfirmed,
		},
		{
			"recurrence instance cancelled",
			&Event{Status: StatusCancelled, RecurrenceBaseID: "base-1"},
			CategoryInstanceCancelled,
		},
		{
			"cancelled wins over someday",
			&Event{Status: StatusCancelled, Someday: true},
			CategoryStandaloneCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.event))
		})
	}
}

func TestCategoryFacets(t *testing.T) {
	assert.True(t, CategoryBaseCancelled.Cancelled())
	assert.False(t, CategoryBaseConfirmed.Cancelled())
	assert.True(t, CategoryStandaloneSomeday.Someday())
	assert.False(t, CategoryStandaloneCancelled.Someday())
}
