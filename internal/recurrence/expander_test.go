package recurrence

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daybook/sync-service/internal/models"
)

func dailyBase(count int) *models.Event {
	return &models.Event{
		ID:             "base-1",
		ProviderID:     "prov-base-1",
		User:           "user-1",
		Calendar:       "primary",
		Title:          "Standup",
		Description:    "Daily standup",
		StartAt:        time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		EndAt:          time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC),
		Timezone:       "UTC",
		Status:         models.StatusConfirmed,
		RecurrenceRule: []string{fmt.Sprintf("RRULE:FREQ=DAILY;COUNT=%d", count)},
	}
}

func TestExpander_Expand(t *testing.T) {
	x := NewExpander()

	t.Run("materializes ordered occurrences", func(t *testing.T) {
		instances, err := x.Expand(dailyBase(3))
		require.NoError(t, err)
		require.Len(t, instances, 3)

		for i, inst := range instances {
			wantStart := time.Date(2025, 1, 1+i, 10, 0, 0, 0, time.UTC)
			assert.True(t, inst.StartAt.Equal(wantStart), "instance %d start", i)
			assert.True(t, inst.EndAt.Equal(wantStart.Add(30*time.Minute)), "instance %d end", i)
			assert.Equal(t, "base-1", inst.RecurrenceBaseID)
			assert.Empty(t, inst.RecurrenceRule)
			assert.Equal(t, "Standup", inst.Title)
			assert.Equal(t, models.StatusConfirmed, inst.Status)
		}
		assert.Equal(t, "prov-base-1_20250102T100000Z", instances[1].ProviderID)
	})

	t.Run("expansion is idempotent", func(t *testing.T) {
		first, err := x.Expand(dailyBase(10))
		require.NoError(t, err)
		second, err := x.Expand(dailyBase(10))
		require.NoError(t, err)

		require.Len(t, second, len(first))
		for i := range first {
			assert.True(t, first[i].StartAt.Equal(second[i].StartAt), "instance %d", i)
		}
	})

	t.Run("caps runaway rules", func(t *testing.T) {
		instances, err := x.Expand(dailyBase(MaxInstances * 4))
		require.NoError(t, err)
		assert.Len(t, instances, MaxInstances)
	})

	t.Run("reinserts a start the rule skips", func(t *testing.T) {
		base := dailyBase(0)
		// Tuesday start with a Monday-only rule: the iterator's first
		// occurrence is the following Monday.
		base.StartAt = time.Date(2025, 1, 7, 10, 0, 0, 0, time.UTC)
		base.EndAt = base.StartAt.Add(30 * time.Minute)
		base.RecurrenceRule = []string{"RRULE:FREQ=WEEKLY;BYDAY=MO;COUNT=2"}

		instances, err := x.Expand(base)
		require.NoError(t, err)
		require.NotEmpty(t, instances)
		assert.True(t, instances[0].StartAt.Equal(base.StartAt))
		assert.True(t, instances[1].StartAt.Equal(time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("honors exception dates", func(t *testing.T) {
		base := dailyBase(3)
		base.RecurrenceRule = append(base.RecurrenceRule, "EXDATE:20250102T100000Z")

		instances, err := x.Expand(base)
		require.NoError(t, err)
		require.Len(t, instances, 2)
		assert.True(t, instances[1].StartAt.Equal(time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)))
	})

	t.Run("rejects non-recurring events", func(t *testing.T) {
		base := dailyBase(3)
		base.RecurrenceRule = nil
		_, err := x.Expand(base)
		assert.Error(t, err)
	})
}

func TestExpander_RuleStrings(t *testing.T) {
	x := NewExpander()

	t.Run("strips DTSTART and repairs UNTIL", func(t *testing.T) {
		base := dailyBase(0)
		base.Timezone = "America/New_York"
		base.RecurrenceRule = []string{
			"DTSTART:20250101T100000",
			"RRULE:FREQ=DAILY;UNTIL=20250110T000000",
		}

		rules, err := x.RuleStrings(base)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		// Midnight New York is 05:00 UTC; the missing Z must be repaired.
		assert.Equal(t, "RRULE:FREQ=DAILY;UNTIL=20250110T050000Z", rules[0])
	})

	t.Run("leaves a correct UNTIL untouched", func(t *testing.T) {
		base := dailyBase(0)
		base.RecurrenceRule = []string{"RRULE:FREQ=WEEKLY;UNTIL=20250601T090000Z"}

		rules, err := x.RuleStrings(base)
		require.NoError(t, err)
		assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;UNTIL=20250601T090000Z"}, rules)
	})

	t.Run("prefixes bare rules", func(t *testing.T) {
		base := dailyBase(0)
		base.RecurrenceRule = []string{"FREQ=DAILY;COUNT=5"}

		rules, err := x.RuleStrings(base)
		require.NoError(t, err)
		assert.Equal(t, []string{"RRULE:FREQ=DAILY;COUNT=5"}, rules)
	})
}

func TestExpander_UntilBoundary(t *testing.T) {
	x := NewExpander()

	t.Run("reads the UNTIL instant in UTC", func(t *testing.T) {
		base := dailyBase(0)
		base.RecurrenceRule = []string{"RRULE:FREQ=DAILY;UNTIL=20250110T085959Z"}

		boundary, ok, err := x.UntilBoundary(base)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, boundary.Equal(time.Date(2025, 1, 10, 8, 59, 59, 0, time.UTC)))
	})

	t.Run("interprets a naive UNTIL in the base's timezone", func(t *testing.T) {
		base := dailyBase(0)
		base.Timezone = "America/New_York"
		base.RecurrenceRule = []string{"RRULE:FREQ=DAILY;UNTIL=20250110T000000"}

		boundary, ok, err := x.UntilBoundary(base)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, boundary.Equal(time.Date(2025, 1, 10, 5, 0, 0, 0, time.UTC)))
	})

	t.Run("reports no boundary for open-ended rules", func(t *testing.T) {
		_, ok, err := x.UntilBoundary(dailyBase(3))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestExpander_SplitRule(t *testing.T) {
	x := NewExpander()

	base := dailyBase(0)
	base.RecurrenceRule = []string{"RRULE:FREQ=DAILY"}
	splitPoint := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)

	rules, err := x.SplitRule(base, splitPoint)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	assert.True(t, strings.HasPrefix(rules[0], "RRULE:"))
	assert.Contains(t, rules[0], "FREQ=DAILY")
	assert.Contains(t, rules[0], "UNTIL=20250105T095959Z")

	t.Run("truncated rule stops before the split", func(t *testing.T) {
		truncated := dailyBase(0)
		truncated.RecurrenceRule = rules

		instances, err := x.Expand(truncated)
		require.NoError(t, err)
		require.NotEmpty(t, instances)
		for _, inst := range instances {
			assert.True(t, inst.StartAt.Before(splitPoint), "instance at %s should precede split", inst.StartAt)
		}
	})

	t.Run("replaces COUNT with UNTIL", func(t *testing.T) {
		counted := dailyBase(100)
		rules, err := x.SplitRule(counted, splitPoint)
		require.NoError(t, err)
		assert.NotContains(t, rules[0], "COUNT=")
		assert.Contains(t, rules[0], "UNTIL=20250105T095959Z")
	})
}
