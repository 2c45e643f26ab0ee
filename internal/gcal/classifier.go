package gcal

import (
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/syncerrors"
)

// ActionType is the semantic change a notification batch represents.
type ActionType string

const (
	ActionCreateSeries    ActionType = "CREATE_SERIES"
	ActionUpdateInstance  ActionType = "UPDATE_INSTANCE"
	ActionDeleteInstances ActionType = "DELETE_INSTANCES"
	ActionModifySeries    ActionType = "MODIFY_SERIES"
	ActionDeleteSeries    ActionType = "DELETE_SERIES"
)

// AnalyzedAction is the classifier's verdict for one series' batch.
//
// BaseEvent is set for CREATE_SERIES and MODIFY_SERIES. NewBaseEvent and
// EndDate are set only for a "this and following" split, where BaseEvent is
// the truncated original and NewBaseEvent continues the series. For
// DELETE_SERIES the caller already knows the series key, so no record is
// carried. ModifiedInstance is set for instance-level actions.
type AnalyzedAction struct {
	Action           ActionType
	BaseEvent        *calendar.Event
	NewBaseEvent     *calendar.Event
	ModifiedInstance *calendar.Event
	EndDate          time.Time
}

// Analyze classifies one notification batch believed to concern a single
// logical series; callers partition batches by recurring-event id first.
// known reports whether a provider id is already stored locally.
//
// Rules apply in priority order; an unclassifiable batch is a DeveloperError
// because it means the partitioning invariant upstream was violated.
func Analyze(records []*calendar.Event, known map[string]bool) (*AnalyzedAction, error) {
	if len(records) == 0 {
		return nil, syncerrors.NewDeveloperError("gcal.Analyze", "empty change batch")
	}

	var (
		bases     []*calendar.Event
		instances []*calendar.Event
	)
	for _, r := range records {
		if r.RecurringEventId != "" {
			instances = append(instances, r)
		} else if len(r.Recurrence) > 0 {
			bases = append(bases, r)
		}
	}

	// 1. A single, never-seen base with a rule is a brand new series.
	if len(records) == 1 && len(bases) == 1 && !known[bases[0].Id] && !cancelled(bases[0]) {
		return &AnalyzedAction{Action: ActionCreateSeries, BaseEvent: bases[0]}, nil
	}

	// 2. Exactly one cancelled instance: occurrences were removed.
	if inst := singleCancelledInstance(instances); inst != nil {
		return &AnalyzedAction{Action: ActionDeleteInstances, ModifiedInstance: inst}, nil
	}

	// 3. A live instance with no pending rule change on the base.
	if inst := firstLiveInstance(instances); inst != nil && truncatedBase(bases, known) == nil {
		return &AnalyzedAction{Action: ActionUpdateInstance, ModifiedInstance: inst}, nil
	}

	// 4. Truncated base plus a continuation base: a this-and-following split.
	if truncated := truncatedBase(bases, known); truncated != nil {
		if continuation := continuationBase(bases, truncated); continuation != nil {
			endDate, err := UntilBoundary(truncated.Recurrence)
			if err != nil {
				return nil, err
			}
			return &AnalyzedAction{
				Action:       ActionModifySeries,
				BaseEvent:    truncated,
				NewBaseEvent: continuation,
				EndDate:      endDate,
			}, nil
		}
	}

	// 5. Only a cancelled base with no surviving instances: series removed.
	if len(bases) > 0 && cancelled(bases[0]) && firstLiveInstance(instances) == nil {
		return &AnalyzedAction{Action: ActionDeleteSeries}, nil
	}

	// 6. Any other live base is a whole-series edit.
	for _, b := range bases {
		if !cancelled(b) {
			return &AnalyzedAction{Action: ActionModifySeries, BaseEvent: b}, nil
		}
	}

	return nil, syncerrors.NewDeveloperError("gcal.Analyze",
		"unclassifiable batch of %d records (%d bases, %d instances)",
		len(records), len(bases), len(instances))
}

func cancelled(r *calendar.Event) bool {
	return r.Status == models.StatusCancelled
}

func singleCancelledInstance(instances []*calendar.Event) *calendar.Event {
	var found *calendar.Event
	for _, inst := range instances {
		if !cancelled(inst) {
			continue
		}
		if found != nil {
			return nil
		}
		found = inst
	}
	return found
}

func firstLiveInstance(instances []*calendar.Event) *calendar.Event {
	for _, inst := range instances {
		if !cancelled(inst) {
			return inst
		}
	}
	return nil
}

// truncatedBase returns a known base whose rule now carries an UNTIL, the
// signature of a series truncation.
func truncatedBase(bases []*calendar.Event, known map[string]bool) *calendar.Event {
	for _, b := range bases {
		if known[b.Id] && HasUntil(b.Recurrence) && !cancelled(b) {
			return b
		}
	}
	return nil
}

// continuationBase returns a base other than the truncated one; a split
// delivers the continuation as a fresh record alongside the truncation.
func continuationBase(bases []*calendar.Event, truncated *calendar.Event) *calendar.Event {
	for _, b := range bases {
		if b.Id != truncated.Id && !cancelled(b) {
			return b
		}
	}
	return nil
}

// HasUntil reports whether a rule set carries an UNTIL truncation.
func HasUntil(recurrence []string) bool {
	for _, line := range recurrence {
		if strings.Contains(strings.ToUpper(line), "UNTIL=") {
			return true
		}
	}
	return false
}

// UntilBoundary extracts the UNTIL instant of a truncated rule set, in UTC.
// Returns the zero time when no UNTIL is present.
func UntilBoundary(recurrence []string) (time.Time, error) {
	for _, line := range recurrence {
		upper := strings.ToUpper(line)
		idx := strings.Index(upper, "UNTIL=")
		if idx < 0 {
			continue
		}
		value := line[idx+len("UNTIL="):]
		if end := strings.IndexRune(value, ';'); end >= 0 {
			value = value[:end]
		}
		for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, syncerrors.NewDeveloperError("gcal.Analyze", "unparseable UNTIL value %q", value)
	}
	return time.Time{}, nil
}
