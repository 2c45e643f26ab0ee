package service

import (
	"context"
	"time"

	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/recurrence"
	"daybook/sync-service/internal/repository"
	"daybook/sync-service/internal/syncerrors"
	"daybook/sync-service/pkg/logger"
	"daybook/sync-service/pkg/metrics"
)

// Operation names one repository-level effect of a transition.
type Operation string

const (
	OpCreate             Operation = "create"
	OpCreateSeries       Operation = "create_series"
	OpUpdate             Operation = "update"
	OpUpdateSeries       Operation = "update_series"
	OpUpdateInstance     Operation = "update_instance"
	OpSchedule           Operation = "schedule"
	OpConvertToSomeday   Operation = "convert_to_someday"
	OpSeriesToStandalone Operation = "series_to_standalone"
	OpStandaloneToSeries Operation = "standalone_to_series"
	OpCancel             Operation = "cancel"
	OpCancelSeries       Operation = "cancel_series"
	OpCancelInstance     Operation = "cancel_instance"
	OpSplitSeries        Operation = "split_series"
)

const transitionSep = "->>"

type transitionFunc func(ctx context.Context, ev, prev *models.Event) ([]Operation, error)

// TransitionService maps an event's previous stored category and new category
// onto repository operations. The table is exhaustive over the pairs the
// product produces; any other pair is a DeveloperError, never a guess.
type TransitionService struct {
	events   repository.EventRepositoryInterface
	expander *recurrence.Expander
	policy   repository.FieldPolicy
	logger   *logger.Logger
	metrics  *metrics.Metrics
	table    map[string]transitionFunc
}

func NewTransitionService(
	events repository.EventRepositoryInterface,
	expander *recurrence.Expander,
	policy repository.FieldPolicy,
	log *logger.Logger,
	m *metrics.Metrics,
) *TransitionService {
	s := &TransitionService{
		events:   events,
		expander: expander,
		policy:   policy,
		logger:   log,
		metrics:  m,
	}
	s.table = s.buildTable()
	return s
}

// HandleChange applies one event change. prev is the currently stored record
// (nil when the event is new); ev is the desired state. Returns the
// repository operations performed.
func (s *TransitionService) HandleChange(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	from := models.Categorize(prev)
	to := models.Categorize(ev)
	key := string(from) + transitionSep + string(to)

	fn, ok := s.table[key]
	if !ok {
		return nil, syncerrors.NewDeveloperError("transition.HandleChange", "unmapped transition %s", key)
	}

	ops, err := fn(ctx, ev, prev)
	if err != nil {
		return nil, err
	}

	for _, op := range ops {
		s.metrics.TransitionOps.WithLabelValues(string(op)).Inc()
	}
	s.logger.WithSeries(ev.User, seriesKey(ev, prev)).
		WithField("transition", key).
		Debug("transition applied")
	return ops, nil
}

func (s *TransitionService) buildTable() map[string]transitionFunc {
	t := make(map[string]transitionFunc)

	pair := func(from, to models.Category, fn transitionFunc) {
		t[string(from)+transitionSep+string(to)] = fn
	}

	// Creation out of nothing.
	pair(models.CategoryNil, models.CategoryStandaloneConfirmed, s.create)
	pair(models.CategoryNil, models.CategoryStandaloneSomeday, s.create)
	pair(models.CategoryNil, models.CategoryBaseConfirmed, s.createSeries)
	pair(models.CategoryNil, models.CategoryBaseSomeday, s.create)
	pair(models.CategoryNil, models.CategoryInstanceConfirmed, s.upsertInstance)

	// Scheduling a someday event into a concrete slot.
	pair(models.CategoryStandaloneSomeday, models.CategoryStandaloneConfirmed, s.schedule)
	pair(models.CategoryBaseSomeday, models.CategoryBaseConfirmed, s.scheduleSeries)

	// Somedays may change shape in place while still unscheduled.
	pair(models.CategoryStandaloneSomeday, models.CategoryBaseSomeday, s.updateInPlace)
	pair(models.CategoryBaseSomeday, models.CategoryStandaloneSomeday, s.updateInPlace)
	pair(models.CategoryStandaloneSomeday, models.CategoryStandaloneSomeday, s.updateInPlace)
	pair(models.CategoryBaseSomeday, models.CategoryBaseSomeday, s.updateInPlace)

	// Cancellation, from standing state or from a tombstone we never stored.
	pair(models.CategoryStandaloneConfirmed, models.CategoryStandaloneCancelled, s.cancelSingle)
	pair(models.CategoryStandaloneSomeday, models.CategoryStandaloneCancelled, s.cancelSingle)
	pair(models.CategoryBaseConfirmed, models.CategoryBaseCancelled, s.cancelSeries)
	pair(models.CategoryBaseSomeday, models.CategoryBaseCancelled, s.cancelSeries)
	pair(models.CategoryInstanceConfirmed, models.CategoryInstanceCancelled, s.cancelInstance)
	pair(models.CategoryNil, models.CategoryStandaloneCancelled, s.cancelInstance)
	pair(models.CategoryNil, models.CategoryInstanceCancelled, s.cancelInstance)
	pair(models.CategoryNil, models.CategoryBaseCancelled, s.cancelRemoteSeries)

	// Conversions between shapes.
	pair(models.CategoryStandaloneConfirmed, models.CategoryStandaloneSomeday, s.convertToSomeday)
	pair(models.CategoryBaseConfirmed, models.CategoryBaseSomeday, s.convertSeriesToSomeday)
	pair(models.CategoryBaseConfirmed, models.CategoryStandaloneConfirmed, s.seriesToStandalone)
	pair(models.CategoryStandaloneConfirmed, models.CategoryBaseConfirmed, s.standaloneToSeries)

	// Plain updates.
	pair(models.CategoryStandaloneConfirmed, models.CategoryStandaloneConfirmed, s.updateInPlace)
	pair(models.CategoryBaseConfirmed, models.CategoryBaseConfirmed, s.updateSeries)
	pair(models.CategoryInstanceConfirmed, models.CategoryInstanceConfirmed, s.upsertInstance)

	return t
}

func (s *TransitionService) create(ctx context.Context, ev, _ *models.Event) ([]Operation, error) {
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	if err := s.events.Create(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpCreate}, nil
}

func (s *TransitionService) createSeries(ctx context.Context, ev, _ *models.Event) ([]Operation, error) {
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	if err := s.normalizeRule(ev); err != nil {
		return nil, err
	}
	instances, err := s.expander.Expand(ev)
	if err != nil {
		return nil, err
	}
	s.metrics.SeriesInstances.Observe(float64(len(instances)))

	if err := s.events.CreateWithInstances(ctx, ev, instances); err != nil {
		return nil, err
	}
	return []Operation{OpCreateSeries}, nil
}

func (s *TransitionService) updateInPlace(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	if err := s.events.Update(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpUpdate}, nil
}

func (s *TransitionService) schedule(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	ev.Someday = false
	if err := s.events.Update(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpSchedule}, nil
}

// scheduleSeries moves a someday series onto the calendar; instances were
// never materialized while the series was unscheduled, so expand now.
func (s *TransitionService) scheduleSeries(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	ev.Someday = false
	if err := s.normalizeRule(ev); err != nil {
		return nil, err
	}
	instances, err := s.expander.Expand(ev)
	if err != nil {
		return nil, err
	}
	s.metrics.SeriesInstances.Observe(float64(len(instances)))

	if err := s.events.AttachSeries(ctx, ev, instances); err != nil {
		return nil, err
	}
	return []Operation{OpSchedule, OpCreateSeries}, nil
}

func (s *TransitionService) updateSeries(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	if err := s.normalizeRule(ev); err != nil {
		return nil, err
	}
	key := repository.IDKeyLocal
	if ev.ProviderID != "" {
		key = repository.IDKeyProvider
	}
	if err := s.events.UpdateSeries(ctx, ev, key, s.policy); err != nil {
		return nil, err
	}

	// A rule carrying an UNTIL truncates the series; occurrences
	// materialized past the boundary are superseded and must go even when
	// no continuation series accompanies the edit.
	boundary, ok, err := s.expander.UntilBoundary(ev)
	if err != nil {
		return nil, err
	}
	if ok {
		if _, err := s.events.DeleteInstancesAfter(ctx, ev.User, ev.ID, boundary); err != nil {
			return nil, err
		}
	}
	return []Operation{OpUpdateSeries}, nil
}

func (s *TransitionService) upsertInstance(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	if prev != nil {
		ev.ID = prev.ID
	}
	if ev.ID == "" {
		ev.ID = models.NewEventID()
	}
	if err := s.events.UpdateInstance(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpUpdateInstance}, nil
}

func (s *TransitionService) cancelSingle(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	if err := s.events.CancelInstance(ctx, ev.User, prev.ID, repository.IDKeyLocal); err != nil {
		return nil, err
	}
	return []Operation{OpCancel}, nil
}

func (s *TransitionService) cancelSeries(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	if err := s.events.CancelSeries(ctx, ev.User, prev.ID); err != nil {
		return nil, err
	}
	return []Operation{OpCancelSeries}, nil
}

// cancelRemoteSeries handles a cancelled base we never stored: resolve the
// stored series by provider id if it exists, otherwise there is nothing to do.
func (s *TransitionService) cancelRemoteSeries(ctx context.Context, ev, _ *models.Event) ([]Operation, error) {
	stored, err := s.events.FindByProviderID(ctx, ev.User, ev.ProviderID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	if err := s.events.CancelSeries(ctx, ev.User, stored.ID); err != nil {
		return nil, err
	}
	return []Operation{OpCancelSeries}, nil
}

func (s *TransitionService) cancelInstance(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	id, key := ev.ProviderID, repository.IDKeyProvider
	if prev != nil {
		id, key = prev.ID, repository.IDKeyLocal
	}
	if err := s.events.CancelInstance(ctx, ev.User, id, key); err != nil {
		return nil, err
	}
	return []Operation{OpCancelInstance}, nil
}

func (s *TransitionService) convertToSomeday(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	ev.Someday = true
	if err := s.events.Update(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpConvertToSomeday}, nil
}

// convertSeriesToSomeday unschedules a whole series: the base survives as a
// someday base and its materialized instances go away.
func (s *TransitionService) convertSeriesToSomeday(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	ev.Someday = true
	if err := s.events.Update(ctx, ev); err != nil {
		return nil, err
	}
	if _, err := s.events.DeleteInstances(ctx, ev.User, prev.ID); err != nil {
		return nil, err
	}
	return []Operation{OpConvertToSomeday}, nil
}

func (s *TransitionService) seriesToStandalone(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	if err := s.events.DetachSeries(ctx, ev); err != nil {
		return nil, err
	}
	return []Operation{OpSeriesToStandalone}, nil
}

func (s *TransitionService) standaloneToSeries(ctx context.Context, ev, prev *models.Event) ([]Operation, error) {
	ev.ID = prev.ID
	if err := s.normalizeRule(ev); err != nil {
		return nil, err
	}
	instances, err := s.expander.Expand(ev)
	if err != nil {
		return nil, err
	}
	s.metrics.SeriesInstances.Observe(float64(len(instances)))

	if err := s.events.AttachSeries(ctx, ev, instances); err != nil {
		return nil, err
	}
	return []Operation{OpStandaloneToSeries}, nil
}

// SplitSeries performs a "this and following" split: the stored base is
// truncated to the given rule, superseded future instances are dropped, and
// the continuation becomes a new series. cutoff is the end of the truncated
// portion; instances starting after it belong to the continuation.
func (s *TransitionService) SplitSeries(ctx context.Context, truncated, continuation *models.Event, cutoff time.Time) ([]Operation, error) {
	key := repository.IDKeyLocal
	if truncated.ProviderID != "" {
		key = repository.IDKeyProvider
	}
	if err := s.events.UpdateSeries(ctx, truncated, key, s.policy); err != nil {
		return nil, err
	}

	stored, err := s.resolveBase(ctx, truncated, key)
	if err != nil {
		return nil, err
	}
	if _, err := s.events.DeleteInstancesAfter(ctx, truncated.User, stored.ID, cutoff); err != nil {
		return nil, err
	}

	ops := []Operation{OpSplitSeries, OpUpdateSeries}
	if continuation != nil {
		created, err := s.createSeries(ctx, continuation, nil)
		if err != nil {
			return nil, err
		}
		ops = append(ops, created...)
	}
	return ops, nil
}

// SplitSeriesAt derives the truncated rule locally from the split instant,
// the path taken when the user edits "this and following" in our own UI.
func (s *TransitionService) SplitSeriesAt(ctx context.Context, base *models.Event, splitPoint time.Time, continuation *models.Event) ([]Operation, error) {
	rule, err := s.expander.SplitRule(base, splitPoint)
	if err != nil {
		return nil, err
	}
	truncated := *base
	truncated.RecurrenceRule = rule
	return s.SplitSeries(ctx, &truncated, continuation, splitPoint.Add(-time.Second))
}

// normalizeRule rewrites the base's rule set into storage form: DTSTART lines
// stripped and every UNTIL forced to UTC with the trailing "Z".
func (s *TransitionService) normalizeRule(ev *models.Event) error {
	rule, err := s.expander.RuleStrings(ev)
	if err != nil {
		return err
	}
	ev.RecurrenceRule = rule
	return nil
}

func (s *TransitionService) resolveBase(ctx context.Context, base *models.Event, key repository.IDKey) (*models.Event, error) {
	if key == repository.IDKeyProvider {
		stored, err := s.events.FindByProviderID(ctx, base.User, base.ProviderID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, &syncerrors.MissingBaseEvent{IDKey: string(key), ID: base.ProviderID}
		}
		return stored, nil
	}
	stored, err := s.events.FindByID(ctx, base.User, base.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, &syncerrors.MissingBaseEvent{IDKey: string(key), ID: base.ID}
	}
	return stored, nil
}

func seriesKey(ev, prev *models.Event) string {
	switch {
	case ev.IsInstance():
		return ev.RecurrenceBaseID
	case prev != nil && prev.ID != "":
		return prev.ID
	default:
		return ev.ID
	}
}
