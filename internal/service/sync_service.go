package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/api/calendar/v3"

	"daybook/sync-service/internal/gcal"
	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/repository"
	"daybook/sync-service/internal/syncerrors"
	"daybook/sync-service/pkg/logger"
	"daybook/sync-service/pkg/metrics"
)

// SeriesOutcome is the result of applying one analyzed action.
type SeriesOutcome struct {
	SeriesID   string
	Action     gcal.ActionType
	Operations []Operation
	Err        error
}

// SyncResult summarizes one calendar sync run. One series failing never
// aborts its siblings; failures land in the outcome list and in Errors.
type SyncResult struct {
	User       string
	Calendar   string
	FullResync bool
	Outcomes   []SeriesOutcome
	Errors     error
}

// SyncService drives the remote-to-local flow: resolve the delta, partition
// it per series, classify each batch and feed the verdicts through the
// transition machine. Local edits skip the classifier and go straight to the
// machine.
type SyncService struct {
	provider    gcal.Provider
	events      repository.EventRepositoryInterface
	watches     repository.WatchRepositoryInterface
	cache       repository.CacheRepository
	transitions *TransitionService
	validate    *validator.Validate
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

func NewSyncService(
	provider gcal.Provider,
	events repository.EventRepositoryInterface,
	watches repository.WatchRepositoryInterface,
	cache repository.CacheRepository,
	transitions *TransitionService,
	log *logger.Logger,
	m *metrics.Metrics,
) *SyncService {
	return &SyncService{
		provider:    provider,
		events:      events,
		watches:     watches,
		cache:       cache,
		transitions: transitions,
		validate:    validator.New(),
		logger:      log,
		metrics:     m,
	}
}

// SyncCalendar resolves and applies every change for one calendar. This is
// what the webhook layer calls when the provider says "something changed".
func (s *SyncService) SyncCalendar(ctx context.Context, user, calendarID string) (*SyncResult, error) {
	started := time.Now()
	result := &SyncResult{User: user, Calendar: calendarID}
	log := s.logger.WithCalendar(user, calendarID)

	token, err := s.cache.GetSyncToken(ctx, user, calendarID)
	if err != nil {
		s.metrics.ObserveSync("error", started)
		return nil, err
	}

	records, nextToken, err := s.provider.ListChanges(ctx, calendarID, token)
	if errors.Is(err, syncerrors.ErrFullResyncRequired) {
		// Stale token: drop it and pull everything.
		log.Warn("sync token expired, running full resync")
		result.FullResync = true
		if clearErr := s.cache.ClearSyncToken(ctx, user, calendarID); clearErr != nil {
			s.metrics.ObserveSync("error", started)
			return nil, clearErr
		}
		records, nextToken, err = s.provider.ListChanges(ctx, calendarID, "")
	}
	if errors.Is(err, syncerrors.ErrAccessRevoked) {
		log.Warn("provider access revoked, purging local sync state")
		if purgeErr := s.purgeUser(ctx, user); purgeErr != nil {
			s.metrics.ObserveSync("error", started)
			return nil, purgeErr
		}
		s.metrics.ObserveSync("revoked", started)
		return nil, err
	}
	if err != nil {
		s.metrics.ObserveSync("error", started)
		return nil, err
	}

	standalone, series := partitionRecords(records)
	series, err = s.mergeSplitBatches(ctx, user, series)
	if err != nil {
		s.metrics.ObserveSync("error", started)
		return nil, err
	}

	for _, record := range standalone {
		outcome := s.applyStandalone(ctx, user, calendarID, record)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Err != nil {
			result.Errors = multierror.Append(result.Errors, outcome.Err)
		}
	}

	for seriesID, batch := range series {
		outcome := s.applySeries(ctx, user, calendarID, seriesID, batch)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Err != nil {
			result.Errors = multierror.Append(result.Errors, outcome.Err)
		}
	}

	if nextToken != "" {
		if err := s.cache.SetSyncToken(ctx, user, calendarID, nextToken); err != nil {
			result.Errors = multierror.Append(result.Errors, err)
		}
	}

	status := "ok"
	if result.Errors != nil {
		status = "partial"
	}
	s.metrics.ObserveSync(status, started)
	log.WithField("changes", len(records)).Info("calendar sync completed")
	return result, nil
}

// applyStandalone handles a record with no recurrence shape at all.
func (s *SyncService) applyStandalone(ctx context.Context, user, calendarID string, record *calendar.Event) SeriesOutcome {
	outcome := SeriesOutcome{SeriesID: record.Id}

	ev, err := gcal.ToEvent(user, calendarID, record)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if err := s.validate.Struct(ev); err != nil {
		outcome.Err = fmt.Errorf("invalid remote record %s: %w", record.Id, err)
		return outcome
	}

	prev, err := s.events.FindByProviderID(ctx, user, ev.ProviderID)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Operations, outcome.Err = s.transitions.HandleChange(ctx, ev, prev)
	return outcome
}

// applySeries classifies one series' batch and applies the verdict.
func (s *SyncService) applySeries(ctx context.Context, user, calendarID, seriesID string, batch []*calendar.Event) SeriesOutcome {
	outcome := SeriesOutcome{SeriesID: seriesID}

	known := make(map[string]bool, len(batch))
	for _, record := range batch {
		if record.RecurringEventId != "" || len(record.Recurrence) == 0 {
			continue
		}
		stored, err := s.events.FindByProviderID(ctx, user, record.Id)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		known[record.Id] = stored != nil
	}

	action, err := gcal.Analyze(batch, known)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	outcome.Action = action.Action
	s.metrics.ClassifierActions.WithLabelValues(string(action.Action)).Inc()

	switch action.Action {
	case gcal.ActionCreateSeries:
		outcome.Operations, outcome.Err = s.applyBase(ctx, user, calendarID, action.BaseEvent, false)

	case gcal.ActionUpdateInstance, gcal.ActionDeleteInstances:
		outcome.Operations, outcome.Err = s.applyInstance(ctx, user, calendarID, action.ModifiedInstance)

	case gcal.ActionModifySeries:
		if action.NewBaseEvent != nil {
			outcome.Operations, outcome.Err = s.applySplit(ctx, user, calendarID, action)
		} else {
			outcome.Operations, outcome.Err = s.applyBase(ctx, user, calendarID, action.BaseEvent, true)
		}

	case gcal.ActionDeleteSeries:
		outcome.Operations, outcome.Err = s.applySeriesDelete(ctx, user, seriesID)

	default:
		outcome.Err = syncerrors.NewDeveloperError("sync.applySeries", "unhandled action %s", action.Action)
	}
	return outcome
}

func (s *SyncService) applyBase(ctx context.Context, user, calendarID string, record *calendar.Event, mustExist bool) ([]Operation, error) {
	base, err := gcal.ToEvent(user, calendarID, record)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(base); err != nil {
		return nil, fmt.Errorf("invalid remote record %s: %w", record.Id, err)
	}

	prev, err := s.events.FindByProviderID(ctx, user, base.ProviderID)
	if err != nil {
		return nil, err
	}
	if mustExist && prev == nil {
		return nil, &syncerrors.MissingBaseEvent{IDKey: string(repository.IDKeyProvider), ID: base.ProviderID}
	}
	return s.transitions.HandleChange(ctx, base, prev)
}

func (s *SyncService) applyInstance(ctx context.Context, user, calendarID string, record *calendar.Event) ([]Operation, error) {
	inst, err := gcal.ToEvent(user, calendarID, record)
	if err != nil {
		return nil, err
	}

	// Re-pin the instance to the locally stored base; an instance whose
	// series we never stored is an orphan, not something to guess about.
	storedBase, err := s.events.FindByProviderID(ctx, user, record.RecurringEventId)
	if err != nil {
		return nil, err
	}
	if storedBase == nil && !inst.Cancelled() {
		return nil, fmt.Errorf("%w: instance %s references %s", syncerrors.ErrOrphanedInstance, record.Id, record.RecurringEventId)
	}
	if storedBase != nil {
		inst.RecurrenceBaseID = storedBase.ID
	}

	prev, err := s.events.FindByProviderID(ctx, user, inst.ProviderID)
	if err != nil {
		return nil, err
	}
	return s.transitions.HandleChange(ctx, inst, prev)
}

func (s *SyncService) applySplit(ctx context.Context, user, calendarID string, action *gcal.AnalyzedAction) ([]Operation, error) {
	truncated, err := gcal.ToEvent(user, calendarID, action.BaseEvent)
	if err != nil {
		return nil, err
	}
	continuation, err := gcal.ToEvent(user, calendarID, action.NewBaseEvent)
	if err != nil {
		return nil, err
	}
	return s.transitions.SplitSeries(ctx, truncated, continuation, action.EndDate)
}

func (s *SyncService) applySeriesDelete(ctx context.Context, user, seriesID string) ([]Operation, error) {
	stored, err := s.events.FindByProviderID(ctx, user, seriesID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// Never stored; nothing to cascade.
		return nil, nil
	}
	tombstone := *stored
	tombstone.Status = models.StatusCancelled
	return s.transitions.HandleChange(ctx, &tombstone, stored)
}

// ProcessLocalChange applies an edit made in our own UI. The caller already
// knows the intended action, so no classification happens; the change goes
// straight through the transition machine.
func (s *SyncService) ProcessLocalChange(ctx context.Context, ev *models.Event) ([]Operation, error) {
	if err := s.validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	ev.Origin = models.OriginLocal

	var (
		prev *models.Event
		err  error
	)
	if ev.ID != "" {
		prev, err = s.events.FindByID(ctx, ev.User, ev.ID)
	} else if ev.ProviderID != "" {
		prev, err = s.events.FindByProviderID(ctx, ev.User, ev.ProviderID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.TouchActivity(ctx, ev.User); err != nil {
		s.logger.WithUser(ev.User).WithField("error", err.Error()).Warn("failed to record activity")
	}
	return s.transitions.HandleChange(ctx, ev, prev)
}

// PushLocalEvent mirrors a locally changed event out to the provider.
func (s *SyncService) PushLocalEvent(ctx context.Context, ev *models.Event) error {
	record := gcal.FromEvent(ev)

	switch {
	case ev.Cancelled() && ev.ProviderID != "":
		return s.provider.DeleteEvent(ctx, ev.Calendar, ev.ProviderID)
	case ev.ProviderID == "":
		created, err := s.provider.InsertEvent(ctx, ev.Calendar, record)
		if err != nil {
			return err
		}
		ev.ProviderID = created.Id
		return s.events.Update(ctx, ev)
	default:
		_, err := s.provider.UpdateEvent(ctx, ev.Calendar, record)
		return err
	}
}

// ResyncFlagged runs a full pull for every one of the user's watches marked
// force_resync and clears the mark. Watch maintenance sets the mark when a
// channel refresh reported the stored sync state was no longer usable.
func (s *SyncService) ResyncFlagged(ctx context.Context, user string) error {
	watches, err := s.watches.ListByUser(ctx, user)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, w := range watches {
		if !w.ForceResync {
			continue
		}
		if err := s.cache.ClearSyncToken(ctx, user, w.Calendar); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, err := s.SyncCalendar(ctx, user, w.Calendar); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := s.watches.SetForceResync(ctx, w.ChannelID, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// purgeUser is the revoked-access recovery: drop the user's events, watches
// and cached sync state.
func (s *SyncService) purgeUser(ctx context.Context, user string) error {
	if _, err := s.events.PurgeUser(ctx, user); err != nil {
		return err
	}
	if _, err := s.watches.DeleteByUser(ctx, user); err != nil {
		return err
	}
	return s.cache.PurgeUser(ctx, user)
}

// mergeSplitBatches re-joins a "this and following" split that partitioning
// separated: the truncated original and its continuation arrive as base
// records with different ids. Each known base that gained an UNTIL is paired
// with the never-seen base that carries the same summary and starts at or
// after the truncation boundary; a delta may hold several splits and
// unrelated new series at once, and only matched pairs merge.
func (s *SyncService) mergeSplitBatches(ctx context.Context, user string, series map[string][]*calendar.Event) (map[string][]*calendar.Event, error) {
	var truncatedKeys []string
	newBases := make(map[string]*calendar.Event)
	for key, batch := range series {
		base := anchorBase(batch)
		if base == nil {
			continue
		}
		stored, err := s.events.FindByProviderID(ctx, user, base.Id)
		if err != nil {
			return nil, err
		}
		switch {
		case stored != nil && gcal.HasUntil(base.Recurrence):
			truncatedKeys = append(truncatedKeys, key)
		case stored == nil && len(batch) == 1:
			newBases[key] = base
		}
	}
	sort.Strings(truncatedKeys)

	for _, tkey := range truncatedKeys {
		truncated := anchorBase(series[tkey])
		boundary, err := gcal.UntilBoundary(truncated.Recurrence)
		if err != nil {
			return nil, err
		}

		// The continuation keeps the original's content and begins where
		// the truncation ends; of several candidates the earliest wins.
		var (
			matchKey   string
			matchStart time.Time
		)
		for nkey, nbase := range newBases {
			if nbase.Summary != truncated.Summary {
				continue
			}
			start, err := gcal.StartTime(nbase)
			if err != nil || start.Before(boundary) {
				continue
			}
			if matchKey == "" || start.Before(matchStart) {
				matchKey, matchStart = nkey, start
			}
		}
		if matchKey == "" {
			continue
		}

		series[tkey] = append(series[tkey], series[matchKey]...)
		delete(series, matchKey)
		delete(newBases, matchKey)
	}
	return series, nil
}

// anchorBase returns the base-shaped record anchoring a batch, if any.
func anchorBase(batch []*calendar.Event) *calendar.Event {
	for _, r := range batch {
		if r.RecurringEventId == "" && len(r.Recurrence) > 0 {
			return r
		}
	}
	return nil
}

// partitionRecords splits one delta into standalone changes and per-series
// batches. A record belongs to the series of its recurring-event id, or
// anchors its own series when it carries a rule.
func partitionRecords(records []*calendar.Event) ([]*calendar.Event, map[string][]*calendar.Event) {
	var standalone []*calendar.Event
	series := make(map[string][]*calendar.Event)

	for _, r := range records {
		switch {
		case r.RecurringEventId != "":
			series[r.RecurringEventId] = append(series[r.RecurringEventId], r)
		case len(r.Recurrence) > 0:
			series[r.Id] = append(series[r.Id], r)
		default:
			standalone = append(standalone, r)
		}
	}
	return standalone, series
}
