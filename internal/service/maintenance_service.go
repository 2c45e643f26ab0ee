package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"daybook/sync-service/internal/gcal"
	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/repository"
	"daybook/sync-service/internal/syncerrors"
	"daybook/sync-service/pkg/logger"
	"daybook/sync-service/pkg/metrics"
)

// WatchPlan groups a user's subscriptions by what maintenance they need.
type WatchPlan struct {
	Refresh []*models.Watch
	Prune   []*models.Watch
	Ignore  []*models.Watch
}

// MaintenanceConfig tunes the watch lifecycle decisions.
type MaintenanceConfig struct {
	// RenewWindow is how close to expiry a watch must be to count as
	// expiring soon.
	RenewWindow time.Duration

	// ActivityWindow is the trailing window within which a user must have
	// been active for their watches to be worth keeping.
	ActivityWindow time.Duration

	// WatchTTL is the lifetime requested for refreshed watches.
	WatchTTL time.Duration

	// WebhookURL is the address the provider delivers notifications to.
	WebhookURL string

	// Concurrency bounds the parallel fan-out across users.
	Concurrency int
}

// MaintenanceService decides which watches need renewal or pruning and
// executes the plan. Independent users are maintained in parallel; one
// user's failure never blocks another's.
type MaintenanceService struct {
	provider gcal.Provider
	watches  repository.WatchRepositoryInterface
	events   repository.EventRepositoryInterface
	cache    repository.CacheRepository
	cfg      MaintenanceConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewMaintenanceService(
	provider gcal.Provider,
	watches repository.WatchRepositoryInterface,
	events repository.EventRepositoryInterface,
	cache repository.CacheRepository,
	cfg MaintenanceConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *MaintenanceService {
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = 24 * time.Hour
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 30 * 24 * time.Hour
	}
	if cfg.WatchTTL <= 0 {
		cfg.WatchTTL = 7 * 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &MaintenanceService{
		provider: provider,
		watches:  watches,
		events:   events,
		cache:    cache,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
	}
}

// PlanWatchMaintenance groups the user's watches: expired watches are always
// pruned; expiring ones are refreshed only for recently active users;
// healthy watches are kept only while the user stays active.
func (s *MaintenanceService) PlanWatchMaintenance(ctx context.Context, user string) (*WatchPlan, error) {
	watches, err := s.watches.ListByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	last, err := s.cache.LastActivity(ctx, user)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	active := !last.IsZero() && now.Sub(last) <= s.cfg.ActivityWindow

	plan := &WatchPlan{}
	for _, w := range watches {
		switch {
		case w.Expired(now):
			plan.Prune = append(plan.Prune, w)
		case w.ExpiringWithin(now, s.cfg.RenewWindow):
			if active {
				plan.Refresh = append(plan.Refresh, w)
			} else {
				plan.Prune = append(plan.Prune, w)
			}
		default:
			if active {
				plan.Ignore = append(plan.Ignore, w)
			} else {
				plan.Prune = append(plan.Prune, w)
			}
		}
	}
	return plan, nil
}

// MaintainUser plans and executes maintenance for one user.
func (s *MaintenanceService) MaintainUser(ctx context.Context, user string) error {
	plan, err := s.PlanWatchMaintenance(ctx, user)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, w := range plan.Prune {
		if err := s.prune(ctx, user, w); err != nil {
			if errors.Is(err, syncerrors.ErrAccessRevoked) {
				// Revoked access invalidates everything the user has; a
				// retry cannot help. Purge instead.
				return s.purgeUser(ctx, user)
			}
			result = multierror.Append(result, err)
		}
	}
	for _, w := range plan.Refresh {
		if err := s.refresh(ctx, user, w); err != nil {
			if errors.Is(err, syncerrors.ErrAccessRevoked) {
				return s.purgeUser(ctx, user)
			}
			result = multierror.Append(result, err)
		}
	}

	s.metrics.WatchMaintenance.WithLabelValues("ignored").Add(float64(len(plan.Ignore)))
	return result.ErrorOrNil()
}

// MaintainUsers fans maintenance out across users with bounded concurrency.
// Per-user failures are collected; siblings keep running.
func (s *MaintenanceService) MaintainUsers(ctx context.Context, users []string) error {
	sem := make(chan struct{}, s.cfg.Concurrency)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(user string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.MaintainUser(ctx, user); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(user)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (s *MaintenanceService) prune(ctx context.Context, user string, w *models.Watch) error {
	if err := s.provider.StopChannel(ctx, w.ChannelID, w.ResourceID); err != nil {
		if errors.Is(err, syncerrors.ErrAccessRevoked) {
			return err
		}
		// The channel may already be gone on the provider side; the local
		// row still has to go.
		s.logger.WithUser(user).WithField("channel", w.ChannelID).
			WithField("error", err.Error()).Warn("failed to stop channel, deleting locally")
	}
	if err := s.watches.Delete(ctx, w.ChannelID); err != nil {
		return err
	}
	s.metrics.WatchMaintenance.WithLabelValues("pruned").Inc()
	return nil
}

func (s *MaintenanceService) refresh(ctx context.Context, user string, w *models.Watch) error {
	renewed, err := s.provider.Watch(ctx, w.Calendar, s.cfg.WebhookURL, s.cfg.WatchTTL)
	if err != nil {
		if errors.Is(err, syncerrors.ErrFullResyncRequired) {
			// Not a failure: mark the watch so the next sync run pulls
			// everything from scratch.
			s.metrics.WatchMaintenance.WithLabelValues("force_resync").Inc()
			return s.watches.SetForceResync(ctx, w.ChannelID, true)
		}
		return err
	}
	renewed.User = user

	if err := s.watches.Create(ctx, renewed); err != nil {
		return err
	}
	if err := s.prune(ctx, user, w); err != nil {
		return err
	}
	s.metrics.WatchMaintenance.WithLabelValues("refreshed").Inc()
	return nil
}

// purgeUser drops the user's events, watches and cached sync state after the
// provider revoked our access.
func (s *MaintenanceService) purgeUser(ctx context.Context, user string) error {
	s.logger.WithUser(user).Warn("provider access revoked, purging local sync state")

	if _, err := s.events.PurgeUser(ctx, user); err != nil {
		return err
	}
	if _, err := s.watches.DeleteByUser(ctx, user); err != nil {
		return err
	}
	if err := s.cache.PurgeUser(ctx, user); err != nil {
		return err
	}
	s.metrics.WatchMaintenance.WithLabelValues("purged").Inc()
	return nil
}
