package service

import (
	"context"
	"time"

	"google.golang.org/api/calendar/v3"

	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/repository"
	"daybook/sync-service/pkg/logger"
	"daybook/sync-service/pkg/metrics"
)

// Prometheus collectors register globally, so every test in this package
// shares one Metrics instance.
var (
	testMetrics = metrics.NewMetrics("sync_service_test")
	testLogger  = logger.NewLogger("sync-service-test")
)

type mockEventRepository struct {
	findByIDFunc             func(ctx context.Context, user, id string) (*models.Event, error)
	findByProviderIDFunc     func(ctx context.Context, user, providerID string) (*models.Event, error)
	findInstancesFunc        func(ctx context.Context, user, baseID string) ([]*models.Event, error)
	createFunc               func(ctx context.Context, ev *models.Event) error
	createWithInstancesFunc  func(ctx context.Context, base *models.Event, instances []*models.Event) error
	updateFunc               func(ctx context.Context, ev *models.Event) error
	updateInstanceFunc       func(ctx context.Context, inst *models.Event) error
	cancelSeriesFunc         func(ctx context.Context, user, baseID string) error
	cancelInstanceFunc       func(ctx context.Context, user, id string, key repository.IDKey) error
	deleteInstancesFunc      func(ctx context.Context, user, baseID string) (int64, error)
	deleteInstancesAfterFunc func(ctx context.Context, user, baseID string, cutoff time.Time) (int64, error)
	updateSeriesFunc         func(ctx context.Context, base *models.Event, key repository.IDKey, policy repository.FieldPolicy) error
	detachSeriesFunc         func(ctx context.Context, base *models.Event) error
	attachSeriesFunc         func(ctx context.Context, base *models.Event, instances []*models.Event) error
	purgeUserFunc            func(ctx context.Context, user string) (int64, error)
}

func (m *mockEventRepository) FindByID(ctx context.Context, user, id string) (*models.Event, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, user, id)
	}
	return nil, nil
}

func (m *mockEventRepository) FindByProviderID(ctx context.Context, user, providerID string) (*models.Event, error) {
	if m.findByProviderIDFunc != nil {
		return m.findByProviderIDFunc(ctx, user, providerID)
	}
	return nil, nil
}

func (m *mockEventRepository) FindInstances(ctx context.Context, user, baseID string) ([]*models.Event, error) {
	if m.findInstancesFunc != nil {
		return m.findInstancesFunc(ctx, user, baseID)
	}
	return nil, nil
}

func (m *mockEventRepository) Create(ctx context.Context, ev *models.Event) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, ev)
	}
	return nil
}

func (m *mockEventRepository) CreateWithInstances(ctx context.Context, base *models.Event, instances []*models.Event) error {
	if m.createWithInstancesFunc != nil {
		return m.createWithInstancesFunc(ctx, base, instances)
	}
	return nil
}

func (m *mockEventRepository) Update(ctx context.Context, ev *models.Event) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, ev)
	}
	return nil
}

func (m *mockEventRepository) UpdateInstance(ctx context.Context, inst *models.Event) error {
	if m.updateInstanceFunc != nil {
		return m.updateInstanceFunc(ctx, inst)
	}
	return nil
}

func (m *mockEventRepository) CancelSeries(ctx context.Context, user, baseID string) error {
	if m.cancelSeriesFunc != nil {
		return m.cancelSeriesFunc(ctx, user, baseID)
	}
	return nil
}

func (m *mockEventRepository) CancelInstance(ctx context.Context, user, id string, key repository.IDKey) error {
	if m.cancelInstanceFunc != nil {
		return m.cancelInstanceFunc(ctx, user, id, key)
	}
	return nil
}

func (m *mockEventRepository) DeleteInstances(ctx context.Context, user, baseID string) (int64, error) {
	if m.deleteInstancesFunc != nil {
		return m.deleteInstancesFunc(ctx, user, baseID)
	}
	return 0, nil
}

func (m *mockEventRepository) DeleteInstancesAfter(ctx context.Context, user, baseID string, cutoff time.Time) (int64, error) {
	if m.deleteInstancesAfterFunc != nil {
		return m.deleteInstancesAfterFunc(ctx, user, baseID, cutoff)
	}
	return 0, nil
}

func (m *mockEventRepository) UpdateSeries(ctx context.Context, base *models.Event, key repository.IDKey, policy repository.FieldPolicy) error {
	if m.updateSeriesFunc != nil {
		return m.updateSeriesFunc(ctx, base, key, policy)
	}
	return nil
}

func (m *mockEventRepository) DetachSeries(ctx context.Context, base *models.Event) error {
	if m.detachSeriesFunc != nil {
		return m.detachSeriesFunc(ctx, base)
	}
	return nil
}

func (m *mockEventRepository) AttachSeries(ctx context.Context, base *models.Event, instances []*models.Event) error {
	if m.attachSeriesFunc != nil {
		return m.attachSeriesFunc(ctx, base, instances)
	}
	return nil
}

func (m *mockEventRepository) PurgeUser(ctx context.Context, user string) (int64, error) {
	if m.purgeUserFunc != nil {
		return m.purgeUserFunc(ctx, user)
	}
	return 0, nil
}

type mockWatchRepository struct {
	listUsersFunc       func(ctx context.Context) ([]string, error)
	listByUserFunc      func(ctx context.Context, user string) ([]*models.Watch, error)
	findByChannelIDFunc func(ctx context.Context, channelID string) (*models.Watch, error)
	createFunc          func(ctx context.Context, w *models.Watch) error
	deleteFunc          func(ctx context.Context, channelID string) error
	deleteByUserFunc    func(ctx context.Context, user string) (int64, error)
	setForceResyncFunc  func(ctx context.Context, channelID string, force bool) error
}

func (m *mockWatchRepository) ListUsers(ctx context.Context) ([]string, error) {
	if m.listUsersFunc != nil {
		return m.listUsersFunc(ctx)
	}
	return nil, nil
}

func (m *mockWatchRepository) ListByUser(ctx context.Context, user string) ([]*models.Watch, error) {
	if m.listByUserFunc != nil {
		return m.listByUserFunc(ctx, user)
	}
	return nil, nil
}

func (m *mockWatchRepository) FindByChannelID(ctx context.Context, channelID string) (*models.Watch, error) {
	if m.findByChannelIDFunc != nil {
		return m.findByChannelIDFunc(ctx, channelID)
	}
	return nil, nil
}

func (m *mockWatchRepository) Create(ctx context.Context, w *models.Watch) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, w)
	}
	return nil
}

func (m *mockWatchRepository) Delete(ctx context.Context, channelID string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, channelID)
	}
	return nil
}

func (m *mockWatchRepository) DeleteByUser(ctx context.Context, user string) (int64, error) {
	if m.deleteByUserFunc != nil {
		return m.deleteByUserFunc(ctx, user)
	}
	return 0, nil
}

func (m *mockWatchRepository) SetForceResync(ctx context.Context, channelID string, force bool) error {
	if m.setForceResyncFunc != nil {
		return m.setForceResyncFunc(ctx, channelID, force)
	}
	return nil
}

type mockCacheRepository struct {
	getSyncTokenFunc   func(ctx context.Context, user, calendarID string) (string, error)
	setSyncTokenFunc   func(ctx context.Context, user, calendarID, token string) error
	clearSyncTokenFunc func(ctx context.Context, user, calendarID string) error
	touchActivityFunc  func(ctx context.Context, user string) error
	lastActivityFunc   func(ctx context.Context, user string) (time.Time, error)
	purgeUserFunc      func(ctx context.Context, user string) error
}

func (m *mockCacheRepository) GetSyncToken(ctx context.Context, user, calendarID string) (string, error) {
	if m.getSyncTokenFunc != nil {
		return m.getSyncTokenFunc(ctx, user, calendarID)
	}
	return "", nil
}

func (m *mockCacheRepository) SetSyncToken(ctx context.Context, user, calendarID, token string) error {
	if m.setSyncTokenFunc != nil {
		return m.setSyncTokenFunc(ctx, user, calendarID, token)
	}
	return nil
}

func (m *mockCacheRepository) ClearSyncToken(ctx context.Context, user, calendarID string) error {
	if m.clearSyncTokenFunc != nil {
		return m.clearSyncTokenFunc(ctx, user, calendarID)
	}
	return nil
}

func (m *mockCacheRepository) TouchActivity(ctx context.Context, user string) error {
	if m.touchActivityFunc != nil {
		return m.touchActivityFunc(ctx, user)
	}
	return nil
}

func (m *mockCacheRepository) LastActivity(ctx context.Context, user string) (time.Time, error) {
	if m.lastActivityFunc != nil {
		return m.lastActivityFunc(ctx, user)
	}
	return time.Time{}, nil
}

func (m *mockCacheRepository) PurgeUser(ctx context.Context, user string) error {
	if m.purgeUserFunc != nil {
		return m.purgeUserFunc(ctx, user)
	}
	return nil
}

type fakeProvider struct {
	listChangesFunc func(ctx context.Context, calendarID, syncToken string) ([]*calendar.Event, string, error)
	watchFunc       func(ctx context.Context, calendarID, webhookURL string, ttl time.Duration) (*models.Watch, error)
	stopChannelFunc func(ctx context.Context, channelID, resourceID string) error
	insertEventFunc func(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	updateEventFunc func(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	deleteEventFunc func(ctx context.Context, calendarID, eventID string) error
}

func (f *fakeProvider) ListChanges(ctx context.Context, calendarID, syncToken string) ([]*calendar.Event, string, error) {
	if f.listChangesFunc != nil {
		return f.listChangesFunc(ctx, calendarID, syncToken)
	}
	return nil, "", nil
}

func (f *fakeProvider) Watch(ctx context.Context, calendarID, webhookURL string, ttl time.Duration) (*models.Watch, error) {
	if f.watchFunc != nil {
		return f.watchFunc(ctx, calendarID, webhookURL, ttl)
	}
	return &models.Watch{Calendar: calendarID}, nil
}

func (f *fakeProvider) StopChannel(ctx context.Context, channelID, resourceID string) error {
	if f.stopChannelFunc != nil {
		return f.stopChannelFunc(ctx, channelID, resourceID)
	}
	return nil
}

func (f *fakeProvider) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	if f.insertEventFunc != nil {
		return f.insertEventFunc(ctx, calendarID, ev)
	}
	return ev, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	if f.updateEventFunc != nil {
		return f.updateEventFunc(ctx, calendarID, ev)
	}
	return ev, nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if f.deleteEventFunc != nil {
		return f.deleteEventFunc(ctx, calendarID, eventID)
	}
	return nil
}
