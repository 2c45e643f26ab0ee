package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/syncerrors"
)

// IDKey selects which identifier column a lookup matches on.
type IDKey string

const (
	IDKeyLocal    IDKey = "id"
	IDKeyProvider IDKey = "provider_id"
)

func (k IDKey) column() (string, error) {
	switch k {
	case IDKeyLocal:
		return "id", nil
	case IDKeyProvider:
		return "provider_id", nil
	}
	return "", fmt.Errorf("unknown id key %q", string(k))
}

// FieldPolicy decides what happens to per-instance overrides when a
// whole-series update cascades base fields onto the instances.
type FieldPolicy string

const (
	// PolicyBaseWins overwrites instance content fields with the base's,
	// discarding per-instance customization. The recurrence pointer is
	// always re-pinned to the base regardless of policy.
	PolicyBaseWins FieldPolicy = "base_wins"

	// PolicyPreserveOverrides keeps an instance field that was individually
	// edited (it differs from the previous base value) and cascades only
	// fields the instance still shared with the base.
	PolicyPreserveOverrides FieldPolicy = "preserve_overrides"
)

// EventRepositoryInterface is the persistence boundary for events and series.
// Series-wide operations run inside a transaction and are serialized per
// (user, series) so no two concurrent operations race on the same series.
type EventRepositoryInterface interface {
	FindByID(ctx context.Context, user, id string) (*models.Event, error)
	FindByProviderID(ctx context.Context, user, providerID string) (*models.Event, error)
	FindInstances(ctx context.Context, user, baseID string) ([]*models.Event, error)
	Create(ctx context.Context, ev *models.Event) error
	CreateWithInstances(ctx context.Context, base *models.Event, instances []*models.Event) error
	Update(ctx context.Context, ev *models.Event) error
	UpdateInstance(ctx context.Context, inst *models.Event) error
	CancelSeries(ctx context.Context, user, baseID string) error
	CancelInstance(ctx context.Context, user, id string, key IDKey) error
	DeleteInstances(ctx context.Context, user, baseID string) (int64, error)
	DeleteInstancesAfter(ctx context.Context, user, baseID string, cutoff time.Time) (int64, error)
	UpdateSeries(ctx context.Context, base *models.Event, key IDKey, policy FieldPolicy) error
	DetachSeries(ctx context.Context, base *models.Event) error
	AttachSeries(ctx context.Context, base *models.Event, instances []*models.Event) error
	PurgeUser(ctx context.Context, user string) (int64, error)
}

const eventColumns = "id, provider_id, user_id, calendar_id, title, description, start_at, end_at, timezone, all_day, someday, status, priority, origin, recurrence_rule, recurrence_base_id, created_at, updated_at"

type EventRepository struct {
	db    *sql.DB
	locks seriesLocks
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// runInTx opens a transaction, runs fn and commits, rolling back on error.
// Series operations touching multiple rows always go through here so a crash
// mid-cascade never leaves a base updated with stale instances.
func (r *EventRepository) runInTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *EventRepository) FindByID(ctx context.Context, user, id string) (*models.Event, error) {
	return r.findBy(ctx, r.db, user, "id", id)
}

func (r *EventRepository) FindByProviderID(ctx context.Context, user, providerID string) (*models.Event, error) {
	return r.findBy(ctx, r.db, user, "provider_id", providerID)
}

func (r *EventRepository) findBy(ctx context.Context, q querier, user, column, value string) (*models.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE user_id = ? AND %s = ?", eventColumns, column)

	ev, err := scanEvent(q.QueryRowContext(ctx, query, user, value))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event by %s: %w", column, err)
	}
	return ev, nil
}

func (r *EventRepository) FindInstances(ctx context.Context, user, baseID string) ([]*models.Event, error) {
	return r.findInstances(ctx, r.db, user, baseID)
}

func (r *EventRepository) findInstances(ctx context.Context, q querier, user, baseID string) ([]*models.Event, error) {
	query := fmt.Sprintf("SELECT %s FROM events WHERE user_id = ? AND recurrence_base_id = ? ORDER BY start_at ASC", eventColumns)

	rows, err := q.QueryContext(ctx, query, user, baseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, ev)
	}
	return instances, rows.Err()
}

func (r *EventRepository) Create(ctx context.Context, ev *models.Event) error {
	return r.insert(ctx, r.db, ev)
}

// CreateWithInstances stores a base and its materialized instances as one
// atomic unit.
func (r *EventRepository) CreateWithInstances(ctx context.Context, base *models.Event, instances []*models.Event) error {
	unlock := r.locks.lock(base.User, base.ID)
	defer unlock()

	return r.runInTx(ctx, func(q querier) error {
		if err := r.insert(ctx, q, base); err != nil {
			return err
		}
		for _, inst := range instances {
			inst.RecurrenceBaseID = base.ID
			if err := r.insert(ctx, q, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *EventRepository) insert(ctx context.Context, q querier, ev *models.Event) error {
	query := `
		INSERT INTO events (id, provider_id, user_id, calendar_id, title, description, start_at, end_at, timezone, all_day, someday, status, priority, origin, recurrence_rule, recurrence_base_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
	`
	_, err := q.ExecContext(ctx, query,
		ev.ID, nullString(ev.ProviderID), ev.User, ev.Calendar, ev.Title, ev.Description,
		ev.StartAt, ev.EndAt, ev.Timezone, ev.AllDay, ev.Someday, ev.Status,
		ev.Priority, ev.Origin, nullString(joinRule(ev.RecurrenceRule)), nullString(ev.RecurrenceBaseID),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (r *EventRepository) Update(ctx context.Context, ev *models.Event) error {
	return r.update(ctx, r.db, ev)
}

func (r *EventRepository) update(ctx context.Context, q querier, ev *models.Event) error {
	query := `
		UPDATE events
		SET provider_id = ?, calendar_id = ?, title = ?, description = ?, start_at = ?, end_at = ?, timezone = ?, all_day = ?, someday = ?, status = ?, priority = ?, origin = ?, recurrence_rule = ?, recurrence_base_id = ?, updated_at = NOW()
		WHERE user_id = ? AND id = ?
	`
	_, err := q.ExecContext(ctx, query,
		nullString(ev.ProviderID), ev.Calendar, ev.Title, ev.Description, ev.StartAt, ev.EndAt,
		ev.Timezone, ev.AllDay, ev.Someday, ev.Status, ev.Priority, ev.Origin,
		nullString(joinRule(ev.RecurrenceRule)), nullString(ev.RecurrenceBaseID),
		ev.User, ev.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

// UpdateInstance upserts one instance by provider id, stamping updated_at.
func (r *EventRepository) UpdateInstance(ctx context.Context, inst *models.Event) error {
	query := `
		INSERT INTO events (id, provider_id, user_id, calendar_id, title, description, start_at, end_at, timezone, all_day, someday, status, priority, origin, recurrence_rule, recurrence_base_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
			calendar_id = VALUES(calendar_id), title = VALUES(title), description = VALUES(description),
			start_at = VALUES(start_at), end_at = VALUES(end_at), timezone = VALUES(timezone),
			all_day = VALUES(all_day), someday = VALUES(someday), status = VALUES(status),
			priority = VALUES(priority), origin = VALUES(origin),
			recurrence_base_id = VALUES(recurrence_base_id), updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		inst.ID, nullString(inst.ProviderID), inst.User, inst.Calendar, inst.Title, inst.Description,
		inst.StartAt, inst.EndAt, inst.Timezone, inst.AllDay, inst.Someday, inst.Status,
		inst.Priority, inst.Origin, nullString(joinRule(inst.RecurrenceRule)), nullString(inst.RecurrenceBaseID),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instance: %w", err)
	}
	return nil
}

// CancelSeries deletes the base and every instance pointing at it, for that
// user only, in one transaction.
func (r *EventRepository) CancelSeries(ctx context.Context, user, baseID string) error {
	unlock := r.locks.lock(user, baseID)
	defer unlock()

	return r.runInTx(ctx, func(q querier) error {
		query := "DELETE FROM events WHERE user_id = ? AND (id = ? OR recurrence_base_id = ?)"
		if _, err := q.ExecContext(ctx, query, user, baseID, baseID); err != nil {
			return fmt.Errorf("failed to cancel series: %w", err)
		}
		return nil
	})
}

// CancelInstance deletes exactly one stored document matched by the given
// identifier column.
func (r *EventRepository) CancelInstance(ctx context.Context, user, id string, key IDKey) error {
	column, err := key.column()
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM events WHERE user_id = ? AND %s = ? LIMIT 1", column)
	if _, err := r.db.ExecContext(ctx, query, user, id); err != nil {
		return fmt.Errorf("failed to cancel instance: %w", err)
	}
	return nil
}

// DeleteInstances removes every instance of a series, leaving the base.
func (r *EventRepository) DeleteInstances(ctx context.Context, user, baseID string) (int64, error) {
	unlock := r.locks.lock(user, baseID)
	defer unlock()

	query := "DELETE FROM events WHERE user_id = ? AND recurrence_base_id = ?"
	res, err := r.db.ExecContext(ctx, query, user, baseID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete instances: %w", err)
	}
	return res.RowsAffected()
}

// DeleteInstancesAfter removes instances starting strictly after cutoff,
// used after a series split to drop superseded future occurrences.
func (r *EventRepository) DeleteInstancesAfter(ctx context.Context, user, baseID string, cutoff time.Time) (int64, error) {
	unlock := r.locks.lock(user, baseID)
	defer unlock()

	query := "DELETE FROM events WHERE user_id = ? AND recurrence_base_id = ? AND start_at > ?"
	res, err := r.db.ExecContext(ctx, query, user, baseID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete instances after cutoff: %w", err)
	}
	return res.RowsAffected()
}

// UpdateSeries loads the stored base by key, updates it and cascades base
// fields onto every instance per the given policy. The instance's recurrence
// pointer is always re-pinned to the base id. Fails with MissingBaseEvent
// when no base matches.
func (r *EventRepository) UpdateSeries(ctx context.Context, base *models.Event, key IDKey, policy FieldPolicy) error {
	column, err := key.column()
	if err != nil {
		return err
	}

	var lookup string
	switch key {
	case IDKeyProvider:
		lookup = base.ProviderID
	default:
		lookup = base.ID
	}

	// The first read only locates the series so we know which lock to take.
	// The authoritative base is re-read under the lock, inside the
	// transaction; merging against this early snapshot would let a
	// concurrent cascade's fields be mistaken for per-instance overrides.
	located, err := r.findBy(ctx, r.db, base.User, column, lookup)
	if err != nil {
		return err
	}
	if located == nil || !located.IsBase() {
		return &syncerrors.MissingBaseEvent{IDKey: string(key), ID: lookup}
	}

	unlock := r.locks.lock(base.User, located.ID)
	defer unlock()

	return r.runInTx(ctx, func(q querier) error {
		stored, err := r.findBy(ctx, q, base.User, column, lookup)
		if err != nil {
			return err
		}
		if stored == nil || !stored.IsBase() {
			return &syncerrors.MissingBaseEvent{IDKey: string(key), ID: lookup}
		}

		updated := *base
		updated.ID = stored.ID
		updated.CreatedAt = stored.CreatedAt
		if updated.ProviderID == "" {
			updated.ProviderID = stored.ProviderID
		}
		if err := r.update(ctx, q, &updated); err != nil {
			return err
		}

		instances, err := r.findInstances(ctx, q, base.User, stored.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			merged := mergeInstance(stored, &updated, inst, policy)
			if err := r.update(ctx, q, merged); err != nil {
				return err
			}
		}
		return nil
	})
}

// DetachSeries converts a base into a standalone event: the recurrence rule
// is dropped from the base row and every instance is removed, atomically.
func (r *EventRepository) DetachSeries(ctx context.Context, base *models.Event) error {
	unlock := r.locks.lock(base.User, base.ID)
	defer unlock()

	return r.runInTx(ctx, func(q querier) error {
		detached := *base
		detached.RecurrenceRule = nil
		if err := r.update(ctx, q, &detached); err != nil {
			return err
		}
		query := "DELETE FROM events WHERE user_id = ? AND recurrence_base_id = ?"
		if _, err := q.ExecContext(ctx, query, base.User, base.ID); err != nil {
			return fmt.Errorf("failed to detach instances: %w", err)
		}
		return nil
	})
}

// AttachSeries converts a standalone event into a recurrence base: the rule
// lands on the existing row and the materialized instances are inserted,
// atomically.
func (r *EventRepository) AttachSeries(ctx context.Context, base *models.Event, instances []*models.Event) error {
	unlock := r.locks.lock(base.User, base.ID)
	defer unlock()

	return r.runInTx(ctx, func(q querier) error {
		if err := r.update(ctx, q, base); err != nil {
			return err
		}
		for _, inst := range instances {
			inst.RecurrenceBaseID = base.ID
			if err := r.insert(ctx, q, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeUser removes every stored event for the user, the recovery path for
// revoked provider access.
func (r *EventRepository) PurgeUser(ctx context.Context, user string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE user_id = ?", user)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}

// mergeInstance cascades base content fields onto one instance. Occurrence
// times stay the instance's own; the recurrence pointer is re-pinned to the
// base unconditionally.
func mergeInstance(prevBase, newBase, inst *models.Event, policy FieldPolicy) *models.Event {
	merged := *inst
	merged.RecurrenceBaseID = newBase.ID
	merged.RecurrenceRule = nil
	merged.Someday = newBase.Someday

	cascade := func(instField, prevField string) bool {
		if policy == PolicyPreserveOverrides {
			// A field that diverged from the previous base was edited on
			// this occurrence alone; keep it.
			return instField == prevField
		}
		return true
	}

	if cascade(inst.Title, prevBase.Title) {
		merged.Title = newBase.Title
	}
	if cascade(inst.Description, prevBase.Description) {
		merged.Description = newBase.Description
	}
	if cascade(inst.Priority, prevBase.Priority) {
		merged.Priority = newBase.Priority
	}
	if cascade(inst.Calendar, prevBase.Calendar) {
		merged.Calendar = newBase.Calendar
	}
	if cascade(inst.Timezone, prevBase.Timezone) {
		merged.Timezone = newBase.Timezone
	}
	return &merged
}

// seriesLocks serializes operations per (user, series base). This is the
// in-process handoff point the state machine relies on: two concurrent
// cascades over the same series never interleave.
type seriesLocks struct {
	mu sync.Map
}

func (l *seriesLocks) lock(user, baseID string) func() {
	key := user + "/" + baseID
	v, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev       models.Event
		rule     sql.NullString
		baseID   sql.NullString
		provider sql.NullString
	)
	err := row.Scan(
		&ev.ID,
		&provider,
		&ev.User,
		&ev.Calendar,
		&ev.Title,
		&ev.Description,
		&ev.StartAt,
		&ev.EndAt,
		&ev.Timezone,
		&ev.AllDay,
		&ev.Someday,
		&ev.Status,
		&ev.Priority,
		&ev.Origin,
		&rule,
		&baseID,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.ProviderID = provider.String
	ev.RecurrenceRule = splitRule(rule.String)
	ev.RecurrenceBaseID = baseID.String
	return &ev, nil
}

// nullString binds an empty string as SQL NULL. Events that never synced
// have no provider id, and MySQL only exempts NULL from the
// (user_id, provider_id) unique key; binding '' would make every unsynced
// row collide with the next one.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Rule lines are stored newline-joined in one column.
func joinRule(rule []string) string {
	return strings.Join(rule, "\n")
}

func splitRule(stored string) []string {
	if stored == "" {
		return nil
	}
	return strings.Split(stored, "\n")
}
