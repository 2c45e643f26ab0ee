package repository

import (
	"context"
	"database/sql"
	"fmt"

	"daybook/sync-service/internal/models"
)

// WatchRepositoryInterface persists push-notification subscriptions.
type WatchRepositoryInterface interface {
	ListUsers(ctx context.Context) ([]string, error)
	ListByUser(ctx context.Context, user string) ([]*models.Watch, error)
	FindByChannelID(ctx context.Context, channelID string) (*models.Watch, error)
	Create(ctx context.Context, w *models.Watch) error
	Delete(ctx context.Context, channelID string) error
	DeleteByUser(ctx context.Context, user string) (int64, error)
	SetForceResync(ctx context.Context, channelID string, force bool) error
}

const watchColumns = "id, channel_id, resource_id, user_id, calendar_id, expiration, force_resync, created_at, updated_at"

type WatchRepository struct {
	db *sql.DB
}

func NewWatchRepository(db *sql.DB) *WatchRepository {
	return &WatchRepository{db: db}
}

// ListUsers returns every user with at least one registered watch.
func (r *WatchRepository) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT user_id FROM watches")
	if err != nil {
		return nil, fmt.Errorf("failed to list watch users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *WatchRepository) ListByUser(ctx context.Context, user string) ([]*models.Watch, error) {
	query := fmt.Sprintf("SELECT %s FROM watches WHERE user_id = ? ORDER BY expiration ASC", watchColumns)

	rows, err := r.db.QueryContext(ctx, query, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var watches []*models.Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		watches = append(watches, w)
	}
	return watches, rows.Err()
}

func (r *WatchRepository) FindByChannelID(ctx context.Context, channelID string) (*models.Watch, error) {
	query := fmt.Sprintf("SELECT %s FROM watches WHERE channel_id = ?", watchColumns)

	w, err := scanWatch(r.db.QueryRowContext(ctx, query, channelID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	return w, nil
}

func (r *WatchRepository) Create(ctx context.Context, w *models.Watch) error {
	query := `
		INSERT INTO watches (channel_id, resource_id, user_id, calendar_id, expiration, force_resync, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NOW(), NOW())
	`
	res, err := r.db.ExecContext(ctx, query,
		w.ChannelID, w.ResourceID, w.User, w.Calendar, w.Expiration, w.ForceResync,
	)
	if err != nil {
		return fmt.Errorf("failed to create watch: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		w.ID = uint64(id)
	}
	return nil
}

func (r *WatchRepository) Delete(ctx context.Context, channelID string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM watches WHERE channel_id = ?", channelID); err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}

func (r *WatchRepository) DeleteByUser(ctx context.Context, user string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM watches WHERE user_id = ?", user)
	if err != nil {
		return 0, fmt.Errorf("failed to delete watches: %w", err)
	}
	return res.RowsAffected()
}

func (r *WatchRepository) SetForceResync(ctx context.Context, channelID string, force bool) error {
	query := "UPDATE watches SET force_resync = ?, updated_at = NOW() WHERE channel_id = ?"
	if _, err := r.db.ExecContext(ctx, query, force, channelID); err != nil {
		return fmt.Errorf("failed to set force_resync: %w", err)
	}
	return nil
}

func scanWatch(row rowScanner) (*models.Watch, error) {
	var w models.Watch
	err := row.Scan(
		&w.ID,
		&w.ChannelID,
		&w.ResourceID,
		&w.User,
		&w.Calendar,
		&w.Expiration,
		&w.ForceResync,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
