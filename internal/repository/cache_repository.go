package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheRepository holds the short-lived shared state of the sync loop:
// per-calendar sync tokens and per-user last-activity stamps.
type CacheRepository interface {
	// GetSyncToken returns the stored token for a calendar, empty when none.
	GetSyncToken(ctx context.Context, user, calendarID string) (string, error)

	// SetSyncToken stores the token handed back by the provider.
	SetSyncToken(ctx context.Context, user, calendarID, token string) error

	// ClearSyncToken drops a calendar's token, forcing the next run to do a
	// full resync.
	ClearSyncToken(ctx context.Context, user, calendarID string) error

	// TouchActivity records that the user was active now.
	TouchActivity(ctx context.Context, user string) error

	// LastActivity returns when the user was last active; the zero time
	// when nothing is recorded.
	LastActivity(ctx context.Context, user string) (time.Time, error)

	// PurgeUser removes all cached sync state for the user.
	PurgeUser(ctx context.Context, user string) error
}

type cacheRepository struct {
	client *redis.Client
}

// NewCacheRepository creates a new cache repository.
func NewCacheRepository(client *redis.Client) CacheRepository {
	return &cacheRepository{client: client}
}

func syncTokenKey(user, calendarID string) string {
	return fmt.Sprintf("sync:token:%s:%s", user, calendarID)
}

func activityKey(user string) string {
	return fmt.Sprintf("sync:activity:%s", user)
}

func (r *cacheRepository) GetSyncToken(ctx context.Context, user, calendarID string) (string, error) {
	val, err := r.client.Get(ctx, syncTokenKey(user, calendarID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync token: %w", err)
	}
	return val, nil
}

func (r *cacheRepository) SetSyncToken(ctx context.Context, user, calendarID, token string) error {
	return r.client.Set(ctx, syncTokenKey(user, calendarID), token, 0).Err()
}

func (r *cacheRepository) ClearSyncToken(ctx context.Context, user, calendarID string) error {
	return r.client.Del(ctx, syncTokenKey(user, calendarID)).Err()
}

func (r *cacheRepository) TouchActivity(ctx context.Context, user string) error {
	return r.client.Set(ctx, activityKey(user), time.Now().UTC().Format(time.RFC3339), 0).Err()
}

func (r *cacheRepository) LastActivity(ctx context.Context, user string) (time.Time, error) {
	val, err := r.client.Get(ctx, activityKey(user)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last activity: %w", err)
	}

	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last activity: %w", err)
	}
	return t, nil
}

func (r *cacheRepository) PurgeUser(ctx context.Context, user string) error {
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("sync:token:%s:*", user), 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to purge sync tokens: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sync tokens: %w", err)
	}
	return r.client.Del(ctx, activityKey(user)).Err()
}
