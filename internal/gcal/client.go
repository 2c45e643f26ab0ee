package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"daybook/sync-service/internal/models"
	"daybook/sync-service/internal/syncerrors"
)

// Provider is the remote calendar surface the engine depends on. It exists
// so services can be tested against a fake without a network.
type Provider interface {
	// ListChanges fetches the records changed since syncToken (all pages)
	// and the next token. A stale token surfaces as ErrFullResyncRequired.
	ListChanges(ctx context.Context, calendarID, syncToken string) ([]*calendar.Event, string, error)

	// Watch registers a push-notification channel for the calendar and
	// returns the populated watch (resource id, expiration).
	Watch(ctx context.Context, calendarID, webhookURL string, ttl time.Duration) (*models.Watch, error)

	// StopChannel tears an existing channel down.
	StopChannel(ctx context.Context, channelID, resourceID string) error

	// InsertEvent, UpdateEvent and DeleteEvent push local edits outward.
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Client implements Provider over the Google Calendar API.
type Client struct {
	service *calendar.Service
}

// NewClient builds a Client from OAuth application credentials and a stored
// user token, both JSON files.
func NewClient(ctx context.Context, credentialsFile, tokenFile string) (*Client, error) {
	credBytes, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	conf, err := google.ConfigFromJSON(credBytes, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	tokenBytes, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	srv, err := calendar.NewService(ctx, option.WithHTTPClient(conf.Client(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &Client{service: srv}, nil
}

// NewClientFromService wraps an already-built calendar service.
func NewClientFromService(srv *calendar.Service) *Client {
	return &Client{service: srv}
}

func (c *Client) ListChanges(ctx context.Context, calendarID, syncToken string) ([]*calendar.Event, string, error) {
	var (
		all       []*calendar.Event
		pageToken string
	)
	for {
		call := c.service.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(true).
			SingleEvents(false)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		events, err := call.Do()
		if err != nil {
			return nil, "", translateError(fmt.Errorf("failed to list changes for %s: %w", calendarID, err))
		}

		all = append(all, events.Items...)
		if events.NextPageToken == "" {
			return all, events.NextSyncToken, nil
		}
		pageToken = events.NextPageToken
	}
}

func (c *Client) Watch(ctx context.Context, calendarID, webhookURL string, ttl time.Duration) (*models.Watch, error) {
	expiration := time.Now().Add(ttl)
	channel := &calendar.Channel{
		Id:         models.NewChannelID(),
		Type:       "web_hook",
		Address:    webhookURL,
		Expiration: expiration.UnixMilli(),
	}

	created, err := c.service.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to watch %s: %w", calendarID, err))
	}

	w := &models.Watch{
		ChannelID:  created.Id,
		ResourceID: created.ResourceId,
		Calendar:   calendarID,
		Expiration: expiration,
	}
	if created.Expiration > 0 {
		w.Expiration = time.UnixMilli(created.Expiration)
	}
	return w, nil
}

func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	channel := &calendar.Channel{Id: channelID, ResourceId: resourceID}
	if err := c.service.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return translateError(fmt.Errorf("failed to stop channel %s: %w", channelID, err))
	}
	return nil
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, ev).Context(ctx).Do()
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to insert event: %w", err))
	}
	return created, nil
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, ev.Id, ev).Context(ctx).Do()
	if err != nil {
		return nil, translateError(fmt.Errorf("failed to update event %s: %w", ev.Id, err))
	}
	return updated, nil
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return translateError(fmt.Errorf("failed to delete event %s: %w", eventID, err))
	}
	return nil
}

// translateError maps provider status codes onto the engine's taxonomy:
// 401/403 mean our access was revoked, 410 means the sync token is gone and
// a full resync is required. Both are expected states, not hard failures.
func translateError(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", syncerrors.ErrAccessRevoked, apiErr.Message)
	case http.StatusGone:
		return fmt.Errorf("%w: %s", syncerrors.ErrFullResyncRequired, apiErr.Message)
	}
	return err
}
