package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	chattersPageSize   = 1000
	chattersPageGuard  = 20
	clipsPageSize      = 100
	clipsPageGuard     = 10
	usersBatchSize     = 100
	redemptionBatch    = 50
	eventSubPageGuard  = 20
	RedemptionFulfill  = "FULFILLED"
	RedemptionCanceled = "CANCELED"
)

type pagination struct {
	Cursor string `json:"cursor"`
}

// Stream is a live broadcast from /streams.
type Stream struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserLogin string    `json:"user_login"`
	GameID    string    `json:"game_id"`
	GameName  string    `json:"game_name"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Language  string    `json:"language"`
	StartedAt time.Time `json:"started_at"`
}

// GetStream returns the broadcaster's live stream, or nil when offline.
func (c *Client) GetStream(ctx context.Context, broadcasterID string) (*Stream, error) {
	if broadcasterID == "" {
		return nil, errors.New("broadcasterID empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	err := c.DoJSON(ctx, Request{Path: "/streams", Query: url.Values{"user_id": {broadcasterID}}}, &body)
	if err != nil {
		return nil, err
	}
	for i := range body.Data {
		if body.Data[i].Type == "" || body.Data[i].Type == "live" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// ChatSettings is the subset of /chat/settings kept as stream context.
type ChatSettings struct {
	SlowMode       bool `json:"slow_mode"`
	FollowerMode   bool `json:"follower_mode"`
	SubscriberMode bool `json:"subscriber_mode"`
	EmoteMode      bool `json:"emote_mode"`
}

// GetChatSettings returns the broadcaster's chat restrictions.
func (c *Client) GetChatSettings(ctx context.Context, broadcasterID string) (*ChatSettings, error) {
	var body struct {
		Data []ChatSettings `json:"data"`
	}
	err := c.DoJSON(ctx, Request{Path: "/chat/settings", Query: url.Values{"broadcaster_id": {broadcasterID}}}, &body)
	if err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// GetChatters lists the lowercase logins currently in chat. It follows the
// cursor for at most 20 pages.
func (c *Client) GetChatters(ctx context.Context, broadcasterID, moderatorID string) ([]string, error) {
	if broadcasterID == "" || moderatorID == "" {
		return nil, errors.New("broadcasterID and moderatorID required")
	}
	var logins []string
	cursor := ""
	for page := 0; page < chattersPageGuard; page++ {
		q := url.Values{
			"broadcaster_id": {broadcasterID},
			"moderator_id":   {moderatorID},
			"first":          {strconv.Itoa(chattersPageSize)},
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data []struct {
				UserLogin string `json:"user_login"`
			} `json:"data"`
			Pagination pagination `json:"pagination"`
		}
		if err := c.DoJSON(ctx, Request{Path: "/chat/chatters", Query: q}, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			if d.UserLogin != "" {
				logins = append(logins, strings.ToLower(d.UserLogin))
			}
		}
		cursor = body.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return logins, nil
}

// Clip is a clip from /clips.
type Clip struct {
	ID          string    `json:"id"`
	CreatorID   string    `json:"creator_id"`
	CreatorName string    `json:"creator_name"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// GetClips lists clips created between startedAt and endedAt, following the
// cursor for at most 10 pages.
func (c *Client) GetClips(ctx context.Context, broadcasterID string, startedAt, endedAt time.Time) ([]Clip, error) {
	var clips []Clip
	cursor := ""
	for page := 0; page < clipsPageGuard; page++ {
		q := url.Values{
			"broadcaster_id": {broadcasterID},
			"started_at":     {startedAt.UTC().Format(time.RFC3339)},
			"ended_at":       {endedAt.UTC().Format(time.RFC3339)},
			"first":          {strconv.Itoa(clipsPageSize)},
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data       []Clip     `json:"data"`
			Pagination pagination `json:"pagination"`
		}
		if err := c.DoJSON(ctx, Request{Path: "/clips", Query: q}, &body); err != nil {
			return nil, err
		}
		clips = append(clips, body.Data...)
		cursor = body.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return clips, nil
}

// GetUsersByID resolves user ids to lowercase logins, 100 ids per request.
// Unknown ids are absent from the result.
func (c *Client) GetUsersByID(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += usersBatchSize {
		end := min(start+usersBatchSize, len(ids))
		q := url.Values{"id": ids[start:end]}
		var body struct {
			Data []struct {
				ID    string `json:"id"`
				Login string `json:"login"`
			} `json:"data"`
		}
		if err := c.DoJSON(ctx, Request{Path: "/users", Query: q}, &body); err != nil {
			return nil, err
		}
		for _, u := range body.Data {
			out[u.ID] = strings.ToLower(u.Login)
		}
	}
	return out, nil
}

// UpdateRedemptionStatus marks redemptions FULFILLED or CANCELED, 50 ids per
// request.
func (c *Client) UpdateRedemptionStatus(ctx context.Context, broadcasterID, rewardID string, ids []string, status string) error {
	if status != RedemptionFulfill && status != RedemptionCanceled {
		return fmt.Errorf("invalid redemption status %q", status)
	}
	for start := 0; start < len(ids); start += redemptionBatch {
		end := min(start+redemptionBatch, len(ids))
		q := url.Values{
			"broadcaster_id": {broadcasterID},
			"reward_id":      {rewardID},
			"id":             ids[start:end],
		}
		r := Request{
			Method: http.MethodPatch,
			Path:   "/channel_points/custom_rewards/redemptions",
			Query:  q,
			Body:   map[string]string{"status": status},
		}
		if err := c.DoJSON(ctx, r, nil); err != nil {
			return err
		}
	}
	return nil
}

// EventSubTransport is the delivery target of a subscription.
type EventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// EventSubSubscription is one EventSub subscription.
type EventSubSubscription struct {
	ID        string            `json:"id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport EventSubTransport `json:"transport"`
}

// ListEventSubSubscriptions lists subscriptions, optionally filtered by type.
func (c *Client) ListEventSubSubscriptions(ctx context.Context, typ string) ([]EventSubSubscription, error) {
	var subs []EventSubSubscription
	cursor := ""
	for page := 0; page < eventSubPageGuard; page++ {
		q := url.Values{}
		if typ != "" {
			q.Set("type", typ)
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var body struct {
			Data       []EventSubSubscription `json:"data"`
			Pagination pagination             `json:"pagination"`
		}
		if err := c.DoJSON(ctx, Request{Path: "/eventsub/subscriptions", Query: q}, &body); err != nil {
			return nil, err
		}
		subs = append(subs, body.Data...)
		cursor = body.Pagination.Cursor
		if cursor == "" {
			break
		}
	}
	return subs, nil
}

// CreateEventSubSubscription registers a new subscription.
func (c *Client) CreateEventSubSubscription(ctx context.Context, sub EventSubSubscription) (*EventSubSubscription, error) {
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	r := Request{Method: http.MethodPost, Path: "/eventsub/subscriptions", Body: sub}
	if err := c.DoJSON(ctx, r, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, errors.New("create subscription: empty response")
	}
	return &body.Data[0], nil
}
