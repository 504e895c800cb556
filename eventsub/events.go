package eventsub

import "time"

// Subscription types handled by the bot.
const (
	TypeFollow              = "channel.follow"
	TypeSubscribe           = "channel.subscribe"
	TypeSubscriptionMessage = "channel.subscription.message"
	TypeSubscriptionGift    = "channel.subscription.gift"
	TypeRedemptionAdd       = "channel.channel_points_custom_reward_redemption.add"
	TypeRaid                = "channel.raid"
	TypeStreamOnline        = "stream.online"
	TypeStreamOffline       = "stream.offline"
)

// FollowEvent is channel.follow v2.
type FollowEvent struct {
	UserID               string    `json:"user_id"`
	UserLogin            string    `json:"user_login"`
	UserName             string    `json:"user_name"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	FollowedAt           time.Time `json:"followed_at"`
}

// SubscribeEvent is channel.subscribe.
type SubscribeEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Tier              string `json:"tier"`
	IsGift            bool   `json:"is_gift"`
}

// SubscriptionMessageEvent is channel.subscription.message (resub shared in chat).
type SubscriptionMessageEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Tier              string `json:"tier"`
	Message           struct {
		Text string `json:"text"`
	} `json:"message"`
	CumulativeMonths int  `json:"cumulative_months"`
	StreakMonths     *int `json:"streak_months"`
	DurationMonths   int  `json:"duration_months"`
}

// SubscriptionGiftEvent is channel.subscription.gift. User fields are empty
// when the gifter is anonymous.
type SubscriptionGiftEvent struct {
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Total             int    `json:"total"`
	Tier              string `json:"tier"`
	CumulativeTotal   *int   `json:"cumulative_total"`
	IsAnonymous       bool   `json:"is_anonymous"`
}

// RedemptionEvent is channel.channel_points_custom_reward_redemption.add.
type RedemptionEvent struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserName          string `json:"user_name"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserInput         string `json:"user_input"`
	Status            string `json:"status"`
	Reward            struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Cost   int    `json:"cost"`
		Prompt string `json:"prompt"`
	} `json:"reward"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// RaidEvent is channel.raid.
type RaidEvent struct {
	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserID      string `json:"to_broadcaster_user_id"`
	ToBroadcasterUserLogin   string `json:"to_broadcaster_user_login"`
	Viewers                  int    `json:"viewers"`
}

// StreamOnlineEvent is stream.online.
type StreamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

// StreamOfflineEvent is stream.offline.
type StreamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}
