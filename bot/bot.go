// Package bot binds the webhook gate and the Discord guild events to the
// member records, the activity ledger, the live tracker and the notification
// pipeline.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamquest/eventsub"
	"github.com/onnwee/streamquest/live"
	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/notify"
	"github.com/onnwee/streamquest/telemetry"
	"github.com/onnwee/streamquest/twitchapi"
)

// Members is the member record repository.
type Members interface {
	RecordFollow(ctx context.Context, login, userID string, followedAt time.Time) (bool, error)
	RecordSubscription(ctx context.Context, u members.SubscriptionUpdate) error
	RecordRedemption(ctx context.Context, login, userID, displayName string) error
	AwardCard(ctx context.Context, login string, card members.Card) (members.Card, bool, error)
}

// Ledger is the activity ledger.
type Ledger interface {
	NoteChannelPoints(ctx context.Context, login, streamID string, n int) error
	NoteRaidParticipation(ctx context.Context, login, streamID string) error
}

// Tracker holds the live stream state.
type Tracker interface {
	Current() (live.State, bool)
	StreamOnline(s live.State)
	StreamOffline()
}

// Notifier coalesces public thank-you messages.
type Notifier interface {
	ScheduleDebounced(key string, build notify.BuildFunc)
	SendImmediateAndCancelPending(ctx context.Context, key string, build notify.BuildFunc) (bool, error)
}

// Redemptions updates channel point redemption status.
type Redemptions interface {
	UpdateRedemptionStatus(ctx context.Context, broadcasterID, rewardID string, ids []string, status string) error
}

// Announcer posts pending cards of a member.
type Announcer interface {
	Announce(ctx context.Context, login string) (int, error)
}

// Bot reacts to EventSub notifications.
type Bot struct {
	Members     Members
	Ledger      Ledger
	Tracker     Tracker
	Notifier    Notifier
	Redemptions Redemptions
	Announcer   Announcer
	Community   Community
	Welcome     Welcome

	BroadcasterID string
	// AutoFulfill lists reward ids marked FULFILLED as soon as they are redeemed.
	AutoFulfill map[string]bool
	Now         func() time.Time
}

// Register installs the handlers on g.
func (b *Bot) Register(g *eventsub.Gate) {
	g.Handle(eventsub.TypeFollow, b.onFollow)
	g.Handle(eventsub.TypeSubscribe, b.onSubscribe)
	g.Handle(eventsub.TypeSubscriptionMessage, b.onSubscriptionMessage)
	g.Handle(eventsub.TypeSubscriptionGift, b.onSubscriptionGift)
	g.Handle(eventsub.TypeRedemptionAdd, b.onRedemption)
	g.Handle(eventsub.TypeRaid, b.onRaid)
	g.Handle(eventsub.TypeStreamOnline, b.onStreamOnline)
	g.Handle(eventsub.TypeStreamOffline, b.onStreamOffline)
}

func (b *Bot) onFollow(ctx context.Context, n eventsub.Notification) error {
	var ev eventsub.FollowEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	followedAt := ev.FollowedAt
	if followedAt.IsZero() {
		followedAt = time.Now()
	}
	created, err := b.Members.RecordFollow(ctx, ev.UserLogin, ev.UserID, followedAt)
	if err != nil {
		return err
	}
	telemetry.LoggerWithCorr(ctx).Info("follow", slog.String("login", ev.UserLogin), slog.Bool("new_member", created))
	return nil
}

func (b *Bot) onSubscribe(ctx context.Context, n eventsub.Notification) error {
	var ev eventsub.SubscribeEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	if err := b.Members.RecordSubscription(ctx, members.SubscriptionUpdate{
		Login:  ev.UserLogin,
		UserID: ev.UserID,
		Tier:   ev.Tier,
		IsGift: ev.IsGift,
	}); err != nil {
		return err
	}
	// gifted subs are thanked through the gifter's message
	if !ev.IsGift {
		name := displayName(ev.UserName, ev.UserLogin)
		tier := members.TierLabel(ev.Tier, false)
		b.Notifier.ScheduleDebounced(subKey(ev.UserLogin), func() string {
			return subscribeMessage(name, tier)
		})
	}
	return nil
}

func (b *Bot) onSubscriptionMessage(ctx context.Context, n eventsub.Notification) error {
	var ev eventsub.SubscriptionMessageEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	if err := b.Members.RecordSubscription(ctx, members.SubscriptionUpdate{
		Login:  ev.UserLogin,
		UserID: ev.UserID,
		Tier:   ev.Tier,
		Months: ev.CumulativeMonths,
		Streak: ev.StreakMonths,
	}); err != nil {
		return err
	}
	name := displayName(ev.UserName, ev.UserLogin)
	tier := members.TierLabel(ev.Tier, false)
	_, err := b.Notifier.SendImmediateAndCancelPending(ctx, subKey(ev.UserLogin), func() string {
		return resubMessage(name, tier, ev.CumulativeMonths, ev.StreakMonths, ev.Message.Text)
	})
	if err != nil {
		return fmt.Errorf("resub message: %w", err)
	}
	return nil
}

func (b *Bot) onSubscriptionGift(_ context.Context, n eventsub.Notification) error {
	var ev eventsub.SubscriptionGiftEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	key := "gift:anonymous"
	name := "An anonymous viewer"
	if !ev.IsAnonymous && ev.UserLogin != "" {
		key = "gift:" + members.Normalize(ev.UserLogin)
		name = displayName(ev.UserName, ev.UserLogin)
	}
	tier := members.TierLabel(ev.Tier, false)
	b.Notifier.ScheduleDebounced(key, func() string {
		return giftMessage(name, tier, ev.Total, ev.CumulativeTotal)
	})
	return nil
}

func (b *Bot) onRedemption(ctx context.Context, n eventsub.Notification) error {
	var ev eventsub.RedemptionEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	st, _ := b.Tracker.Current()
	var errs []error
	if err := b.Ledger.NoteChannelPoints(ctx, ev.UserLogin, st.StreamID, 1); err != nil {
		errs = append(errs, err)
	}
	if err := b.Members.RecordRedemption(ctx, ev.UserLogin, ev.UserID, ev.UserName); err != nil {
		errs = append(errs, err)
	}
	if b.AutoFulfill[ev.Reward.ID] && b.Redemptions != nil && ev.Status != twitchapi.RedemptionFulfill {
		bid := ev.BroadcasterUserID
		if bid == "" {
			bid = b.BroadcasterID
		}
		if err := b.Redemptions.UpdateRedemptionStatus(ctx, bid, ev.Reward.ID, []string{ev.ID}, twitchapi.RedemptionFulfill); err != nil {
			errs = append(errs, fmt.Errorf("fulfill redemption %s: %w", ev.ID, err))
		} else {
			telemetry.LoggerWithCorr(ctx).Info("redemption fulfilled", slog.String("login", ev.UserLogin), slog.String("reward", ev.Reward.Title))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) onRaid(ctx context.Context, n eventsub.Notification) error {
	var ev eventsub.RaidEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	if ev.FromBroadcasterUserLogin == "" {
		return nil
	}
	st, _ := b.Tracker.Current()
	if err := b.Ledger.NoteRaidParticipation(ctx, ev.FromBroadcasterUserLogin, st.StreamID); err != nil {
		return err
	}
	telemetry.LoggerWithCorr(ctx).Info("raid credited",
		slog.String("raider", ev.FromBroadcasterUserLogin),
		slog.Int("viewers", ev.Viewers),
		slog.String("stream_id", st.StreamID))
	return nil
}

func (b *Bot) onStreamOnline(_ context.Context, n eventsub.Notification) error {
	var ev eventsub.StreamOnlineEvent
	if err := n.Decode(&ev); err != nil {
		return err
	}
	b.Tracker.StreamOnline(live.State{StreamID: ev.ID, StartedAt: ev.StartedAt})
	return nil
}

func (b *Bot) onStreamOffline(_ context.Context, _ eventsub.Notification) error {
	b.Tracker.StreamOffline()
	return nil
}

// AwardCard stores card on the member and, when it is new, announces it.
// The announcement runs in the background; the returned card is the stored one.
func (b *Bot) AwardCard(ctx context.Context, login string, card members.Card) (members.Card, bool, error) {
	stored, created, err := b.Members.AwardCard(ctx, login, card)
	if err != nil {
		return members.Card{}, false, err
	}
	if created && b.Announcer != nil {
		if _, err := b.Announcer.Announce(ctx, login); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("card announce failed", slog.String("login", login), slog.Any("err", err))
		}
	}
	return stored, created, nil
}

func subKey(login string) string { return "sub:" + members.Normalize(login) }

func displayName(name, login string) string {
	if name != "" {
		return name
	}
	return login
}
