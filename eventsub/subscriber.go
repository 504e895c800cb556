package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/onnwee/streamquest/twitchapi"
)

// Spec describes one subscription the channel needs.
type Spec struct {
	Type      string
	Version   string
	Condition map[string]string
}

// SubscriptionAPI is the part of the Helix client the Subscriber uses.
// Subscriptions must be managed with an app access token.
type SubscriptionAPI interface {
	ListEventSubSubscriptions(ctx context.Context, typ string) ([]twitchapi.EventSubSubscription, error)
	CreateEventSubSubscription(ctx context.Context, sub twitchapi.EventSubSubscription) (*twitchapi.EventSubSubscription, error)
}

// Subscriber creates missing webhook subscriptions.
type Subscriber struct {
	API      SubscriptionAPI
	Callback string
	Secret   string
}

// DefaultSpecs returns the subscriptions the bot handles for a broadcaster.
// moderatorID is required by channel.follow v2.
func DefaultSpecs(broadcasterID, moderatorID string) []Spec {
	b := map[string]string{"broadcaster_user_id": broadcasterID}
	return []Spec{
		{Type: TypeFollow, Version: "2", Condition: map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": moderatorID}},
		{Type: TypeSubscribe, Version: "1", Condition: b},
		{Type: TypeSubscriptionMessage, Version: "1", Condition: b},
		{Type: TypeSubscriptionGift, Version: "1", Condition: b},
		{Type: TypeRedemptionAdd, Version: "1", Condition: b},
		{Type: TypeRaid, Version: "1", Condition: map[string]string{"to_broadcaster_user_id": broadcasterID}},
		{Type: TypeStreamOnline, Version: "1", Condition: b},
		{Type: TypeStreamOffline, Version: "1", Condition: b},
	}
}

// Ensure creates every spec without an active subscription pointing at the
// configured callback. It returns the number of subscriptions created. A
// failure on one spec does not stop the others.
func (s *Subscriber) Ensure(ctx context.Context, specs []Spec) (int, error) {
	if s.API == nil || s.Callback == "" || s.Secret == "" {
		return 0, errors.New("eventsub subscriber not configured")
	}
	log := slog.Default().With(slog.String("component", "eventsub_subscriber"))
	var errs []error
	created := 0
	for _, spec := range specs {
		existing, err := s.API.ListEventSubSubscriptions(ctx, spec.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", spec.Type, err))
			continue
		}
		if s.covered(spec, existing) {
			log.Debug("subscription present", slog.String("type", spec.Type))
			continue
		}
		sub, err := s.API.CreateEventSubSubscription(ctx, twitchapi.EventSubSubscription{
			Type:      spec.Type,
			Version:   spec.Version,
			Condition: spec.Condition,
			Transport: twitchapi.EventSubTransport{Method: "webhook", Callback: s.Callback, Secret: s.Secret},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", spec.Type, err))
			continue
		}
		created++
		log.Info("subscription created", slog.String("type", spec.Type), slog.String("id", sub.ID), slog.String("status", sub.Status))
	}
	return created, errors.Join(errs...)
}

func (s *Subscriber) covered(spec Spec, existing []twitchapi.EventSubSubscription) bool {
	for _, e := range existing {
		if e.Type != spec.Type || e.Version != spec.Version || e.Transport.Callback != s.Callback {
			continue
		}
		switch e.Status {
		case "enabled", "webhook_callback_verification_pending":
		default:
			continue
		}
		if maps.Equal(e.Condition, spec.Condition) {
			return true
		}
	}
	return false
}
