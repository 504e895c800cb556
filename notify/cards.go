package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/queue"
	"github.com/onnwee/streamquest/telemetry"
)

// CardStore is the part of members.Repository the announcer needs.
type CardStore interface {
	Get(ctx context.Context, login string) (members.Member, error)
	PendingCards(ctx context.Context, login string) ([]members.Card, error)
	MarkCardNotified(ctx context.Context, login, cardID string, at time.Time) (bool, error)
}

// CardAnnouncer posts newly awarded cards to the general channel, once per
// card. Announcements sharing a card title and member run one at a time.
type CardAnnouncer struct {
	Cards         CardStore
	Queue         *queue.Keyed
	Messenger     Messenger
	ChannelID     string
	CollectionURL string
	// Direct, when set, also sends the member a private note.
	Direct *Deliverer
	Now    func() time.Time
}

// Announce queues an announcement for each pending card of login and
// returns how many were queued. Members without a linked Discord account
// keep their cards pending.
func (a *CardAnnouncer) Announce(ctx context.Context, login string) (int, error) {
	m, err := a.Cards.Get(ctx, login)
	if err != nil {
		return 0, err
	}
	if m.DiscordID == "" {
		return 0, nil
	}
	cards, err := a.Cards.PendingCards(ctx, login)
	if err != nil {
		return 0, err
	}
	// queued tasks outlive the caller's request
	taskCtx := context.WithoutCancel(ctx)
	for _, card := range cards {
		card := card
		done := a.Queue.Enqueue(taskCtx, card.QueueKey(login), func(ctx context.Context) error {
			return a.announce(ctx, login, card.ID)
		})
		go a.report(ctx, login, card.ID, done)
	}
	return len(cards), nil
}

func (a *CardAnnouncer) report(ctx context.Context, login, cardID string, done <-chan error) {
	if err := <-done; err != nil {
		telemetry.LoggerWithCorr(ctx).Error("card announcement failed",
			slog.String("component", "card_announcer"),
			slog.String("login", login),
			slog.String("card_id", cardID),
			slog.Any("err", err))
	}
}

// announce re-reads the card so a concurrent announcement is not repeated.
func (a *CardAnnouncer) announce(ctx context.Context, login, cardID string) error {
	m, err := a.Cards.Get(ctx, login)
	if err != nil {
		return err
	}
	var card *members.Card
	for i := range m.Cards {
		if m.Cards[i].ID == cardID {
			card = &m.Cards[i]
			break
		}
	}
	if card == nil {
		return fmt.Errorf("card %s no longer on %s", cardID, login)
	}
	if card.NotifiedAt != nil {
		return nil
	}
	if err := a.Messenger.SendChannel(ctx, a.ChannelID, a.message(m, *card)); err != nil {
		telemetry.Notifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("post card announcement: %w", err)
	}
	telemetry.Notifications.WithLabelValues("sent").Inc()

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	marked, err := a.Cards.MarkCardNotified(ctx, login, cardID, now())
	if err != nil {
		return err
	}
	if !marked {
		return errors.New("card was marked by another announcer")
	}
	if a.Direct != nil {
		if err := a.Direct.Direct(ctx, m.DiscordID, a.directMessage(*card)); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("card dm failed", slog.String("login", login), slog.Any("err", err))
		}
	}
	return nil
}

func (a *CardAnnouncer) directMessage(card members.Card) string {
	msg := "🃏 You earned a new card"
	if card.Title != "" {
		msg += ": **" + card.Title + "**"
	}
	msg += "!"
	if a.CollectionURL != "" {
		msg += " " + a.CollectionURL
	}
	return msg
}

func (a *CardAnnouncer) message(m members.Member, card members.Card) string {
	mention := "<@" + m.DiscordID + ">"
	msg := "🎉 " + mention + " just earned a new card!"
	if card.Title != "" {
		msg = "🎉 " + mention + " just earned the **" + card.Title + "** card!"
	}
	if a.CollectionURL != "" {
		msg += "\n👉 Check your collection: " + a.CollectionURL
	}
	return msg
}
