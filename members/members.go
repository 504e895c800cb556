// Package members keeps the per-viewer records in followers_all_time: follow
// dates, subscription state, redemption flags and the awarded cards.
package members

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamquest/docstore"
	"github.com/onnwee/streamquest/telemetry"
)

// Collection holds one document per lowercase login.
const Collection = "followers_all_time"

// ErrUnknownMember is returned when an operation needs an existing record.
var ErrUnknownMember = errors.New("members: unknown member")

// Path returns the document path for login.
func Path(login string) string {
	return Collection + "/" + Normalize(login)
}

// Normalize lowercases and trims a login.
func Normalize(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Card is one collectible awarded to a member.
type Card struct {
	ID            string     `json:"id"`
	Title         string     `json:"title,omitempty"`
	IsSub         bool       `json:"is_sub,omitempty"`
	HasRedemption bool       `json:"has_redemption,omitempty"`
	AwardedAt     time.Time  `json:"awarded_at"`
	NotifiedAt    *time.Time `json:"notified_at,omitempty"`
}

// QueueKey identifies the card for announcement serialization.
func (c Card) QueueKey(login string) string {
	title := c.Title
	if title == "" {
		title = fmt.Sprintf("%t_%t", c.IsSub, c.HasRedemption)
	}
	return title + Normalize(login)
}

// Member is the decoded record.
type Member struct {
	Pseudo           string     `json:"pseudo"`
	TwitchID         string     `json:"twitch_id,omitempty"`
	DiscordID        string     `json:"discord_id,omitempty"`
	DisplayName      string     `json:"display_name,omitempty"`
	FollowDate       *time.Time `json:"follow_date,omitempty"`
	LastFollowedAt   *time.Time `json:"last_followed_at,omitempty"`
	IsSub            bool       `json:"is_sub,omitempty"`
	SubTier          string     `json:"sub_tier,omitempty"`
	SubMonths        int        `json:"sub_months,omitempty"`
	SubStreak        int        `json:"sub_streak,omitempty"`
	LastSubAt        *time.Time `json:"last_sub_at,omitempty"`
	LastSubIsGift    bool       `json:"last_sub_is_gift,omitempty"`
	HasRedemption    bool       `json:"has_redemption,omitempty"`
	LastRedemptionAt *time.Time `json:"last_redemption_at,omitempty"`
	DiscordMessages  int64      `json:"discord_count_message,omitempty"`
	GamesHistory     []GamePlay `json:"games_history,omitempty"`
	Cards            []Card     `json:"cards_generated"`
}

// Repository reads and writes member records.
type Repository struct {
	store docstore.Store
	now   func() time.Time
	log   *slog.Logger
}

// NewRepository returns a repository over store.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{
		store: store,
		now:   time.Now,
		log:   slog.Default().With(slog.String("component", "members")),
	}
}

// WithClock replaces time.Now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Get returns the member for login, ErrUnknownMember when missing.
func (r *Repository) Get(ctx context.Context, login string) (Member, error) {
	doc, err := r.store.Get(ctx, Path(login))
	if errors.Is(err, docstore.ErrNotFound) {
		return Member{}, ErrUnknownMember
	}
	if err != nil {
		return Member{}, fmt.Errorf("get member %s: %w", login, err)
	}
	return decodeMember(doc)
}

func decodeMember(doc docstore.Doc) (Member, error) {
	var m Member
	if err := docstore.Decode(doc, &m); err != nil {
		return Member{}, err
	}
	return m, nil
}

// RecordFollow creates the record of a new follower, or refreshes
// last_followed_at when the viewer is already known. A known viewer without a
// follow_date gets one instead. It reports whether a record was created.
func (r *Repository) RecordFollow(ctx context.Context, login, userID string, followedAt time.Time) (bool, error) {
	login = Normalize(login)
	if login == "" {
		return false, errors.New("record follow: empty login")
	}
	if followedAt.IsZero() {
		followedAt = r.now()
	}
	followedAt = followedAt.UTC()
	created := false
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		doc, err := tx.Get(ctx, Path(login))
		if errors.Is(err, docstore.ErrNotFound) {
			created = true
			tx.Set(Path(login), docstore.Doc{
				"pseudo":          login,
				"twitch_id":       userID,
				"follow_date":     followedAt,
				"cards_generated": []any{},
			})
			return nil
		}
		if err != nil {
			return err
		}
		// Records made by chat activity carry no follow_date until the first follow.
		patch := docstore.Doc{"last_followed_at": followedAt}
		if doc["follow_date"] == nil {
			patch = docstore.Doc{"follow_date": followedAt}
		}
		if doc["twitch_id"] == nil && userID != "" {
			patch["twitch_id"] = userID
		}
		tx.Update(Path(login), patch)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record follow %s: %w", login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("follow").Inc()
	r.log.Info("follow recorded", slog.String("login", login), slog.Bool("new_member", created))
	return created, nil
}

// SubscriptionUpdate is one subscription event reduced to what the record keeps.
type SubscriptionUpdate struct {
	Login  string
	UserID string
	Tier   string
	Prime  bool
	// Months is the cumulative count. Zero means unknown and counts as 1.
	Months int
	// Streak is nil when the event carries none.
	Streak *int
	IsGift bool
}

// TierLabel maps Twitch tier codes to display labels.
func TierLabel(tier string, prime bool) string {
	if prime || strings.EqualFold(tier, "prime") {
		return "Prime"
	}
	switch tier {
	case "1000":
		return "Tier 1"
	case "2000":
		return "Tier 2"
	case "3000":
		return "Tier 3"
	}
	return ""
}

// RecordSubscription merges subscription state into the record, creating it
// when needed. Cumulative months never decrease.
func (r *Repository) RecordSubscription(ctx context.Context, u SubscriptionUpdate) error {
	login := Normalize(u.Login)
	if login == "" {
		return errors.New("record subscription: empty login")
	}
	months := u.Months
	if months <= 0 {
		months = 1
	}
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, Path(login))
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		existing := Member{}
		if doc != nil {
			if existing, err = decodeMember(doc); err != nil {
				return err
			}
		}
		update := docstore.Doc{
			"is_sub":           true,
			"sub_months":       max(existing.SubMonths, months),
			"last_sub_at":      r.now().UTC(),
			"last_sub_is_gift": u.IsGift,
		}
		if label := TierLabel(u.Tier, u.Prime); label != "" {
			update["sub_tier"] = label
		}
		if u.Streak != nil {
			update["sub_streak"] = *u.Streak
		}
		if existing.Pseudo == "" {
			update["pseudo"] = login
		}
		if existing.TwitchID == "" && u.UserID != "" {
			update["twitch_id"] = u.UserID
		}
		if doc == nil {
			update["cards_generated"] = []any{}
		}
		tx.Set(Path(login), update, docstore.Merge())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record subscription %s: %w", login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("subscription").Inc()
	return nil
}

// RecordRedemption flags the member as a channel point participant.
func (r *Repository) RecordRedemption(ctx context.Context, login, userID, displayName string) error {
	login = Normalize(login)
	if login == "" {
		return errors.New("record redemption: empty login")
	}
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, Path(login))
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		update := docstore.Doc{
			"pseudo":             login,
			"has_redemption":     true,
			"last_redemption_at": r.now().UTC(),
		}
		if displayName != "" {
			update["display_name"] = displayName
		}
		if userID != "" && (doc == nil || doc["twitch_id"] == nil) {
			update["twitch_id"] = userID
		}
		if doc == nil {
			update["cards_generated"] = []any{}
		}
		tx.Set(Path(login), update, docstore.Merge())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record redemption %s: %w", login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("redemption_participant").Inc()
	return nil
}

// AwardCard appends card unless a card with the same id is already present.
// An empty id gets a fresh one. It reports whether the card was added.
func (r *Repository) AwardCard(ctx context.Context, login string, card Card) (Card, bool, error) {
	login = Normalize(login)
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	if card.AwardedAt.IsZero() {
		card.AwardedAt = r.now().UTC()
	}
	card.NotifiedAt = nil
	added := false
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		added = false
		m, err := r.readTx(ctx, tx, login)
		if err != nil {
			return err
		}
		for _, c := range m.Cards {
			if c.ID == card.ID {
				return nil
			}
		}
		cards, err := encodeCards(append(m.Cards, card))
		if err != nil {
			return err
		}
		tx.Update(Path(login), docstore.Doc{"cards_generated": cards})
		added = true
		return nil
	})
	if err != nil {
		return Card{}, false, fmt.Errorf("award card to %s: %w", login, err)
	}
	if added {
		telemetry.LedgerWrites.WithLabelValues("card").Inc()
	}
	return card, added, nil
}

// PendingCards returns the cards not yet announced, in award order.
func (r *Repository) PendingCards(ctx context.Context, login string) ([]Card, error) {
	m, err := r.Get(ctx, login)
	if err != nil {
		return nil, err
	}
	var out []Card
	for _, c := range m.Cards {
		if c.NotifiedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// MarkCardNotified sets notified_at on the card. It reports false when the
// card was already marked or does not exist, so a card is marked once.
func (r *Repository) MarkCardNotified(ctx context.Context, login, cardID string, at time.Time) (bool, error) {
	login = Normalize(login)
	marked := false
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		marked = false
		m, err := r.readTx(ctx, tx, login)
		if err != nil {
			return err
		}
		for i := range m.Cards {
			if m.Cards[i].ID != cardID {
				continue
			}
			if m.Cards[i].NotifiedAt != nil {
				return nil
			}
			ts := at.UTC()
			m.Cards[i].NotifiedAt = &ts
			cards, err := encodeCards(m.Cards)
			if err != nil {
				return err
			}
			tx.Update(Path(login), docstore.Doc{"cards_generated": cards})
			marked = true
			return nil
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark card %s notified: %w", cardID, err)
	}
	return marked, nil
}

func (r *Repository) readTx(ctx context.Context, tx docstore.Tx, login string) (Member, error) {
	doc, err := tx.Get(ctx, Path(login))
	if errors.Is(err, docstore.ErrNotFound) {
		return Member{}, ErrUnknownMember
	}
	if err != nil {
		return Member{}, err
	}
	return decodeMember(doc)
}

func encodeCards(cards []Card) ([]any, error) {
	out := make([]any, 0, len(cards))
	for _, c := range cards {
		doc, err := docstore.Encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any(doc))
	}
	return out, nil
}
