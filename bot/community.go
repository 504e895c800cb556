package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/onnwee/streamquest/discord"
	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/telemetry"
)

// OldMemberCardID is the catalog card given to guild members of more than a year.
const OldMemberCardID = "discord_old_member"

const oldMemberAge = 365 * 24 * time.Hour

// Community is the Discord side of the member records.
type Community interface {
	LinkDiscord(ctx context.Context, login, discordID string) error
	FindByDiscordID(ctx context.Context, discordID string) (string, error)
	RecordNewcomer(ctx context.Context, n members.Newcomer) (bool, error)
	CountDiscordMessage(ctx context.Context, discordID string) (bool, error)
	RecordGamePlayed(ctx context.Context, discordID, game string) (int, error)
	CatalogCard(ctx context.Context, id string) (members.Card, error)
}

// DirectSender delivers a private message, falling back to the log channel.
type DirectSender interface {
	Direct(ctx context.Context, userID, content string) error
}

// ChannelSender posts in a channel.
type ChannelSender interface {
	SendChannel(ctx context.Context, channelID, content string) error
}

// Welcome configures how guild newcomers are greeted. Empty senders skip
// that greeting.
type Welcome struct {
	Direct    DirectSender
	Channels  ChannelSender
	ChannelID string
	// SiteURL is linked from the private welcome.
	SiteURL string
}

// LinkDiscord links login to a Discord account and announces the cards that
// were waiting for it. It returns how many announcements were queued.
func (b *Bot) LinkDiscord(ctx context.Context, login, discordID string) (int, error) {
	if err := b.Community.LinkDiscord(ctx, login, discordID); err != nil {
		return 0, err
	}
	if b.Announcer == nil {
		return 0, nil
	}
	n, err := b.Announcer.Announce(ctx, login)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("card announce after link failed", slog.String("login", login), slog.Any("err", err))
		return 0, nil
	}
	return n, nil
}

// MemberJoined records a guild newcomer and greets them privately and in the
// welcome channel.
func (b *Bot) MemberJoined(ctx context.Context, m discord.Member) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "welcome"), slog.String("discord_id", m.ID))
	var errs []error
	created, err := b.Community.RecordNewcomer(ctx, members.Newcomer{
		DiscordID: m.ID,
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
		JoinedAt:  m.JoinedAt,
	})
	if err != nil {
		errs = append(errs, err)
	}
	log.Info("newcomer", slog.String("username", m.Username), slog.Bool("first_join", created))

	if b.Welcome.Direct != nil {
		if err := b.Welcome.Direct.Direct(ctx, m.ID, welcomeDirectMessage(m.Username, b.Welcome.SiteURL)); err != nil {
			errs = append(errs, fmt.Errorf("welcome dm: %w", err))
		}
	}
	if b.Welcome.Channels != nil && b.Welcome.ChannelID != "" {
		//nolint:gosec // G404: greeting choice needs no crypto randomness
		msg := welcomePublicMessage(m.ID, rand.IntN(len(welcomeLines)))
		if err := b.Welcome.Channels.SendChannel(ctx, b.Welcome.ChannelID, msg); err != nil {
			errs = append(errs, fmt.Errorf("public welcome: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MessageCounted credits a Discord message to the linked member.
func (b *Bot) MessageCounted(ctx context.Context, userID string) error {
	_, err := b.Community.CountDiscordMessage(ctx, userID)
	return err
}

// GamePlayed records a game session of the linked member.
func (b *Bot) GamePlayed(ctx context.Context, userID, game string) error {
	n, err := b.Community.RecordGamePlayed(ctx, userID, game)
	if err != nil {
		return err
	}
	if n > 0 {
		telemetry.LoggerWithCorr(ctx).Debug("game played", slog.String("discord_id", userID), slog.String("game", game), slog.Int("count", n))
	}
	return nil
}

// AwardOldMembers gives the old member card to every linked, non-bot guild
// member who joined more than a year ago. Members holding the card already are
// skipped by the card id. It returns how many cards were awarded.
func (b *Bot) AwardOldMembers(ctx context.Context, guild []discord.Member) (int, error) {
	card, err := b.Community.CatalogCard(ctx, OldMemberCardID)
	if err != nil {
		return 0, fmt.Errorf("old member card: %w", err)
	}
	cutoff := b.now().Add(-oldMemberAge)
	awarded := 0
	var errs []error
	for _, m := range guild {
		if m.Bot || m.JoinedAt.IsZero() || !m.JoinedAt.Before(cutoff) {
			continue
		}
		login, err := b.Community.FindByDiscordID(ctx, m.ID)
		if errors.Is(err, members.ErrUnknownMember) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, created, err := b.AwardCard(ctx, login, card)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if created {
			awarded++
			telemetry.LoggerWithCorr(ctx).Info("old member card awarded", slog.String("login", login), slog.String("discord_id", m.ID))
		}
	}
	return awarded, errors.Join(errs...)
}

// RunOldMemberAwards runs AwardOldMembers now and then every interval until
// ctx is done. list returns the current guild members.
func (b *Bot) RunOldMemberAwards(ctx context.Context, list func(context.Context) ([]discord.Member, error), every time.Duration) {
	log := slog.With(slog.String("component", "old_member_awards"))
	run := func() {
		guild, err := list(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("list guild members failed", slog.Any("err", err))
			}
			return
		}
		n, err := b.AwardOldMembers(ctx, guild)
		if err != nil && ctx.Err() == nil {
			log.Warn("old member awards incomplete", slog.Any("err", err))
		}
		log.Info("old member awards done", slog.Int("members", len(guild)), slog.Int("awarded", n))
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (b *Bot) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
