package members

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/streamquest/docstore"
	"github.com/onnwee/streamquest/telemetry"
)

const (
	// LinkCollection maps a Discord user id to the login it is linked to.
	LinkCollection = "discord_links"
	// NewcomerCollection keeps one document per Discord user who joined the guild.
	NewcomerCollection = "new_users"
	// CatalogCollection holds card templates, keyed by card id.
	CatalogCollection = "cards_collections"
)

var (
	// ErrDiscordLinked is returned when the Discord account belongs to another member.
	ErrDiscordLinked = errors.New("members: discord account linked to another member")
	// ErrUnknownCard is returned when the catalog has no such card.
	ErrUnknownCard = errors.New("members: unknown card")
)

// GamePlay counts how often a member was seen playing a game on Discord.
type GamePlay struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Newcomer is a Discord user who just joined the guild.
type Newcomer struct {
	DiscordID string
	Username  string
	AvatarURL string
	JoinedAt  time.Time
}

type link struct {
	Login string `json:"login"`
}

func linkPath(discordID string) string { return LinkCollection + "/" + discordID }

func validDiscordID(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}

// LinkDiscord stores the member's Discord user id, used to mention them and
// to attribute Discord activity. Relinking moves the reverse link.
func (r *Repository) LinkDiscord(ctx context.Context, login, discordID string) error {
	login = Normalize(login)
	discordID = strings.TrimSpace(discordID)
	if login == "" || !validDiscordID(discordID) {
		return errors.New("link discord: login and discord id are required")
	}
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		m, err := r.readTx(ctx, tx, login)
		if err != nil {
			return err
		}
		owner, err := linkOwnerTx(ctx, tx, discordID)
		if err != nil {
			return err
		}
		if owner != "" && owner != login {
			return ErrDiscordLinked
		}
		if m.DiscordID != "" && m.DiscordID != discordID && validDiscordID(m.DiscordID) {
			tx.Set(linkPath(m.DiscordID), docstore.Doc{"login": ""})
		}
		tx.Set(linkPath(discordID), docstore.Doc{"login": login})
		tx.Update(Path(login), docstore.Doc{"discord_id": discordID})
		return nil
	})
	if errors.Is(err, ErrUnknownMember) || errors.Is(err, ErrDiscordLinked) {
		return err
	}
	if err != nil {
		return fmt.Errorf("link discord %s: %w", login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("discord_link").Inc()
	r.log.Info("discord account linked", slog.String("login", login), slog.String("discord_id", discordID))
	return nil
}

func linkOwnerTx(ctx context.Context, tx docstore.Tx, discordID string) (string, error) {
	doc, err := tx.Get(ctx, linkPath(discordID))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var l link
	if err := docstore.Decode(doc, &l); err != nil {
		return "", err
	}
	return l.Login, nil
}

// FindByDiscordID returns the login linked to discordID, ErrUnknownMember
// when there is none.
func (r *Repository) FindByDiscordID(ctx context.Context, discordID string) (string, error) {
	if !validDiscordID(discordID) {
		return "", ErrUnknownMember
	}
	doc, err := r.store.Get(ctx, linkPath(discordID))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", ErrUnknownMember
	}
	if err != nil {
		return "", fmt.Errorf("find discord %s: %w", discordID, err)
	}
	var l link
	if err := docstore.Decode(doc, &l); err != nil {
		return "", err
	}
	if l.Login == "" {
		return "", ErrUnknownMember
	}
	return l.Login, nil
}

// RecordNewcomer stores a guild join once per username. It reports whether
// the record was created.
func (r *Repository) RecordNewcomer(ctx context.Context, n Newcomer) (bool, error) {
	key := Normalize(n.Username)
	if key == "" || strings.Contains(key, "/") {
		key = n.DiscordID
	}
	if !validDiscordID(key) {
		return false, errors.New("record newcomer: username or discord id required")
	}
	joined := n.JoinedAt
	if joined.IsZero() {
		joined = r.now()
	}
	path := NewcomerCollection + "/" + key
	created := false
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		created = false
		_, err := tx.Get(ctx, path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		tx.Set(path, docstore.Doc{
			"discord_id": n.DiscordID,
			"pseudo":     key,
			"avatar":     n.AvatarURL,
			"origin":     "discord",
			"joined_at":  joined.UTC(),
		})
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record newcomer %s: %w", key, err)
	}
	if created {
		telemetry.LedgerWrites.WithLabelValues("newcomer").Inc()
	}
	return created, nil
}

// CountDiscordMessage adds one to the linked member's Discord message count.
// Unlinked authors are skipped and reported as false.
func (r *Repository) CountDiscordMessage(ctx context.Context, discordID string) (bool, error) {
	login, err := r.FindByDiscordID(ctx, discordID)
	if errors.Is(err, ErrUnknownMember) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = r.store.Update(ctx, Path(login), docstore.Doc{"discord_count_message": docstore.Increment(1)})
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("count discord message %s: %w", login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("discord_message").Inc()
	return true, nil
}

// RecordGamePlayed bumps the games_history counter of game for the linked
// member and returns the new count. Unlinked users yield 0.
func (r *Repository) RecordGamePlayed(ctx context.Context, discordID, game string) (int, error) {
	game = strings.TrimSpace(game)
	if game == "" {
		return 0, nil
	}
	login, err := r.FindByDiscordID(ctx, discordID)
	if errors.Is(err, ErrUnknownMember) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count := 0
	err = r.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		m, err := r.readTx(ctx, tx, login)
		if err != nil {
			return err
		}
		history := m.GamesHistory
		i := 0
		for i < len(history) && history[i].Name != game {
			i++
		}
		if i == len(history) {
			history = append(history, GamePlay{Name: game})
		}
		history[i].Count++
		count = history[i].Count

		out := make([]any, 0, len(history))
		for _, g := range history {
			out = append(out, map[string]any{"name": g.Name, "count": g.Count})
		}
		tx.Update(Path(login), docstore.Doc{"games_history": out})
		return nil
	})
	if errors.Is(err, ErrUnknownMember) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record game %s for %s: %w", game, login, err)
	}
	telemetry.LedgerWrites.WithLabelValues("game").Inc()
	return count, nil
}

// CatalogCard returns the card template stored under id.
func (r *Repository) CatalogCard(ctx context.Context, id string) (Card, error) {
	doc, err := r.store.Get(ctx, CatalogCollection+"/"+id)
	if errors.Is(err, docstore.ErrNotFound) {
		return Card{}, ErrUnknownCard
	}
	if err != nil {
		return Card{}, fmt.Errorf("catalog card %s: %w", id, err)
	}
	var c Card
	if err := docstore.Decode(doc, &c); err != nil {
		return Card{}, fmt.Errorf("decode catalog card %s: %w", id, err)
	}
	c.ID = id
	c.AwardedAt = time.Time{}
	c.NotifiedAt = nil
	return c, nil
}
