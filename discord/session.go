// Package discord adapts a discordgo session to the notify.Messenger gateway,
// relays direct messages sent to the bot into the operator log channel and
// forwards guild activity (joins, messages, games played) to a Handler.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// api is the subset of *discordgo.Session used here.
type api interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
}

// Member is a guild member reduced to what the bot uses.
type Member struct {
	ID        string
	Username  string
	AvatarURL string
	Bot       bool
	JoinedAt  time.Time
}

// Handler receives guild activity. Calls for one event run on the gateway
// goroutine and must not block for long.
type Handler interface {
	MemberJoined(ctx context.Context, m Member) error
	MessageCounted(ctx context.Context, userID string) error
	GamePlayed(ctx context.Context, userID, game string) error
}

// guildMembersPage is the largest page the members endpoint returns.
const guildMembersPage = 1000

// Config selects the guild and channels.
type Config struct {
	Token          string
	GuildID        string
	GeneralChannel string
	LogChannel     string
}

// Session is the bot's Discord connection.
type Session struct {
	cfg  Config
	dg   *discordgo.Session
	api  api
	self string
	now  func() time.Time
	log  *slog.Logger

	mu      sync.Mutex
	handler Handler
	// playing is the last game seen per user, so a game counts once per session.
	playing map[string]string
}

// Open connects to the gateway and starts relaying DMs.
func Open(cfg Config) (*Session, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token empty")
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	s := newSession(cfg, dg)
	s.dg = dg
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		s.self = r.User.ID
		s.log.Info("discord connected", slog.String("user", r.User.String()), slog.Int("guilds", len(r.Guilds)))
	})
	dg.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.relayDirectMessage(ctx, m.Message); err != nil {
			s.log.Error("dm relay failed", slog.Any("err", err))
		}
		if err := s.onMessage(ctx, m.Message); err != nil {
			s.log.Warn("message count failed", slog.Any("err", err))
		}
	})
	dg.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.onMemberAdd(ctx, m.Member); err != nil {
			s.log.Error("welcome failed", slog.Any("err", err))
		}
	})
	dg.AddHandler(func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.onPresence(ctx, p); err != nil {
			s.log.Warn("presence update failed", slog.Any("err", err))
		}
	})
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	return s, nil
}

func newSession(cfg Config, a api) *Session {
	return &Session{
		cfg:     cfg,
		api:     a,
		now:     time.Now,
		log:     slog.Default().With(slog.String("component", "discord")),
		playing: make(map[string]string),
	}
}

// Route sends guild activity to h. Events arriving before Route are dropped.
func (s *Session) Route(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Session) route() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Close disconnects from the gateway.
func (s *Session) Close() error {
	if s.dg == nil {
		return nil
	}
	return s.dg.Close()
}

// GeneralChannel returns the configured announcement channel.
func (s *Session) GeneralChannel() string { return s.cfg.GeneralChannel }

// SendChannel posts content in channelID.
func (s *Session) SendChannel(ctx context.Context, channelID, content string) error {
	if channelID == "" {
		return errors.New("discord channel id empty")
	}
	if _, err := s.api.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send to channel %s: %w", channelID, err)
	}
	return nil
}

// SendDirect opens a DM channel with userID and posts content.
func (s *Session) SendDirect(ctx context.Context, userID, content string) error {
	ch, err := s.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", userID, err)
	}
	if _, err := s.api.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send dm to %s: %w", userID, err)
	}
	return nil
}

// FetchMember looks userID up in the configured guild.
func (s *Session) FetchMember(ctx context.Context, userID string) (*discordgo.Member, error) {
	m, err := s.api.GuildMember(s.cfg.GuildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch member %s: %w", userID, err)
	}
	return m, nil
}

// MemberName returns the member's nickname, global name or username.
func (s *Session) MemberName(ctx context.Context, userID string) (string, error) {
	m, err := s.FetchMember(ctx, userID)
	if err != nil {
		return "", err
	}
	switch {
	case m.Nick != "":
		return m.Nick, nil
	case m.User == nil:
		return userID, nil
	case m.User.GlobalName != "":
		return m.User.GlobalName, nil
	}
	return m.User.String(), nil
}

// relayDirectMessage copies a DM received by the bot into the log channel.
// Guild messages and the bot's own messages are ignored.
func (s *Session) relayDirectMessage(ctx context.Context, m *discordgo.Message) error {
	if m == nil || m.GuildID != "" || m.Author == nil || m.Author.ID == s.self || m.Author.Bot {
		return nil
	}
	if s.cfg.LogChannel == "" {
		return nil
	}
	s.log.Info("dm received", slog.String("author", m.Author.String()))
	content := fmt.Sprintf("📩 **DM from %s** at <t:%d:F>:\n> %s", m.Author.String(), s.now().Unix(), m.Content)
	return s.SendChannel(ctx, s.cfg.LogChannel, content)
}

// inGuild reports whether guildID is the configured guild (any guild when
// none is configured).
func (s *Session) inGuild(guildID string) bool {
	return guildID != "" && (s.cfg.GuildID == "" || guildID == s.cfg.GuildID)
}

func (s *Session) onMessage(ctx context.Context, m *discordgo.Message) error {
	h := s.route()
	if h == nil || m == nil || m.Author == nil || m.Author.Bot || !s.inGuild(m.GuildID) {
		return nil
	}
	return h.MessageCounted(ctx, m.Author.ID)
}

func (s *Session) onMemberAdd(ctx context.Context, m *discordgo.Member) error {
	h := s.route()
	if h == nil || m == nil || m.User == nil || m.User.Bot || !s.inGuild(m.GuildID) {
		return nil
	}
	s.log.Info("member joined", slog.String("user", m.User.String()))
	return h.MemberJoined(ctx, toMember(m, s.now()))
}

func (s *Session) onPresence(ctx context.Context, p *discordgo.PresenceUpdate) error {
	h := s.route()
	if h == nil || p == nil || p.User == nil || !s.inGuild(p.GuildID) {
		return nil
	}
	game := ""
	for _, a := range p.Activities {
		if a != nil && a.Type == discordgo.ActivityTypeGame && a.Name != "" {
			game = a.Name
			break
		}
	}
	s.mu.Lock()
	last := s.playing[p.User.ID]
	if game == "" {
		delete(s.playing, p.User.ID)
	} else {
		s.playing[p.User.ID] = game
	}
	s.mu.Unlock()
	if game == "" || game == last {
		return nil
	}
	return h.GamePlayed(ctx, p.User.ID, game)
}

// GuildMembers lists every member of the configured guild.
func (s *Session) GuildMembers(ctx context.Context) ([]Member, error) {
	if s.cfg.GuildID == "" {
		return nil, errors.New("discord guild id empty")
	}
	now := s.now()
	var out []Member
	after := ""
	for {
		page, err := s.api.GuildMembers(s.cfg.GuildID, after, guildMembersPage, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list guild members: %w", err)
		}
		for _, m := range page {
			if m == nil || m.User == nil {
				continue
			}
			out = append(out, toMember(m, now))
			after = m.User.ID
		}
		if len(page) < guildMembersPage {
			return out, nil
		}
	}
}

func toMember(m *discordgo.Member, now time.Time) Member {
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = now
	}
	return Member{
		ID:        m.User.ID,
		Username:  m.User.Username,
		AvatarURL: m.User.AvatarURL("512"),
		Bot:       m.User.Bot,
		JoinedAt:  joined,
	}
}
