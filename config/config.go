// Package config loads environment variables and provides a typed Config used across the service.
// It applies defaults so the binary can run locally with minimal setup (in-memory store, no
// Discord, no Redis). Use ValidateTwitchAuth and ValidateWebhook before starting the parts that
// need them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPAddr       string
	InternalAPIKey string

	// Twitch application and channel
	TwitchClientID      string
	TwitchClientSecret  string
	TwitchRedirectURI   string
	TwitchScopes        string
	TwitchChannel       string // broadcaster login, also the IRC channel
	TwitchBroadcasterID string
	TwitchModeratorID   string
	TwitchBotUsername   string // empty joins chat anonymously

	// EventSub
	EventSubSecret      string
	EventSubCallbackURL string
	EventSubDedupTTL    time.Duration

	// Credential record
	CredentialPath  string
	EncryptionKey   string
	RefreshInterval time.Duration
	RefreshWindow   time.Duration

	// Storage
	DBDsn    string // empty selects the in-memory document store
	RedisURL string // empty keeps webhook dedup in process

	// Discord
	DiscordToken          string
	DiscordGuildID        string
	DiscordGeneralChannel string
	DiscordLogChannel     string
	DiscordWelcomeChannel string // public greeting of newcomers; empty skips it
	CommunitySiteURL      string // linked from the private welcome
	OldMemberInterval     time.Duration

	// Activity
	PresenceInterval     time.Duration
	ClipInterval         time.Duration
	AutoFulfillRewardIDs []string

	// Notifications
	DebounceDelay        time.Duration
	NotificationCooldown time.Duration
	CardCollectionURL    string // linked from card announcements

	// Telemetry
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

// Load reads environment variables and applies defaults. Missing optional variables disable
// features (Discord delivery, Redis dedup, Postgres persistence).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPAddr = getenv("HTTP_ADDR", ":8080")
	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchScopes = getenv("TWITCH_SCOPES",
		"moderator:read:chatters moderator:read:followers channel:read:subscriptions channel:manage:redemptions")
	cfg.TwitchChannel = strings.ToLower(os.Getenv("TWITCH_CHANNEL"))
	cfg.TwitchBroadcasterID = os.Getenv("TWITCH_BROADCASTER_ID")
	cfg.TwitchModeratorID = os.Getenv("TWITCH_MODERATOR_ID")
	if cfg.TwitchModeratorID == "" {
		cfg.TwitchModeratorID = cfg.TwitchBroadcasterID
	}
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")

	cfg.EventSubSecret = os.Getenv("EVENTSUB_SECRET")
	cfg.EventSubCallbackURL = os.Getenv("EVENTSUB_CALLBACK_URL")

	cfg.CredentialPath = getenv("CREDENTIAL_PATH", "settings/twitch_moderator")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.DiscordToken = os.Getenv("DISCORD_TOKEN")
	cfg.DiscordGuildID = os.Getenv("DISCORD_GUILD_ID")
	cfg.DiscordGeneralChannel = os.Getenv("DISCORD_GENERAL_CHANNEL_ID")
	cfg.DiscordLogChannel = os.Getenv("DISCORD_LOG_CHANNEL_ID")
	cfg.DiscordWelcomeChannel = os.Getenv("DISCORD_WELCOME_CHANNEL_ID")
	cfg.CommunitySiteURL = os.Getenv("COMMUNITY_SITE_URL")

	cfg.CardCollectionURL = os.Getenv("CARD_COLLECTION_URL")
	cfg.AutoFulfillRewardIDs = splitList(os.Getenv("AUTO_FULFILL_REWARD_IDS"))
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPInsecure = getenv("OTEL_EXPORTER_OTLP_INSECURE", "true") != "false"
	cfg.TraceSampleRatio = 1
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			return nil, fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG %q: want a ratio between 0 and 1", v)
		}
		cfg.TraceSampleRatio = r
	}

	durations := []struct {
		env string
		def time.Duration
		dst *time.Duration
	}{
		{"EVENTSUB_DEDUP_TTL", 5 * time.Minute, &cfg.EventSubDedupTTL},
		{"TOKEN_REFRESH_INTERVAL", 5 * time.Minute, &cfg.RefreshInterval},
		{"TOKEN_REFRESH_WINDOW", 15 * time.Minute, &cfg.RefreshWindow},
		{"PRESENCE_INTERVAL", 5 * time.Minute, &cfg.PresenceInterval},
		{"CLIP_INTERVAL", 10 * time.Minute, &cfg.ClipInterval},
		{"NOTIFY_DEBOUNCE", 3500 * time.Millisecond, &cfg.DebounceDelay},
		{"NOTIFY_COOLDOWN", 10 * time.Second, &cfg.NotificationCooldown},
		{"OLD_MEMBER_INTERVAL", 24 * time.Hour, &cfg.OldMemberInterval},
	}
	for _, d := range durations {
		v, err := getDuration(d.env, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	return cfg, nil
}

// ValidateTwitchAuth checks the fields needed for the consent flow and token refresh.
func (c *Config) ValidateTwitchAuth() error {
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.TwitchClientSecret == "" {
		missing = append(missing, "TWITCH_CLIENT_SECRET")
	}
	if c.TwitchRedirectURI == "" {
		missing = append(missing, "TWITCH_REDIRECT_URI")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing twitch env: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateWebhook checks the fields needed to verify and subscribe EventSub webhooks.
func (c *Config) ValidateWebhook() error {
	if c.EventSubSecret == "" {
		return fmt.Errorf("missing EVENTSUB_SECRET")
	}
	// Twitch requires a secret between 10 and 100 characters.
	if n := len(c.EventSubSecret); n < 10 || n > 100 {
		return fmt.Errorf("EVENTSUB_SECRET must be 10-100 characters, got %d", n)
	}
	if c.EventSubCallbackURL != "" && !strings.HasPrefix(c.EventSubCallbackURL, "https://") {
		return fmt.Errorf("EVENTSUB_CALLBACK_URL must use https")
	}
	return nil
}

// DiscordEnabled reports whether a Discord bot token is configured.
func (c *Config) DiscordEnabled() bool { return c.DiscordToken != "" }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
