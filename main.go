// Command streamquest runs the community bot.
// It:
//   - Loads configuration and initializes structured logging and tracing.
//   - Opens the document store (Postgres JSONB when DB_DSN is set, in-memory otherwise).
//   - Keeps the moderator token fresh and serves it to sibling services.
//   - Verifies EventSub webhooks and turns them into member records, ledger
//     entries and Discord notifications.
//   - Samples chat presence and clips while the channel is live and counts
//     emotes from IRC.
//   - Greets Discord newcomers, credits Discord messages and games to linked
//     members, and awards the old member card once a day.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamquest/activity"
	"github.com/onnwee/streamquest/bot"
	"github.com/onnwee/streamquest/chat"
	"github.com/onnwee/streamquest/config"
	"github.com/onnwee/streamquest/crypto"
	"github.com/onnwee/streamquest/db"
	"github.com/onnwee/streamquest/discord"
	"github.com/onnwee/streamquest/docstore"
	"github.com/onnwee/streamquest/eventsub"
	"github.com/onnwee/streamquest/live"
	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/notify"
	"github.com/onnwee/streamquest/oauth"
	"github.com/onnwee/streamquest/queue"
	"github.com/onnwee/streamquest/server"
	"github.com/onnwee/streamquest/telemetry"
	"github.com/onnwee/streamquest/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "streamquest",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := openStore(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open document store", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	// Credentials and token lifecycle
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set - tokens are stored in plaintext")
	}
	creds := oauth.NewCredentialStore(store, cfg.CredentialPath, enc)
	oauthCfg := &twitchapi.OAuthConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       twitchapi.ParseScopes(cfg.TwitchScopes),
	}
	if err := cfg.ValidateTwitchAuth(); err != nil {
		slog.Warn("twitch consent flow disabled", slog.Any("err", err))
	}
	tokens := oauth.NewManager(creds, oauthCfg.RefreshFunc(), oauth.WithIssuer(cfg.TwitchClientID))
	helix := &twitchapi.Client{Tokens: tokens, ClientID: cfg.TwitchClientID}

	// Webhook gate
	if err := cfg.ValidateWebhook(); err != nil {
		slog.Warn("eventsub webhook misconfigured", slog.Any("err", err))
	}
	seen, closeSeen := openDeliverySet(ctx, cfg)
	defer closeSeen()
	gate := eventsub.NewGate(cfg.EventSubSecret, seen)

	// Domain
	repo := members.NewRepository(store)
	ledger := activity.NewLedger(store)
	tracker := live.NewTracker(helix, ledger, cfg.TwitchBroadcasterID, cfg.TwitchModeratorID)

	send := func(ctx context.Context, content string) error {
		slog.Info("notification (discord disabled)", slog.String("content", content))
		return nil
	}
	var announcer bot.Announcer
	var welcome bot.Welcome
	var session *discord.Session
	if cfg.DiscordEnabled() {
		var err error
		session, err = discord.Open(discord.Config{
			Token:          cfg.DiscordToken,
			GuildID:        cfg.DiscordGuildID,
			GeneralChannel: cfg.DiscordGeneralChannel,
			LogChannel:     cfg.DiscordLogChannel,
		})
		if err != nil {
			slog.Error("discord connect failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := session.Close(); err != nil {
				slog.Error("discord close failed", slog.Any("err", err))
			}
		}()
		send = func(ctx context.Context, content string) error {
			return session.SendChannel(ctx, session.GeneralChannel(), content)
		}
		announcer = &notify.CardAnnouncer{
			Cards:         repo,
			Queue:         queue.NewKeyed(),
			Messenger:     session,
			ChannelID:     cfg.DiscordGeneralChannel,
			CollectionURL: cfg.CardCollectionURL,
			Direct:        &notify.Deliverer{Messenger: session, LogChannelID: cfg.DiscordLogChannel},
		}
		welcome = bot.Welcome{
			Direct:    &notify.Deliverer{Messenger: session, LogChannelID: cfg.DiscordLogChannel},
			Channels:  session,
			ChannelID: cfg.DiscordWelcomeChannel,
			SiteURL:   cfg.CommunitySiteURL,
		}
	} else {
		slog.Info("discord disabled (DISCORD_TOKEN not set)")
	}
	coalescer := notify.NewCoalescer(send,
		notify.WithDelay(cfg.DebounceDelay),
		notify.WithCooldown(cfg.NotificationCooldown),
	)
	defer coalescer.Stop()

	autoFulfill := make(map[string]bool, len(cfg.AutoFulfillRewardIDs))
	for _, id := range cfg.AutoFulfillRewardIDs {
		autoFulfill[id] = true
	}
	b := &bot.Bot{
		Members:       repo,
		Ledger:        ledger,
		Tracker:       tracker,
		Notifier:      coalescer,
		Redemptions:   helix,
		Announcer:     announcer,
		Community:     repo,
		Welcome:       welcome,
		BroadcasterID: cfg.TwitchBroadcasterID,
		AutoFulfill:   autoFulfill,
	}
	b.Register(gate)
	if session != nil {
		session.Route(b)
	}

	deps := server.Deps{
		Webhook:     gate,
		Tokens:      tokens,
		Credentials: creds,
		Cards:       b,
		Links:       b,
		Ping:        ping,
		APIKey:      cfg.InternalAPIKey,
	}
	if cfg.TwitchClientID != "" && cfg.TwitchRedirectURI != "" {
		deps.Consent = oauthCfg
	}
	mux := server.NewMux(ctx, deps)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	oauth.StartRefresher(ctx, tokens, cfg.RefreshInterval, cfg.RefreshWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, mux) })

	if cfg.TwitchBroadcasterID != "" {
		g.Go(func() error {
			tracker.Run(gctx, cfg.PresenceInterval, cfg.ClipInterval)
			return nil
		})
	} else {
		slog.Info("presence tracking disabled (TWITCH_BROADCASTER_ID not set)")
	}

	if session != nil && cfg.DiscordGuildID != "" {
		g.Go(func() error {
			b.RunOldMemberAwards(gctx, session.GuildMembers, cfg.OldMemberInterval)
			return nil
		})
	}

	if cfg.TwitchChannel != "" {
		listener := &chat.Listener{
			Channel:  cfg.TwitchChannel,
			Username: cfg.TwitchBotUsername,
			Token:    tokens.AccessToken,
			Ledger:   ledger,
			Stream:   tracker,
		}
		g.Go(func() error {
			if err := listener.Run(gctx); err != nil {
				slog.Error("chat listener stopped", slog.Any("err", err))
			}
			return nil
		})
	} else {
		slog.Info("chat listener disabled (TWITCH_CHANNEL not set)")
	}

	if cfg.EventSubCallbackURL != "" && cfg.TwitchClientSecret != "" && cfg.TwitchBroadcasterID != "" {
		// Webhook subscriptions require an app access token.
		appHelix := &twitchapi.Client{
			Tokens:   &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID: cfg.TwitchClientID,
		}
		sub := &eventsub.Subscriber{API: appHelix, Callback: cfg.EventSubCallbackURL, Secret: cfg.EventSubSecret}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, time.Minute)
			defer cancel()
			created, err := sub.Ensure(sctx, eventsub.DefaultSpecs(cfg.TwitchBroadcasterID, cfg.TwitchModeratorID))
			if err != nil {
				slog.Error("eventsub subscription setup failed", slog.Int("created", created), slog.Any("err", err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("shutting down after error", slog.Any("err", err))
		stop()
		return
	}
	slog.Info("shutting down")
}

// openStore selects Postgres when dsn is set and runs migrations.
func openStore(ctx context.Context, dsn string) (docstore.Store, func(context.Context) error, func(), error) {
	if dsn == "" {
		slog.Warn("DB_DSN not set - using in-memory document store, state is lost on restart")
		mem := docstore.NewMemory()
		ping := func(ctx context.Context) error {
			_, err := mem.Get(ctx, "settings/healthcheck")
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			return err
		}
		return mem, ping, func() {}, nil
	}

	database, err := db.Connect(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}

	// Versioned migrations first, embedded SQL as the fallback for
	// databases created before schema_migrations existed.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}
	return db.NewDocumentStore(database), pingDB(database), closeDB, nil
}

func pingDB(database *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error { return database.PingContext(ctx) }
}

// openDeliverySet uses Redis when REDIS_URL is set so replicas share dedup
// state; otherwise it falls back to process memory.
func openDeliverySet(ctx context.Context, cfg *config.Config) (eventsub.DeliverySet, func()) {
	if cfg.RedisURL != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := eventsub.NewRedisDeliverySet(rctx, cfg.RedisURL, cfg.EventSubDedupTTL)
		if err == nil {
			slog.Info("webhook dedup using redis")
			return rs, func() {
				if err := rs.Close(); err != nil {
					slog.Error("redis close failed", slog.Any("err", err))
				}
			}
		}
		slog.Warn("redis unavailable, webhook dedup falls back to memory", slog.Any("err", err))
	}
	return eventsub.NewMemoryDeliverySet(cfg.EventSubDedupTTL, 0), func() {}
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
