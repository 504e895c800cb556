// Command seed-credentials imports a moderator refresh token obtained outside
// the consent flow (for example from the Twitch CLI) into the credential record.
//
// The token is exchanged once so the stored pair is fresh and its scopes and
// owner are known, then written exactly like a completed consent.
//
// Usage:
//
//	TWITCH_REFRESH_TOKEN=... seed-credentials
//	seed-credentials --refresh-token ...
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamquest/config"
	"github.com/onnwee/streamquest/crypto"
	"github.com/onnwee/streamquest/db"
	"github.com/onnwee/streamquest/oauth"
	"github.com/onnwee/streamquest/twitchapi"
)

// Issuer is the part of the OAuth client used to mint and inspect tokens.
type Issuer interface {
	Refresh(ctx context.Context, refreshToken string) (oauth.Token, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error)
}

// Consent stores a freshly minted pair.
type Consent interface {
	StoreConsent(ctx context.Context, tok oauth.Token, issuer string) (oauth.Credential, error)
}

func main() {
	_ = godotenv.Load()
	refreshToken := flag.String("refresh-token", os.Getenv("TWITCH_REFRESH_TOKEN"), "refresh token to import")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *refreshToken == "" {
		slog.Error("refresh token required (--refresh-token or TWITCH_REFRESH_TOKEN)")
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.DBDsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		if enc, err = crypto.NewAESEncryptor(cfg.EncryptionKey); err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	issuer := &twitchapi.OAuthConfig{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	creds := oauth.NewCredentialStore(db.NewDocumentStore(database), cfg.CredentialPath, enc)
	c, err := seed(ctx, issuer, creds, *refreshToken)
	if err != nil {
		slog.Error("seed failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("credential seeded",
		slog.String("path", creds.Path()),
		slog.String("issuer", c.IssuerIdentity),
		slog.Any("scopes", c.Scopes),
		slog.Time("access_expires_at", c.AccessTokenExpiresAt))
}

func seed(ctx context.Context, issuer Issuer, store Consent, refreshToken string) (oauth.Credential, error) {
	tok, err := issuer.Refresh(ctx, refreshToken)
	if err != nil {
		return oauth.Credential{}, fmt.Errorf("exchange refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	owner := ""
	if v, err := issuer.Validate(ctx, tok.AccessToken); err != nil {
		slog.Warn("token validation failed, issuer identity left unset", slog.Any("err", err))
	} else {
		owner = v.UserID
		if len(tok.Scopes) == 0 {
			tok.Scopes = v.Scopes
		}
	}
	return store.StoreConsent(ctx, tok, owner)
}
