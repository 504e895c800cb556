package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/streamquest/telemetry"
)

// Messenger is the chat gateway.
type Messenger interface {
	SendChannel(ctx context.Context, channelID, content string) error
	SendDirect(ctx context.Context, userID, content string) error
	// MemberName returns a display name for a guild member.
	MemberName(ctx context.Context, userID string) (string, error)
}

// Deliverer sends direct messages, falling back to the operator log channel.
type Deliverer struct {
	Messenger    Messenger
	LogChannelID string
}

// Direct sends content to userID. When the DM fails the content and the
// failure reason are posted to the log channel instead; an error is returned
// only if that fallback fails too.
func (d *Deliverer) Direct(ctx context.Context, userID, content string) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "deliverer"), slog.String("user_id", userID))
	err := d.Messenger.SendDirect(ctx, userID, content)
	if err == nil {
		telemetry.Notifications.WithLabelValues("sent").Inc()
		return nil
	}
	log.Warn("direct message failed, using log channel", slog.Any("err", err))

	name := userID
	if n, nerr := d.Messenger.MemberName(ctx, userID); nerr == nil && n != "" {
		name = n
	}
	fallback := fmt.Sprintf("⚠️ DM to %s (<@%s>) failed: %v\n> %s", name, userID, err, content)
	if ferr := d.Messenger.SendChannel(ctx, d.LogChannelID, fallback); ferr != nil {
		telemetry.Notifications.WithLabelValues("failed").Inc()
		log.Error("log channel fallback failed", slog.Any("err", ferr))
		return errors.Join(fmt.Errorf("direct message: %w", err), fmt.Errorf("log channel fallback: %w", ferr))
	}
	telemetry.Notifications.WithLabelValues("fallback").Inc()
	return nil
}
