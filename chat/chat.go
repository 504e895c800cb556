package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamquest/live"
	"github.com/onnwee/streamquest/queue"
)

// EmoteLedger receives emote usage.
type EmoteLedger interface {
	NoteEmoteUsage(ctx context.Context, login, streamID string, n int) error
}

// StreamSource reports the live stream, if any.
type StreamSource interface {
	Current() (live.State, bool)
}

// TokenFunc returns a chat-capable user access token.
type TokenFunc func(ctx context.Context) (string, error)

// Listener joins the broadcaster's chat and credits emote usage while the
// stream is live.
type Listener struct {
	Channel  string
	Username string
	Token    TokenFunc
	Ledger   EmoteLedger
	Stream   StreamSource

	queue *queue.Keyed
	log   *slog.Logger
}

// Run connects and blocks until ctx is canceled. Without a username (or a
// token) it joins anonymously, which is enough to read emotes.
func (l *Listener) Run(ctx context.Context) error {
	if l.Channel == "" {
		slog.Info("chat: TWITCH_CHANNEL empty; skipping chat listener")
		return nil
	}
	l.init()

	client, err := l.client(ctx)
	if err != nil {
		return err
	}
	client.OnConnect(func() {
		l.log.Info("chat connected", slog.String("channel", l.Channel))
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		l.handleMessage(ctx, msg)
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
		case <-done:
		}
	}()

	client.Join(strings.ToLower(l.Channel))
	err = client.Connect()
	close(done)
	l.queue.Wait()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (l *Listener) init() {
	if l.queue == nil {
		l.queue = queue.NewKeyed()
	}
	if l.log == nil {
		l.log = slog.Default().With(slog.String("component", "chat"))
	}
}

func (l *Listener) client(ctx context.Context) (*twitch.Client, error) {
	if l.Username == "" || l.Token == nil {
		return twitch.NewAnonymousClient(), nil
	}
	tok, err := l.Token(ctx)
	if err != nil {
		l.log.Warn("chat token unavailable; joining anonymously", slog.Any("err", err))
		return twitch.NewAnonymousClient(), nil
	}
	if !strings.HasPrefix(tok, "oauth:") {
		tok = "oauth:" + tok
	}
	return twitch.NewClient(l.Username, tok), nil
}

// emoteCount is the number of emote occurrences in msg.
func emoteCount(msg twitch.PrivateMessage) int {
	n := 0
	for _, e := range msg.Emotes {
		if e == nil {
			continue
		}
		n += max(e.Count, 1)
	}
	return n
}

// handleMessage queues the emote note so the IRC reader never blocks on the
// store. Notes for one viewer are applied in order.
func (l *Listener) handleMessage(ctx context.Context, msg twitch.PrivateMessage) {
	n := emoteCount(msg)
	if n == 0 || msg.User.Name == "" {
		return
	}
	st, isLive := l.Stream.Current()
	if !isLive {
		return
	}
	login := strings.ToLower(msg.User.Name)
	l.queue.Enqueue(context.WithoutCancel(ctx), "emote:"+login, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := l.Ledger.NoteEmoteUsage(ctx, login, st.StreamID, n); err != nil {
			l.log.Warn("emote note failed", slog.String("login", login), slog.Any("err", err))
			return err
		}
		return nil
	})
}
