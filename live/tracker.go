// Package live follows the broadcaster's stream and credits viewers while it
// runs: a presence tick polls the chatter list, a clip tick credits clip
// creators. Stream state is also fed by the stream.online/offline webhooks.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamquest/activity"
	"github.com/onnwee/streamquest/twitchapi"
)

const (
	presenceChunk = 50
	// noteConcurrency bounds concurrent ledger transactions per chunk.
	noteConcurrency = 10
)

// Helix is the part of the Twitch client the tracker polls.
type Helix interface {
	GetStream(ctx context.Context, broadcasterID string) (*twitchapi.Stream, error)
	GetChatSettings(ctx context.Context, broadcasterID string) (*twitchapi.ChatSettings, error)
	GetChatters(ctx context.Context, broadcasterID, moderatorID string) ([]string, error)
	GetClips(ctx context.Context, broadcasterID string, startedAt, endedAt time.Time) ([]twitchapi.Clip, error)
	GetUsersByID(ctx context.Context, ids []string) (map[string]string, error)
}

// Ledger is the part of activity.Ledger the tracker writes to.
type Ledger interface {
	NotePresence(ctx context.Context, login, streamID string, startedAt time.Time, sc *activity.StreamContext) error
	NoteClipCreated(ctx context.Context, login, streamID, clipID string) error
	UpdateStreamContext(ctx context.Context, login, streamID string, sc activity.StreamContext) error
}

// State is the current stream.
type State struct {
	StreamID  string
	StartedAt time.Time
	Title     string
	GameID    string
	GameName  string
	Language  string
}

// Tracker keeps the live state and runs the presence and clip ticks.
type Tracker struct {
	api           Helix
	ledger        Ledger
	broadcasterID string
	moderatorID   string
	now           func() time.Time
	log           *slog.Logger

	mu        sync.Mutex
	state     State
	live      bool
	counted   map[string]struct{}
	clipsSeen map[string]struct{}
	lastCtx   activity.StreamContext
}

// NewTracker returns an offline tracker.
func NewTracker(api Helix, ledger Ledger, broadcasterID, moderatorID string) *Tracker {
	return &Tracker{
		api:           api,
		ledger:        ledger,
		broadcasterID: broadcasterID,
		moderatorID:   moderatorID,
		now:           time.Now,
		log:           slog.Default().With(slog.String("component", "live_tracker")),
		counted:       make(map[string]struct{}),
		clipsSeen:     make(map[string]struct{}),
	}
}

// Current returns the live stream, if any.
func (t *Tracker) Current() (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.live
}

// StreamOnline records a stream start. A new stream id resets the per-stream
// bookkeeping.
func (t *Tracker) StreamOnline(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(s)
}

// StreamOffline clears the live state.
func (t *Tracker) StreamOffline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live {
		t.log.Info("stream ended", slog.String("stream_id", t.state.StreamID))
	}
	t.live = false
	t.state = State{}
	t.lastCtx = activity.StreamContext{}
	clear(t.counted)
	clear(t.clipsSeen)
}

func (t *Tracker) setLocked(s State) {
	if !t.live || t.state.StreamID != s.StreamID {
		t.log.Info("stream detected", slog.String("stream_id", s.StreamID), slog.Time("started_at", s.StartedAt))
		clear(t.counted)
		clear(t.clipsSeen)
		t.lastCtx = activity.StreamContext{}
		t.state = s
		t.live = true
		return
	}
	// same stream: keep the known start, refresh metadata
	if s.StartedAt.IsZero() {
		s.StartedAt = t.state.StartedAt
	}
	t.state = s
}

// PresenceTick polls the stream and credits presence to chatters not yet
// counted for it. It returns the number of newly credited logins.
func (t *Tracker) PresenceTick(ctx context.Context) (int, error) {
	stream, err := t.api.GetStream(ctx, t.broadcasterID)
	if err != nil {
		return 0, err
	}
	if stream == nil {
		t.StreamOffline()
		return 0, nil
	}
	state := State{
		StreamID:  stream.ID,
		StartedAt: stream.StartedAt,
		Title:     stream.Title,
		GameID:    stream.GameID,
		GameName:  stream.GameName,
		Language:  stream.Language,
	}
	t.StreamOnline(state)

	sc := activity.StreamContext{Title: stream.Title, GameID: stream.GameID, GameName: stream.GameName, Lang: stream.Language}
	if cs, err := t.api.GetChatSettings(ctx, t.broadcasterID); err != nil {
		t.log.Debug("chat settings unavailable", slog.Any("err", err))
	} else if cs != nil {
		sc.Chat = &activity.ChatFlags{
			SlowMode:      cs.SlowMode,
			FollowersOnly: cs.FollowerMode,
			SubOnly:       cs.SubscriberMode,
			EmoteOnly:     cs.EmoteMode,
		}
	}

	chatters, err := t.api.GetChatters(ctx, t.broadcasterID, t.moderatorID)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	var fresh []string
	seen := make(map[string]struct{}, len(chatters))
	for _, login := range chatters {
		if _, ok := t.counted[login]; ok {
			continue
		}
		if _, dup := seen[login]; dup {
			continue
		}
		seen[login] = struct{}{}
		fresh = append(fresh, login)
	}
	var refresh []string
	if t.lastCtx != (activity.StreamContext{}) && !sameContext(t.lastCtx, sc) {
		for login := range t.counted {
			refresh = append(refresh, login)
		}
	}
	t.lastCtx = sc
	t.mu.Unlock()

	credited := 0
	var creditedMu sync.Mutex
	for start := 0; start < len(fresh); start += presenceChunk {
		chunk := fresh[start:min(start+presenceChunk, len(fresh))]
		var g errgroup.Group
		g.SetLimit(noteConcurrency)
		for _, login := range chunk {
			login := login
			g.Go(func() error {
				if err := t.ledger.NotePresence(ctx, login, state.StreamID, state.StartedAt, &sc); err != nil {
					t.log.Warn("presence note failed", slog.String("login", login), slog.Any("err", err))
					return nil
				}
				t.mu.Lock()
				if t.state.StreamID == state.StreamID {
					t.counted[login] = struct{}{}
				}
				t.mu.Unlock()
				creditedMu.Lock()
				credited++
				creditedMu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			return credited, ctx.Err()
		}
	}

	if len(refresh) > 0 {
		var g errgroup.Group
		g.SetLimit(noteConcurrency)
		for _, login := range refresh {
			login := login
			g.Go(func() error {
				if err := t.ledger.UpdateStreamContext(ctx, login, state.StreamID, sc); err != nil {
					t.log.Warn("stream context update failed", slog.String("login", login), slog.Any("err", err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if credited > 0 {
		t.log.Info("presence credited", slog.Int("logins", credited), slog.String("stream_id", state.StreamID))
	}
	return credited, nil
}

func sameContext(a, b activity.StreamContext) bool {
	if a.Title != b.Title || a.GameID != b.GameID || a.GameName != b.GameName || a.Lang != b.Lang {
		return false
	}
	if (a.Chat == nil) != (b.Chat == nil) {
		return false
	}
	return a.Chat == nil || *a.Chat == *b.Chat
}

// ClipTick credits the creators of clips made since the stream started,
// once per clip. It returns the number of clips credited.
func (t *Tracker) ClipTick(ctx context.Context) (int, error) {
	state, live := t.Current()
	if !live || state.StartedAt.IsZero() {
		return 0, nil
	}
	clips, err := t.api.GetClips(ctx, t.broadcasterID, state.StartedAt, t.now())
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	byCreator := make(map[string][]string)
	var ids []string
	for _, c := range clips {
		if _, ok := t.clipsSeen[c.ID]; ok || c.CreatorID == "" {
			continue
		}
		t.clipsSeen[c.ID] = struct{}{}
		if _, ok := byCreator[c.CreatorID]; !ok {
			ids = append(ids, c.CreatorID)
		}
		byCreator[c.CreatorID] = append(byCreator[c.CreatorID], c.ID)
	}
	t.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}

	logins, err := t.api.GetUsersByID(ctx, ids)
	if err != nil {
		t.forgetClips(byCreator)
		return 0, err
	}
	credited := 0
	for _, creatorID := range ids {
		login, ok := logins[creatorID]
		if !ok {
			continue
		}
		for _, clipID := range byCreator[creatorID] {
			if err := t.ledger.NoteClipCreated(ctx, login, state.StreamID, clipID); err != nil {
				t.log.Warn("clip note failed", slog.String("login", login), slog.String("clip_id", clipID), slog.Any("err", err))
				continue
			}
			credited++
		}
	}
	if credited > 0 {
		t.log.Info("clips credited", slog.Int("clips", credited), slog.String("stream_id", state.StreamID))
	}
	return credited, nil
}

// forgetClips lets the next tick retry clips whose creators could not be resolved.
func (t *Tracker) forgetClips(byCreator map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, clipIDs := range byCreator {
		for _, id := range clipIDs {
			delete(t.clipsSeen, id)
		}
	}
}

// Run drives both ticks until ctx is canceled.
func (t *Tracker) Run(ctx context.Context, presenceEvery, clipEvery time.Duration) {
	presence := time.NewTicker(presenceEvery)
	defer presence.Stop()
	clipTicker := time.NewTicker(clipEvery)
	defer clipTicker.Stop()
	t.log.Info("live tracker started", slog.Duration("presence_interval", presenceEvery), slog.Duration("clip_interval", clipEvery))

	t.runPresence(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-presence.C:
			t.runPresence(ctx)
		case <-clipTicker.C:
			if _, err := t.ClipTick(ctx); err != nil && ctx.Err() == nil {
				t.log.Warn("clip tick failed", slog.Any("err", err))
			}
		}
	}
}

func (t *Tracker) runPresence(ctx context.Context) {
	if _, err := t.PresenceTick(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn("presence tick failed", slog.Any("err", err))
	}
}
