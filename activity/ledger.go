// Package activity records per-stream engagement (presence, emotes, clips,
// channel points, raids) on member documents under live_presence.<YYYY-MM>.
//
// Every note is a transactional read-modify-write of the member document, so
// the webhook path and the pollers can credit the same viewer concurrently.
// Stream entries are matched by stream id, then by UTC day, so activity
// credited before the stream id is known is reconciled onto one entry.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamquest/docstore"
	"github.com/onnwee/streamquest/members"
	"github.com/onnwee/streamquest/telemetry"
)

// Presence is the first/last sighting of a viewer during a stream.
type Presence struct {
	Seen    bool       `json:"seen"`
	FirstAt *time.Time `json:"first_at"`
	LastAt  *time.Time `json:"last_at"`
}

type EmoteStats struct {
	Used   bool       `json:"used"`
	Count  int        `json:"count"`
	LastAt *time.Time `json:"last_at"`
}

type ClipStats struct {
	Count  int        `json:"count"`
	LastID *string    `json:"last_id"`
	LastAt *time.Time `json:"last_at"`
}

type ChannelPointStats struct {
	Used        bool       `json:"used"`
	Redemptions int        `json:"redemptions"`
	LastAt      *time.Time `json:"last_at"`
}

type RaidStats struct {
	Participated bool       `json:"participated"`
	At           *time.Time `json:"at"`
}

// ChatFlags is the chat configuration at the time of the stream.
type ChatFlags struct {
	SlowMode      bool `json:"slow_mode"`
	FollowersOnly bool `json:"followers_only"`
	SubOnly       bool `json:"sub_only"`
	EmoteOnly     bool `json:"emote_only"`
}

// StreamContext is the subset of stream metadata kept on an entry. Empty
// fields leave the stored value untouched.
type StreamContext struct {
	Title    string     `json:"title,omitempty"`
	GameID   string     `json:"game_id,omitempty"`
	GameName string     `json:"game_name,omitempty"`
	Lang     string     `json:"lang,omitempty"`
	Chat     *ChatFlags `json:"chat,omitempty"`
}

func (c StreamContext) merge(next StreamContext) StreamContext {
	if next.Title != "" {
		c.Title = next.Title
	}
	if next.GameID != "" {
		c.GameID = next.GameID
	}
	if next.GameName != "" {
		c.GameName = next.GameName
	}
	if next.Lang != "" {
		c.Lang = next.Lang
	}
	if next.Chat != nil {
		flags := *next.Chat
		c.Chat = &flags
	}
	return c
}

// StreamEntry is the activity of one viewer during one broadcast.
type StreamEntry struct {
	StreamID      string            `json:"stream_id"`
	StartedAt     *time.Time        `json:"started_at"`
	DayKey        string            `json:"day_key"`
	Presence      Presence          `json:"presence"`
	Emote         EmoteStats        `json:"emote"`
	Clips         ClipStats         `json:"clips"`
	ChannelPoints ChannelPointStats `json:"channel_points"`
	Raid          RaidStats         `json:"raid"`
	Context       StreamContext     `json:"context"`
}

// dayKey is the UTC day the entry belongs to, falling back to its timestamps
// for entries written without one.
func (e StreamEntry) dayKey() string {
	switch {
	case e.DayKey != "":
		return e.DayKey
	case e.StartedAt != nil:
		return DayKey(*e.StartedAt)
	case e.Presence.FirstAt != nil:
		return DayKey(*e.Presence.FirstAt)
	case e.Presence.LastAt != nil:
		return DayKey(*e.Presence.LastAt)
	}
	return ""
}

// Month aggregates a viewer's activity over a calendar month (UTC).
type Month struct {
	Count        int           `json:"count"`
	Raids        int           `json:"raids"`
	Emotes       int           `json:"emotes"`
	Clips        int           `json:"clips"`
	Redemptions  int           `json:"redemptions"`
	LastUpdateAt *time.Time    `json:"last_update_at"`
	Streams      []StreamEntry `json:"streams"`
}

// MonthKey formats t as YYYY-MM in UTC.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// DayKey formats t as YYYY-MM-DD in UTC.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Ledger writes activity notes.
type Ledger struct {
	store docstore.Store
	now   func() time.Time
	log   *slog.Logger
}

// NewLedger returns a ledger over store.
func NewLedger(store docstore.Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
		log:   slog.Default().With(slog.String("component", "activity")),
	}
}

// WithClock replaces time.Now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// note describes one mutation.
type note struct {
	kind string
	// create makes a minimal member record when none exists.
	create    bool
	streamID  string
	startedAt time.Time
	apply     func(m *Month, e *StreamEntry, now time.Time)
}

// NotePresence marks login as seen during the stream. The month count only
// moves the first time per stream; last_at moves every time. sc, when set, is
// merged into the entry context.
func (l *Ledger) NotePresence(ctx context.Context, login, streamID string, startedAt time.Time, sc *StreamContext) error {
	return l.record(ctx, login, note{
		kind:      "presence",
		streamID:  streamID,
		startedAt: startedAt,
		apply: func(m *Month, e *StreamEntry, now time.Time) {
			if sc != nil {
				e.Context = e.Context.merge(*sc)
			}
			if !e.Presence.Seen {
				m.Count++
			}
			e.Presence.Seen = true
			if e.Presence.FirstAt == nil {
				e.Presence.FirstAt = &now
			}
			e.Presence.LastAt = &now
		},
	})
}

// NoteEmoteUsage adds n (at least 1) emotes to the stream entry. Unknown
// viewers get a minimal record.
func (l *Ledger) NoteEmoteUsage(ctx context.Context, login, streamID string, n int) error {
	n = max(n, 1)
	return l.record(ctx, login, note{
		kind:     "emote",
		create:   true,
		streamID: streamID,
		apply: func(m *Month, e *StreamEntry, now time.Time) {
			e.Emote.Used = true
			e.Emote.Count += n
			e.Emote.LastAt = &now
			m.Emotes += n
		},
	})
}

// NoteClipCreated counts one clip created by login during the stream.
func (l *Ledger) NoteClipCreated(ctx context.Context, login, streamID, clipID string) error {
	return l.record(ctx, login, note{
		kind:     "clip",
		streamID: streamID,
		apply: func(m *Month, e *StreamEntry, now time.Time) {
			e.Clips.Count++
			if clipID != "" {
				id := clipID
				e.Clips.LastID = &id
			}
			e.Clips.LastAt = &now
			m.Clips++
		},
	})
}

// NoteChannelPoints adds n (at least 1) redemptions. Unknown viewers get a
// minimal record.
func (l *Ledger) NoteChannelPoints(ctx context.Context, login, streamID string, n int) error {
	n = max(n, 1)
	return l.record(ctx, login, note{
		kind:     "channel_points",
		create:   true,
		streamID: streamID,
		apply: func(m *Month, e *StreamEntry, now time.Time) {
			e.ChannelPoints.Used = true
			e.ChannelPoints.Redemptions += n
			e.ChannelPoints.LastAt = &now
			m.Redemptions += n
		},
	})
}

// NoteRaidParticipation flags login as a raider of the stream. The flag and
// its timestamp are set once.
func (l *Ledger) NoteRaidParticipation(ctx context.Context, login, streamID string) error {
	return l.record(ctx, login, note{
		kind:     "raid",
		streamID: streamID,
		apply: func(m *Month, e *StreamEntry, now time.Time) {
			if e.Raid.Participated {
				return
			}
			e.Raid.Participated = true
			e.Raid.At = &now
			m.Raids++
		},
	})
}

// UpdateStreamContext merges stream metadata into the viewer's entry.
func (l *Ledger) UpdateStreamContext(ctx context.Context, login, streamID string, sc StreamContext) error {
	return l.record(ctx, login, note{
		kind:     "context",
		streamID: streamID,
		apply: func(_ *Month, e *StreamEntry, _ time.Time) {
			e.Context = e.Context.merge(sc)
		},
	})
}

// Month returns the stored month aggregate for login (zero when absent).
func (l *Ledger) Month(ctx context.Context, login, monthKey string) (Month, error) {
	doc, err := l.store.Get(ctx, members.Path(login))
	if errors.Is(err, docstore.ErrNotFound) {
		return Month{}, members.ErrUnknownMember
	}
	if err != nil {
		return Month{}, fmt.Errorf("read activity of %s: %w", login, err)
	}
	rec, err := decodeRecord(doc)
	if err != nil {
		return Month{}, err
	}
	return rec.LivePresence[monthKey], nil
}

type record struct {
	LivePresence map[string]Month `json:"live_presence"`
}

func decodeRecord(doc docstore.Doc) (record, error) {
	var rec record
	if err := docstore.Decode(doc, &rec); err != nil {
		return record{}, fmt.Errorf("decode activity: %w", err)
	}
	return rec, nil
}

func (l *Ledger) record(ctx context.Context, login string, n note) error {
	login = members.Normalize(login)
	if login == "" {
		return errors.New("activity: empty login")
	}
	path := members.Path(login)
	skipped := false
	err := l.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		skipped = false
		doc, err := tx.Get(ctx, path)
		exists := err == nil
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if !exists && !n.create {
			skipped = true
			return nil
		}

		rec := record{}
		if exists {
			if rec, err = decodeRecord(doc); err != nil {
				return err
			}
		}
		now := l.now().UTC()
		mk := MonthKey(now)
		month := rec.LivePresence[mk]
		idx := resolveEntry(&month, n.streamID, n.startedAt, now)
		n.apply(&month, &month.Streams[idx], now)
		month.LastUpdateAt = &now

		encoded, err := docstore.Encode(month)
		if err != nil {
			return err
		}
		if !exists {
			tx.Set(path, docstore.Doc{
				"pseudo":          login,
				"cards_generated": []any{},
				"live_presence":   docstore.Doc{mk: encoded},
			}, docstore.Merge())
			return nil
		}
		tx.Update(path, docstore.Doc{"live_presence." + mk: encoded})
		return nil
	})
	if err != nil {
		return fmt.Errorf("note %s for %s: %w", n.kind, login, err)
	}
	if skipped {
		l.log.Debug("activity skipped for unknown member", slog.String("login", login), slog.String("kind", n.kind))
		return nil
	}
	telemetry.LedgerWrites.WithLabelValues(n.kind).Inc()
	return nil
}

// resolveEntry returns the index of the entry for streamID in month,
// reconciling a same-day entry or appending a new one.
func resolveEntry(month *Month, streamID string, startedAt time.Time, now time.Time) int {
	if streamID != "" {
		for i, e := range month.Streams {
			if e.StreamID == streamID {
				return i
			}
		}
	}

	anchor := now
	if !startedAt.IsZero() {
		anchor = startedAt.UTC()
	}
	day := DayKey(anchor)
	for i := range month.Streams {
		e := &month.Streams[i]
		if e.dayKey() != day {
			continue
		}
		changed := streamID != "" && e.StreamID != streamID
		if changed {
			e.StreamID = streamID
		}
		if e.DayKey == "" {
			e.DayKey = day
		}
		if !startedAt.IsZero() && (e.StartedAt == nil || changed) {
			ts := startedAt.UTC()
			e.StartedAt = &ts
		}
		return i
	}

	entry := StreamEntry{StreamID: streamID, DayKey: day}
	if !startedAt.IsZero() {
		ts := startedAt.UTC()
		entry.StartedAt = &ts
	}
	month.Streams = append(month.Streams, entry)
	return len(month.Streams) - 1
}
