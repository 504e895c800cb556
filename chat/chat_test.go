package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamquest/live"
)

type noted struct {
	login, streamID string
	n               int
}

type fakeLedger struct {
	mu    sync.Mutex
	notes []noted
	err   error
}

func (f *fakeLedger) NoteEmoteUsage(_ context.Context, login, streamID string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, noted{login, streamID, n})
	return nil
}

type fixedStream struct {
	state live.State
	live  bool
}

func (s fixedStream) Current() (live.State, bool) { return s.state, s.live }

func message(login string, emotes ...*twitch.Emote) twitch.PrivateMessage {
	return twitch.PrivateMessage{User: twitch.User{Name: login}, Message: "hi", Emotes: emotes}
}

func TestEmoteCount(t *testing.T) {
	tests := []struct {
		name string
		msg  twitch.PrivateMessage
		want int
	}{
		{name: "no emotes", msg: message("a"), want: 0},
		{name: "one emote twice", msg: message("a", &twitch.Emote{Name: "Kappa", Count: 2}), want: 2},
		{name: "several", msg: message("a", &twitch.Emote{Name: "Kappa", Count: 1}, &twitch.Emote{Name: "PogChamp", Count: 3}), want: 4},
		{name: "missing count counts once", msg: message("a", &twitch.Emote{Name: "LUL"}), want: 1},
		{name: "nil entry", msg: message("a", nil), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := emoteCount(tt.msg); got != tt.want {
				t.Errorf("emoteCount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name   string
		live   bool
		msg    twitch.PrivateMessage
		wantN  int
		wanted bool
	}{
		{name: "live with emotes", live: true, msg: message("Alice", &twitch.Emote{Count: 3}), wantN: 3, wanted: true},
		{name: "offline ignored", live: false, msg: message("alice", &twitch.Emote{Count: 1})},
		{name: "plain text ignored", live: true, msg: message("alice")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := &fakeLedger{}
			l := &Listener{Channel: "chan", Ledger: fl, Stream: fixedStream{state: live.State{StreamID: "s1"}, live: tt.live}}
			l.init()
			l.handleMessage(context.Background(), tt.msg)
			l.queue.Wait()

			if !tt.wanted {
				if len(fl.notes) != 0 {
					t.Errorf("unexpected notes %+v", fl.notes)
				}
				return
			}
			if len(fl.notes) != 1 {
				t.Fatalf("notes = %+v", fl.notes)
			}
			if got := fl.notes[0]; got.login != "alice" || got.streamID != "s1" || got.n != tt.wantN {
				t.Errorf("note = %+v", got)
			}
		})
	}
}

func TestHandleMessage_LedgerErrorDoesNotBlock(t *testing.T) {
	fl := &fakeLedger{err: errors.New("store down")}
	l := &Listener{Channel: "chan", Ledger: fl, Stream: fixedStream{state: live.State{StreamID: "s1"}, live: true}}
	l.init()
	for i := 0; i < 3; i++ {
		l.handleMessage(context.Background(), message("alice", &twitch.Emote{Count: 1}))
	}
	l.queue.Wait()
	fl.err = nil
	l.handleMessage(context.Background(), message("alice", &twitch.Emote{Count: 1}))
	l.queue.Wait()
	if len(fl.notes) != 1 {
		t.Errorf("notes = %+v", fl.notes)
	}
}

func TestRun_NoChannel(t *testing.T) {
	if err := (&Listener{}).Run(context.Background()); err != nil {
		t.Errorf("Run = %v", err)
	}
}
