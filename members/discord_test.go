package members

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/streamquest/docstore"
	"github.com/onnwee/streamquest/testutil"
)

func newDiscordRepo(t *testing.T) (*Repository, docstore.Store) {
	t.Helper()
	store := testutil.NewStore(t, Collection, LinkCollection, NewcomerCollection, CatalogCollection)
	return NewRepository(store).WithClock(func() time.Time { return testNow }), store
}

func TestLinkDiscord(t *testing.T) {
	repo, _ := newDiscordRepo(t)
	ctx := context.Background()
	if err := repo.LinkDiscord(ctx, "ghost", "1"); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("err = %v", err)
	}
	for _, login := range []string{"gina", "hugo"} {
		if _, err := repo.RecordFollow(ctx, login, "1", testNow); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.LinkDiscord(ctx, "Gina", "998877"); err != nil {
		t.Fatal(err)
	}
	if m, _ := repo.Get(ctx, "gina"); m.DiscordID != "998877" {
		t.Errorf("discord_id = %q", m.DiscordID)
	}
	if login, err := repo.FindByDiscordID(ctx, "998877"); err != nil || login != "gina" {
		t.Errorf("FindByDiscordID = %q, %v", login, err)
	}
	if err := repo.LinkDiscord(ctx, "gina", "998877"); err != nil {
		t.Errorf("relinking the same account: %v", err)
	}
	if err := repo.LinkDiscord(ctx, "hugo", "998877"); !errors.Is(err, ErrDiscordLinked) {
		t.Errorf("taken account err = %v, want ErrDiscordLinked", err)
	}

	// Moving gina to a new account frees the old one.
	if err := repo.LinkDiscord(ctx, "gina", "112233"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.FindByDiscordID(ctx, "998877"); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("old link err = %v, want ErrUnknownMember", err)
	}
	if err := repo.LinkDiscord(ctx, "hugo", "998877"); err != nil {
		t.Errorf("freed account: %v", err)
	}
}

func TestLinkDiscord_RejectsBadInput(t *testing.T) {
	repo, _ := newDiscordRepo(t)
	tests := []struct {
		name, login, id string
	}{
		{name: "empty login", login: " ", id: "1"},
		{name: "empty id", login: "gina", id: ""},
		{name: "slash in id", login: "gina", id: "1/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.LinkDiscord(context.Background(), tt.login, tt.id); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRecordNewcomer_Once(t *testing.T) {
	repo, store := newDiscordRepo(t)
	ctx := context.Background()
	n := Newcomer{DiscordID: "42", Username: "Nova", AvatarURL: "https://cdn/a.png"}

	created, err := repo.RecordNewcomer(ctx, n)
	if err != nil || !created {
		t.Fatalf("RecordNewcomer = %v, %v", created, err)
	}
	created, err = repo.RecordNewcomer(ctx, Newcomer{DiscordID: "42", Username: "nova", AvatarURL: "other"})
	if err != nil || created {
		t.Errorf("second RecordNewcomer = %v, %v; want not created", created, err)
	}
	doc, err := store.Get(ctx, NewcomerCollection+"/nova")
	if err != nil {
		t.Fatal(err)
	}
	if doc["discord_id"] != "42" || doc["origin"] != "discord" || doc["avatar"] != "https://cdn/a.png" {
		t.Errorf("doc = %v", doc)
	}
}

func TestCountDiscordMessage(t *testing.T) {
	repo, _ := newDiscordRepo(t)
	ctx := context.Background()
	if ok, err := repo.CountDiscordMessage(ctx, "42"); err != nil || ok {
		t.Errorf("unlinked author = %v, %v; want skipped", ok, err)
	}
	if _, err := repo.RecordFollow(ctx, "ivy", "9", testNow); err != nil {
		t.Fatal(err)
	}
	if err := repo.LinkDiscord(ctx, "ivy", "42"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if ok, err := repo.CountDiscordMessage(ctx, "42"); err != nil || !ok {
			t.Fatalf("CountDiscordMessage = %v, %v", ok, err)
		}
	}
	if m, _ := repo.Get(ctx, "ivy"); m.DiscordMessages != 3 {
		t.Errorf("discord_count_message = %d, want 3", m.DiscordMessages)
	}
}

func TestRecordGamePlayed(t *testing.T) {
	repo, _ := newDiscordRepo(t)
	ctx := context.Background()
	if n, err := repo.RecordGamePlayed(ctx, "42", "Celeste"); err != nil || n != 0 {
		t.Errorf("unlinked = %d, %v", n, err)
	}
	if _, err := repo.RecordFollow(ctx, "ivy", "9", testNow); err != nil {
		t.Fatal(err)
	}
	if err := repo.LinkDiscord(ctx, "ivy", "42"); err != nil {
		t.Fatal(err)
	}
	for _, game := range []string{"Celeste", "Hades", "Celeste", " "} {
		if _, err := repo.RecordGamePlayed(ctx, "42", game); err != nil {
			t.Fatalf("RecordGamePlayed(%q): %v", game, err)
		}
	}
	m, _ := repo.Get(ctx, "ivy")
	want := []GamePlay{{Name: "Celeste", Count: 2}, {Name: "Hades", Count: 1}}
	if len(m.GamesHistory) != len(want) {
		t.Fatalf("games_history = %+v", m.GamesHistory)
	}
	for i := range want {
		if m.GamesHistory[i] != want[i] {
			t.Errorf("games_history[%d] = %+v, want %+v", i, m.GamesHistory[i], want[i])
		}
	}
}

func TestCatalogCard(t *testing.T) {
	repo, store := newDiscordRepo(t)
	ctx := context.Background()
	if _, err := repo.CatalogCard(ctx, "discord_old_member"); !errors.Is(err, ErrUnknownCard) {
		t.Errorf("missing card err = %v", err)
	}
	if err := store.Set(ctx, CatalogCollection+"/discord_old_member", docstore.Doc{"title": "Old Guard", "rarity": "legendary"}); err != nil {
		t.Fatal(err)
	}
	c, err := repo.CatalogCard(ctx, "discord_old_member")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "discord_old_member" || c.Title != "Old Guard" {
		t.Errorf("card = %+v", c)
	}
}
