package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/index"
	"github.com/becomeliminal/chatrag/index/storetest"
	"github.com/becomeliminal/chatrag/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chatrag.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_IndexBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) index.Backend {
		return openStore(t)
	})
}

func TestStore_InMemory(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory store: %v", err)
	}
	defer store.Close()

	if _, err := store.SaveMessages(context.Background(), []core.Message{{
		ID: "m1", GroupID: "g1", SenderID: "alice", Timestamp: storetest.Base, Text: "hi",
	}}); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
}

func TestStore_MessagesAreImmutable(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	first := core.Message{ID: "m1", GroupID: "g1", SenderID: "alice", Timestamp: storetest.Base, Text: "original"}
	fresh, err := store.SaveMessages(ctx, []core.Message{first})
	if err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("Expected 1 new message, got %d", len(fresh))
	}

	edited := first
	edited.Text = "edited"
	fresh, err = store.SaveMessages(ctx, []core.Message{edited})
	if err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("Expected duplicate to be ignored, got %d new", len(fresh))
	}

	msgs, err := store.FetchSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "original" {
		t.Errorf("Expected original message to survive, got %+v", msgs)
	}
}

func TestStore_FetchSince(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	var msgs []core.Message
	for i, id := range []string{"m1", "m2", "m3"} {
		msgs = append(msgs, core.Message{
			ID:        id,
			GroupID:   "g1",
			SenderID:  "bob",
			Timestamp: storetest.Base.Add(time.Duration(i) * time.Minute),
			Text:      "text " + id,
		})
	}
	if _, err := store.SaveMessages(ctx, msgs); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	got, err := store.FetchSince(ctx, storetest.Base)
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}
	if len(got) != 3 || got[0].ID != "m1" || got[2].ID != "m3" {
		t.Fatalf("Expected m1..m3 at or after base, got %+v", got)
	}
	if !got[1].Timestamp.Equal(msgs[1].Timestamp) {
		t.Errorf("Timestamp did not round-trip: %v vs %v", got[1].Timestamp, msgs[1].Timestamp)
	}

	got, err = store.FetchSince(ctx, storetest.Base.Add(time.Second))
	if err != nil {
		t.Fatalf("FetchSince failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m2" {
		t.Errorf("Expected m2, m3 after base, got %+v", got)
	}
}

func TestStore_Groups(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	if _, err := store.GetGroup(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := store.UpsertGroup(ctx, core.Group{ID: "g1", Name: "Family", Managed: false}); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	synced := storetest.Base
	if err := store.UpsertGroup(ctx, core.Group{ID: "g1", Name: "Family", Managed: true, LastSummarySync: &synced}); err != nil {
		t.Fatalf("UpsertGroup update failed: %v", err)
	}
	if err := store.UpsertGroup(ctx, core.Group{ID: "g2", Name: "Book club"}); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	g, err := store.GetGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if !g.Managed || g.LastSummarySync == nil || !g.LastSummarySync.Equal(synced) {
		t.Errorf("Unexpected group: %+v", g)
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 2 || groups[0].Name != "Book club" {
		t.Errorf("Expected groups ordered by name, got %+v", groups)
	}
}

func TestStore_UnindexedMessages(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	var msgs []core.Message
	for i, id := range []string{"m1", "m2", "m3"} {
		msgs = append(msgs, core.Message{
			ID:        id,
			GroupID:   "g1",
			SenderID:  "bob",
			Timestamp: storetest.Base.Add(time.Duration(i) * time.Minute),
			Text:      "text " + id,
		})
	}
	if _, err := store.SaveMessages(ctx, msgs); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	pending, err := store.Unindexed(ctx)
	if err != nil {
		t.Fatalf("Unindexed failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected every new message to be unindexed, got %d", len(pending))
	}

	if err := store.MarkIndexed(ctx, []string{"m1", "m3", "unknown"}); err != nil {
		t.Fatalf("MarkIndexed failed: %v", err)
	}
	pending, err = store.Unindexed(ctx)
	if err != nil {
		t.Fatalf("Unindexed failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "m2" || pending[0].Text != "text m2" {
		t.Errorf("Expected only m2 to remain, got %+v", pending)
	}
}
