package eventbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionkit/orchestrator/internal/store"
)

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "o.db"), 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPublishRejectsMissingSessionID(t *testing.T) {
	bus := New(openTestStore(t))
	if err := bus.Publish(context.Background(), Event{Type: store.EventAssistant, DataJSON: "{}"}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestPublishDeliversToSubscriberAndPersists(t *testing.T) {
	db := openTestStore(t)
	bus := New(db)
	ctx := context.Background()
	s := store.Session{ID: "sess-1", Name: "n", RepoRoot: "/r", BaseBranch: "main",
		BranchName: "b", WorktreePath: "/w", Status: store.StatusRunning, CreatedAt: time.Now()}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sub := bus.Subscribe("sess-1")
	defer sub.Close()

	if err := bus.Publish(ctx, Event{SessionID: "sess-1", Type: store.EventAssistant, DataJSON: `{"a":1}`}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-sub.Events:
		if e.SessionID != "sess-1" || e.DataJSON != `{"a":1}` {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	events, err := bus.Replay(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
}

func TestSubscribeAllSessions(t *testing.T) {
	db := openTestStore(t)
	bus := New(db)
	ctx := context.Background()
	for _, id := range []string{"sess-1", "sess-2"} {
		s := store.Session{ID: id, Name: "n", RepoRoot: "/r", BaseBranch: "main",
			BranchName: "b", WorktreePath: "/w", Status: store.StatusRunning, CreatedAt: time.Now()}
		if err := db.CreateSession(ctx, s); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
	}
	all := bus.Subscribe("")
	defer all.Close()

	if err := bus.Publish(ctx, Event{SessionID: "sess-1", Type: store.EventResult, DataJSON: "{}"}); err != nil {
		t.Fatalf("publish sess-1: %v", err)
	}
	if err := bus.Publish(ctx, Event{SessionID: "sess-2", Type: store.EventResult, DataJSON: "{}"}); err != nil {
		t.Fatalf("publish sess-2: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-all.Events:
			seen[e.SessionID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	if !seen["sess-1"] || !seen["sess-2"] {
		t.Fatalf("expected events from both sessions, got %+v", seen)
	}
}
