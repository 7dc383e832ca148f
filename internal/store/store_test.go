package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionkit/orchestrator/internal/errs"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	db, err := Open(context.Background(), path, 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndGetSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := Session{
		ID: "sess-1", Name: "fix-bug", InitialPrompt: "fix the bug",
		RepoRoot: "/repo", BaseBranch: "main", BranchName: "orchestrator/fix-bug",
		WorktreePath: "/repo/.worktrees/sess-1", Status: StatusIdle,
		CreatedAt: time.Now(), Mode: ModeAsync,
	}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	got, err := db.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Name != s.Name || got.Status != StatusIdle {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetSessionMissing(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetSession(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing session")
	} else if !errors.Is(err, errs.ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestAttachThreadIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := Session{ID: "sess-1", Name: "n", RepoRoot: "/r", BaseBranch: "main",
		BranchName: "b", WorktreePath: "/w", Status: StatusIdle, CreatedAt: time.Now()}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.AttachThread(ctx, "sess-1", "thread-abc"); err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	if err := db.AttachThread(ctx, "sess-1", "thread-abc"); err != nil {
		t.Fatalf("attach 2 (idempotent): %v", err)
	}
	got, err := db.GetSessionByThread(ctx, "thread-abc")
	if err != nil {
		t.Fatalf("get by thread: %v", err)
	}
	if got.ID != "sess-1" {
		t.Fatalf("expected sess-1, got %s", got.ID)
	}
}

func TestIterationLifecycleAndUsage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := Session{ID: "sess-1", Name: "n", RepoRoot: "/r", BaseBranch: "main",
		BranchName: "b", WorktreePath: "/w", Status: StatusIdle, CreatedAt: time.Now()}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	it := Iteration{ID: "it-1", SessionID: "sess-1", StartedAt: time.Now(), Model: "claude"}
	if err := db.CreateIteration(ctx, it); err != nil {
		t.Fatalf("create iteration: %v", err)
	}
	end := time.Now()
	it.EndedAt = &end
	it.TokenUsage = TokenUsage{Prompt: 100, Completion: 50, Total: 150}
	it.TestResult = TestPass
	if err := db.FinishIteration(ctx, it); err != nil {
		t.Fatalf("finish iteration: %v", err)
	}
	list, err := db.ListIterationsBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if len(list) != 1 || list[0].TokenUsage.Total != 150 || list[0].TestResult != TestPass {
		t.Fatalf("unexpected iterations: %+v", list)
	}
	usage, err := db.SessionUsage(ctx, "sess-1")
	if err != nil {
		t.Fatalf("session usage: %v", err)
	}
	if usage.TotalTokens != 150 || usage.Iterations != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestStreamEventOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := Session{ID: "sess-1", Name: "n", RepoRoot: "/r", BaseBranch: "main",
		BranchName: "b", WorktreePath: "/w", Status: StatusIdle, CreatedAt: time.Now()}
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := db.AppendStreamEvent(ctx, StreamEvent{
			SessionID: "sess-1", EventType: EventAssistant, Timestamp: time.Now(), DataJSON: "{}",
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	events, err := db.ListStreamEvents(ctx, "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Fatalf("events not monotonic: %+v", events)
		}
	}
	// Resuming after the first event should only return the remaining two.
	rest, err := db.ListStreamEvents(ctx, "sess-1", events[0].ID, 0)
	if err != nil {
		t.Fatalf("list events after: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(rest))
	}
}

func TestBatchItemFIFOOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	run := BatchRun{ID: "run-1", CreatedAt: time.Now(), Concurrency: 2, Status: "running"}
	if err := db.CreateBatchRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i := 0; i < 3; i++ {
		it := BatchItem{ID: idFor(i), RunID: "run-1", Repo: "/r", Prompt: "p", Status: ItemQueued}
		if err := db.CreateBatchItem(ctx, it); err != nil {
			t.Fatalf("create item %d: %v", i, err)
		}
	}
	items, err := db.ListBatchItems(ctx, "run-1")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, it := range items {
		if it.ID != idFor(i) {
			t.Fatalf("expected FIFO order, got %+v", items)
		}
	}
}

func idFor(i int) string {
	return []string{"item-0", "item-1", "item-2"}[i]
}
