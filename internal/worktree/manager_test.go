package worktree

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionkit/orchestrator/internal/agent"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/store"
)

// fakeBackend emits a scripted message sequence without spawning a real
// agent CLI, so tests stay hermetic and fast.
type fakeBackend struct {
	messages []agent.Message
}

func (f *fakeBackend) Harness() agent.Harness { return agent.HarnessClaude }

func (f *fakeBackend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, rawLogW io.Writer) (*agent.Session, error) {
	sess, _, err := agent.Spawn(ctx, "true", nil, opts.WorkDir, nil)
	if err != nil {
		return nil, err
	}
	go func() {
		for _, m := range f.messages {
			msgCh <- m
		}
		close(msgCh)
	}()
	return sess, nil
}

func (f *fakeBackend) ParseLine(line []byte) ([]agent.Message, error) { return nil, nil }

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newManager(t *testing.T, backend agent.Backend) (*Manager, string) {
	t.Helper()
	repo := initTestRepo(t)
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "o.db"), 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	bus := eventbus.New(db)
	return &Manager{
		Git: &gitops.Ops{}, Store: db, Bus: bus, Backend: backend, AgentBin: "true",
	}, repo
}

func TestCreateSessionRunsInitialIteration(t *testing.T) {
	backend := &fakeBackend{messages: []agent.Message{
		agent.SystemInit{ThreadID: "thread-1", Model: "claude"},
		agent.AssistantMessage{Content: "done", Final: true},
		agent.Result{ExitCode: 0, Summary: "ok"},
	}}
	mgr, repo := newManager(t, backend)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, CreateOptions{
		InitialPrompt: "fix the bug", RepoRoot: repo,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != store.StatusIdle {
		t.Fatalf("expected idle status after successful iteration, got %s", sess.Status)
	}
	if sess.ThreadID != "thread-1" {
		t.Fatalf("expected thread id to be captured, got %q", sess.ThreadID)
	}
	if _, err := os.Stat(filepath.Join(sess.WorktreePath, "AGENT_CONTEXT", "SESSION_BRIEF.md")); err != nil {
		t.Fatalf("expected context bundle: %v", err)
	}

	iterations, err := mgr.Store.ListIterationsBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if len(iterations) != 1 {
		t.Fatalf("expected exactly 1 iteration from createSession, got %d", len(iterations))
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	backend := &fakeBackend{messages: []agent.Message{
		agent.SystemInit{ThreadID: "thread-1"},
		agent.Result{ExitCode: 0},
	}}
	mgr, repo := newManager(t, backend)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, CreateOptions{InitialPrompt: "do work", RepoRoot: repo})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := mgr.Cleanup(ctx, sess.ID, true); err != nil {
		t.Fatalf("cleanup 1: %v", err)
	}
	if err := mgr.Cleanup(ctx, sess.ID, true); err != nil {
		t.Fatalf("cleanup 2 (idempotent): %v", err)
	}
	got, err := mgr.Store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != store.StatusDone {
		t.Fatalf("expected done status, got %s", got.Status)
	}
}

func TestReconcileOrphanedMarksRunningAsError(t *testing.T) {
	mgr, repo := newManager(t, &fakeBackend{})
	ctx := context.Background()
	sess := store.Session{
		ID: "orphan-1", Name: "n", RepoRoot: repo, BaseBranch: "main", BranchName: "b",
		WorktreePath: "/tmp/nonexistent", Status: store.StatusRunning, CreatedAt: time.Now(),
	}
	if err := mgr.Store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	n, err := mgr.ReconcileOrphaned(ctx, repo)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled session, got %d", n)
	}
	got, err := mgr.Store.GetSession(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != store.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
}
