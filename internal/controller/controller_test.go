package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sessionkit/orchestrator/internal/agent"
	"github.com/sessionkit/orchestrator/internal/batch"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/merge"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

type scriptedBackend struct{}

func (scriptedBackend) Harness() agent.Harness { return agent.HarnessClaude }

func (scriptedBackend) Start(ctx context.Context, opts agent.Options, msgCh chan<- agent.Message, rawLogW io.Writer) (*agent.Session, error) {
	sess, _, err := agent.Spawn(ctx, "true", nil, opts.WorkDir, nil)
	if err != nil {
		return nil, err
	}
	go func() {
		msgCh <- agent.SystemInit{ThreadID: "thread-1", Model: "claude"}
		msgCh <- agent.AssistantMessage{Content: "done", Final: true}
		msgCh <- agent.Result{ExitCode: 0, Summary: "ok"}
		close(msgCh)
	}()
	return sess, nil
}

func (scriptedBackend) ParseLine(line []byte) ([]agent.Message, error) { return nil, nil }

func initRepo(t *testing.T) string {
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
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "o.db"), 0, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	bus := eventbus.New(db)
	git := &gitops.Ops{}
	mgr := &worktree.Manager{Git: git, Store: db, Bus: bus, Backend: scriptedBackend{}, AgentBin: "true"}
	mergeEngine := &merge.Engine{Git: git, Store: db}
	return &Controller{
		Store: db, Bus: bus, Git: git, Worktree: mgr, Merge: mergeEngine,
		Batch: &batch.Scheduler{Manager: mgr, Merge: mergeEngine, Store: db, Bus: bus},
		Backend: scriptedBackend{},
	}
}

func TestCreateSessionThenPreflight(t *testing.T) {
	ctrl := newTestController(t)
	repo := initRepo(t)
	ctx := context.Background()

	sess, err := ctrl.CreateSession(ctx, worktree.CreateOptions{InitialPrompt: "do the thing", RepoRoot: repo})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	report, err := ctrl.Preflight(ctx, sess.ID)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !report.RepoClean {
		t.Fatalf("expected clean worktree")
	}

	if _, err := ctrl.Diff(ctx, sess.ID); err != nil {
		t.Fatalf("diff: %v", err)
	}

	if err := ctrl.Cleanup(ctx, sess.ID, true); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestExportBatchNDJSONHeaderAndTrailer(t *testing.T) {
	ctrl := newTestController(t)
	repo := initRepo(t)
	ctx := context.Background()

	runID, err := ctrl.StartBatch(ctx, batch.Plan{
		Concurrency: 1,
		Items:       []batch.ItemSpec{{Repo: repo, Prompt: "one task"}},
	})
	if err != nil {
		t.Fatalf("start batch: %v", err)
	}

	var items []store.BatchItem
	for i := 0; i < 500; i++ {
		items, err = ctrl.ListBatchItems(ctx, runID)
		if err != nil {
			t.Fatalf("list items: %v", err)
		}
		if len(items) == 1 && items[0].Status != store.ItemQueued && items[0].Status != store.ItemRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var buf bytes.Buffer
	if err := ctrl.ExportBatch(ctx, runID, &buf); err != nil {
		t.Fatalf("export batch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected meta + item + result lines, got %d: %q", len(lines), buf.String())
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if meta["type"] != "meta" {
		t.Fatalf("expected first line type=meta, got %v", meta["type"])
	}
	var trailer map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &trailer); err != nil {
		t.Fatalf("unmarshal trailer: %v", err)
	}
	if trailer["type"] != "result" {
		t.Fatalf("expected last line type=result, got %v", trailer["type"])
	}
}
