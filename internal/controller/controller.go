// Package controller exposes a stateless facade over sessions, batches, and
// interactive handles for external transports (CLI, future RPC layers) to
// drive. It owns no durable state of its own beyond the in-memory registry
// of live interactive handles; everything else is queried fresh from the
// store on each call.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sessionkit/orchestrator/internal/agent"
	"github.com/sessionkit/orchestrator/internal/batch"
	"github.com/sessionkit/orchestrator/internal/errs"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/merge"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

// Controller coordinates the session, merge, batch, and interactive
// subsystems behind a single call surface.
type Controller struct {
	Store     *store.DB
	Bus       *eventbus.Bus
	Git       *gitops.Ops
	Worktree  *worktree.Manager
	Merge     *merge.Engine
	Batch     *batch.Scheduler
	Backend   agent.Backend
	AgentBin  string
	AgentArgs []string

	mu      sync.Mutex
	handles map[string]*interactiveHandle
}

type interactiveHandle struct {
	sessionID string
	sess      *agent.Session
	msgCh     chan agent.Message
}

// --- Session operations -----------------------------------------------

func (c *Controller) ListSessions(ctx context.Context, repoRoot string) ([]store.Session, error) {
	return c.Store.ListSessionsByRepo(ctx, repoRoot)
}

func (c *Controller) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	return c.Store.GetSession(ctx, sessionID)
}

func (c *Controller) CreateSession(ctx context.Context, opts worktree.CreateOptions) (store.Session, error) {
	return c.Worktree.CreateSession(ctx, opts)
}

// Iterate runs one more iteration. runtimeConfig overrides (model, script
// command) apply to this iteration only; the session's stored defaults are
// left untouched, per the "runtime config is first-class" decision.
func (c *Controller) Iterate(ctx context.Context, sessionID, notes string, rc *worktree.RuntimeConfig) (store.Iteration, error) {
	return c.Worktree.Iterate(ctx, sessionID, notes, rc)
}

func (c *Controller) Cleanup(ctx context.Context, sessionID string, force bool) error {
	return c.Worktree.Cleanup(ctx, sessionID, force)
}

// Diff reports the file-level diff stat of the session worktree's
// uncommitted changes against its HEAD. Commits already on the session
// branch are not included, and untracked files are not counted.
func (c *Controller) Diff(ctx context.Context, sessionID string) (worktree.DiffStat, error) {
	sess, err := c.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	numstat, err := c.Git.DiffNumstatWorking(ctx, sess.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	return worktree.ParseDiffNumstat(numstat), nil
}

func (c *Controller) Threads(ctx context.Context, sessionID string) ([]store.Thread, error) {
	return c.Store.ListThreadsBySession(ctx, sessionID)
}

func (c *Controller) ToolCalls(ctx context.Context, sessionID string) ([]store.ToolCall, error) {
	return c.Store.ListToolCallsBySession(ctx, sessionID)
}

// Events returns the persisted events for sessionID whose id is greater
// than afterID, in order. Live delivery goes through SubscribeEvents.
func (c *Controller) Events(ctx context.Context, sessionID string, afterID int64) ([]store.StreamEvent, error) {
	return c.Bus.Replay(ctx, sessionID, afterID)
}

func (c *Controller) SubscribeEvents(sessionID string) *eventbus.Subscription {
	return c.Bus.Subscribe(sessionID)
}

// --- Merge operations ---------------------------------------------------

func (c *Controller) Preflight(ctx context.Context, sessionID string) (merge.PreflightReport, error) {
	return c.Merge.Preflight(ctx, sessionID)
}

func (c *Controller) Squash(ctx context.Context, sessionID, message string, mode gitops.SquashMode) error {
	return c.Merge.Squash(ctx, sessionID, message, mode)
}

func (c *Controller) Rebase(ctx context.Context, sessionID string) (gitops.RebaseResult, error) {
	return c.Merge.Rebase(ctx, sessionID)
}

func (c *Controller) ContinueMerge(ctx context.Context, sessionID string) (gitops.RebaseResult, error) {
	return c.Merge.ContinueMerge(ctx, sessionID)
}

func (c *Controller) AbortMerge(ctx context.Context, sessionID string) error {
	return c.Merge.AbortMerge(ctx, sessionID)
}

func (c *Controller) FastForwardMerge(ctx context.Context, sessionID string, noFF bool) error {
	return c.Merge.FastForwardMerge(ctx, sessionID, noFF)
}

// --- Batch operations -----------------------------------------------------

func (c *Controller) StartBatch(ctx context.Context, plan batch.Plan) (string, error) {
	return c.Batch.Start(ctx, plan)
}

func (c *Controller) AbortBatch(runID string) error {
	return c.Batch.Abort(runID)
}

func (c *Controller) GetBatchRun(ctx context.Context, runID string) (store.BatchRun, error) {
	return c.Store.GetBatchRun(ctx, runID)
}

func (c *Controller) ListBatchRuns(ctx context.Context) ([]store.BatchRun, error) {
	return c.Store.ListBatchRuns(ctx)
}

func (c *Controller) ListBatchItems(ctx context.Context, runID string) ([]store.BatchItem, error) {
	return c.Store.ListBatchItems(ctx, runID)
}

type ndjsonLine struct {
	Type   string `json:"type"`
	RunID  string `json:"runId,omitempty"`
	ItemID string `json:"itemId,omitempty"`
	Repo   string `json:"repo,omitempty"`
	Status string `json:"status,omitempty"`

	ItemCount int `json:"itemCount,omitempty"`
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Errored   int `json:"errored,omitempty"`
	TimedOut  int `json:"timedOut,omitempty"`
	Aborted   int `json:"aborted,omitempty"`
}

// ExportBatch writes the run's full item history as NDJSON: a meta header
// line, one item line per batch item, and a result trailer line — mirroring
// the header/trailer convention used for per-item stream-event logs.
func (c *Controller) ExportBatch(ctx context.Context, runID string, w io.Writer) error {
	run, err := c.Store.GetBatchRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("export batch: %w", err)
	}
	items, err := c.Store.ListBatchItems(ctx, runID)
	if err != nil {
		return fmt.Errorf("export batch: %w", err)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(ndjsonLine{Type: "meta", RunID: run.ID, ItemCount: len(items)}); err != nil {
		return fmt.Errorf("export batch: %w", err)
	}

	var trailer ndjsonLine
	trailer.Type, trailer.RunID = "result", run.ID
	for _, it := range items {
		if err := enc.Encode(ndjsonLine{
			Type: "item", RunID: run.ID, ItemID: it.ID, Repo: it.Repo, Status: string(it.Status),
		}); err != nil {
			return fmt.Errorf("export batch: %w", err)
		}
		switch it.Status {
		case store.ItemSuccess:
			trailer.Succeeded++
		case store.ItemFail:
			trailer.Failed++
		case store.ItemError:
			trailer.Errored++
		case store.ItemTimeout:
			trailer.TimedOut++
		case store.ItemAborted:
			trailer.Aborted++
		}
	}
	if err := enc.Encode(trailer); err != nil {
		return fmt.Errorf("export batch: %w", err)
	}
	return nil
}

// --- Interactive operations -------------------------------------------

// StartInteractive spawns a keep-alive agent handle. The returned channel
// carries typed events tagged implicitly by the handle id the caller
// receives; callers that switch threads should discard events from a stale
// handle rather than trusting channel identity alone.
func (c *Controller) StartInteractive(ctx context.Context, opts agent.Options) (string, <-chan agent.Message, error) {
	msgCh := make(chan agent.Message, 64)
	sess, err := c.Backend.Start(ctx, opts, msgCh, nil)
	if err != nil {
		return "", nil, fmt.Errorf("start interactive: %w", err)
	}

	c.mu.Lock()
	if c.handles == nil {
		c.handles = make(map[string]*interactiveHandle)
	}
	c.handles[sess.HandleID()] = &interactiveHandle{sessionID: opts.ThreadID, sess: sess, msgCh: msgCh}
	c.mu.Unlock()

	return sess.HandleID(), msgCh, nil
}

func (c *Controller) Send(handleID, text string) error {
	c.mu.Lock()
	h, ok := c.handles[handleID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to handle %s: %w", handleID, errs.ErrBadInput)
	}
	return h.sess.Send(text)
}

func (c *Controller) StopInteractive(handleID string, grace time.Duration) error {
	c.mu.Lock()
	h, ok := c.handles[handleID]
	if ok {
		delete(c.handles, handleID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop handle %s: %w", handleID, errs.ErrBadInput)
	}
	return h.sess.Stop(grace)
}
