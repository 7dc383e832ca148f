package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sessionkit/orchestrator/internal/errs"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/merge"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

// Scheduler executes plans against the Worktree Manager with bounded
// concurrency, isolating each item's failure from the rest of the run.
type Scheduler struct {
	Manager *worktree.Manager
	Merge   *merge.Engine
	Store   *store.DB
	Bus     *eventbus.Bus
	Log     *slog.Logger

	mu      sync.Mutex
	aborted map[string]*atomic.Bool
	cancels map[string]context.CancelFunc
}

func (s *Scheduler) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Start validates and persists a plan, then runs its items through a
// concurrency-bounded worker pool in the background. It returns the run id
// immediately; progress is reported via the event bus and queryable via
// the store.
func (s *Scheduler) Start(ctx context.Context, plan Plan) (string, error) {
	if err := plan.validate(); err != nil {
		return "", fmt.Errorf("start batch: %w", err)
	}
	runID := uuid.NewString()
	defaultsJSON, err := json.Marshal(plan.Defaults)
	if err != nil {
		return "", fmt.Errorf("start batch: %w", err)
	}
	if err := s.Store.CreateBatchRun(ctx, store.BatchRun{
		ID: runID, CreatedAt: time.Now(), DefaultsJSON: string(defaultsJSON),
		Concurrency: plan.Concurrency, Status: "running",
	}); err != nil {
		return "", fmt.Errorf("start batch: %w", err)
	}

	items := make([]store.BatchItem, 0, len(plan.Items))
	for _, it := range plan.Items {
		item := store.BatchItem{
			ID: uuid.NewString(), RunID: runID, Repo: it.Repo, Prompt: it.Prompt,
			Model: it.Model, ScriptCommand: it.ScriptCommand,
			TimeoutSec: plan.resolvedTimeout(it), Status: store.ItemQueued, Attempt: 0,
		}
		if err := s.Store.CreateBatchItem(ctx, item); err != nil {
			return "", fmt.Errorf("start batch: %w", err)
		}
		items = append(items, item)
	}

	abortFlag := &atomic.Bool{}
	bgCtx := context.WithoutCancel(ctx)
	workCtx, cancelWork := context.WithCancel(bgCtx)

	s.mu.Lock()
	if s.aborted == nil {
		s.aborted = make(map[string]*atomic.Bool)
		s.cancels = make(map[string]context.CancelFunc)
	}
	s.aborted[runID] = abortFlag
	s.cancels[runID] = cancelWork
	s.mu.Unlock()

	go s.run(bgCtx, workCtx, plan, runID, items, abortFlag)
	return runID, nil
}

// Abort flips the run's cooperative-cancellation flag and cancels the
// run's context, so an item already mid-flight (inside CreateSession's git
// or agent subprocess calls) is torn down immediately instead of running to
// completion — without this, a running item could still transition to
// success after Abort returned.
func (s *Scheduler) Abort(runID string) error {
	s.mu.Lock()
	flag, ok := s.aborted[runID]
	cancel := s.cancels[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("abort batch %s: %w", runID, errs.ErrBadInput)
	}
	flag.Store(true)
	if cancel != nil {
		cancel()
	}
	return nil
}

// run drives the worker pool. ctx is never cancelled (bookkeeping writes —
// transitions, finish records, the final run status — must still land after
// an abort); workCtx is cancelled by Abort and is what in-flight item work
// is actually rooted on, so a running item is torn down rather than left to
// finish on its own.
func (s *Scheduler) run(ctx, workCtx context.Context, plan Plan, runID string, items []store.BatchItem, abortFlag *atomic.Bool) {
	sem := semaphore.NewWeighted(int64(plan.Concurrency))
	queue := make(chan store.BatchItem, len(items))
	for _, it := range items {
		queue <- it
	}
	close(queue)

	done := make(chan struct{}, len(items))
	for it := range queue {
		it := it
		if abortFlag.Load() {
			s.finishItem(ctx, it, store.ItemAborted, "", 0)
			done <- struct{}{}
			continue
		}
		if err := sem.Acquire(workCtx, 1); err != nil {
			s.finishItem(ctx, it, store.ItemAborted, "", 0)
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			s.runItem(ctx, workCtx, plan, runID, it, abortFlag)
		}()
	}
	for range items {
		<-done
	}

	finalStatus := "completed"
	if abortFlag.Load() {
		finalStatus = "aborted"
	}
	if err := s.Store.UpdateBatchRunStatus(ctx, runID, finalStatus); err != nil {
		s.log().Warn("update batch run status failed", "run", runID, "error", err)
	}
}

// runItem executes createSession -> (test already ran inside it) -> optional
// merge, retrying only on process/OS errors up to defaults.retries. ctx is
// used for bookkeeping writes; workCtx (cancelled on Abort) roots the actual
// item work so an in-flight attempt is interrupted rather than left to
// complete and falsely report success after an abort.
func (s *Scheduler) runItem(ctx, workCtx context.Context, plan Plan, runID string, item store.BatchItem, abortFlag *atomic.Bool) {
	maxAttempts := plan.Defaults.Retries + 1
	spec := findItemSpec(plan, item)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if abortFlag.Load() {
			s.finishItem(ctx, item, store.ItemAborted, "", 0)
			return
		}
		item.Attempt = attempt
		s.transition(ctx, item, store.ItemRunning)

		timeout := time.Duration(plan.resolvedTimeout(spec)) * time.Second
		itemCtx, cancel := context.WithTimeout(workCtx, timeout)
		status, sessionID, tokens := s.attemptItem(itemCtx, plan, spec, item)
		cancel()
		if abortFlag.Load() {
			status = store.ItemAborted
		}

		item.SessionID = sessionID
		item.TokensTotal = tokens

		if status == store.ItemError && attempt < maxAttempts {
			s.log().Info("batch item retrying after error", "run", runID, "item", item.ID, "attempt", attempt)
			continue
		}
		s.finishItem(ctx, item, status, sessionID, tokens)
		return
	}
}

func (s *Scheduler) attemptItem(ctx context.Context, plan Plan, spec ItemSpec, item store.BatchItem) (store.BatchItemStatus, string, int) {
	sess, err := s.Manager.CreateSession(ctx, worktree.CreateOptions{
		InitialPrompt: spec.Prompt, RepoRoot: spec.Repo, BaseBranch: plan.resolvedBaseBranch(spec),
		ScriptCommand: spec.ScriptCommand, ModelOverride: spec.Model,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return store.ItemTimeout, "", 0
		}
		return store.ItemError, "", 0
	}

	usage, usageErr := s.Store.SessionUsage(ctx, sess.ID)
	tokens := 0
	if usageErr == nil {
		tokens = usage.TotalTokens
	}

	if sess.Status == store.StatusError {
		return store.ItemError, sess.ID, tokens
	}

	iterations, err := s.Store.ListIterationsBySession(ctx, sess.ID)
	passed := spec.ScriptCommand == ""
	if err == nil && len(iterations) > 0 {
		last := iterations[len(iterations)-1]
		passed = last.TestResult == store.TestPass || last.TestResult == store.TestNone
	}
	if !passed {
		return store.ItemFail, sess.ID, tokens
	}

	if plan.resolvedMergeOnPass(spec) && s.Merge != nil {
		if err := s.Merge.Squash(ctx, sess.ID, "batch: "+spec.Prompt, gitops.SquashInclude); err != nil {
			return store.ItemFail, sess.ID, tokens
		}
		if res, err := s.Merge.Rebase(ctx, sess.ID); err != nil || !res.OK {
			return store.ItemFail, sess.ID, tokens
		}
		if err := s.Merge.FastForwardMerge(ctx, sess.ID, false); err != nil {
			return store.ItemFail, sess.ID, tokens
		}
	}
	return store.ItemSuccess, sess.ID, tokens
}

func (s *Scheduler) transition(ctx context.Context, item store.BatchItem, status store.BatchItemStatus) {
	item.Status = status
	if status == store.ItemRunning {
		now := time.Now()
		item.StartedAt = &now
	}
	if err := s.Store.UpdateBatchItem(ctx, item); err != nil {
		s.log().Warn("update batch item failed", "item", item.ID, "error", err)
	}
	s.publishProgress(ctx, item)
}

func (s *Scheduler) finishItem(ctx context.Context, item store.BatchItem, status store.BatchItemStatus, sessionID string, tokens int) {
	item.Status = status
	if sessionID != "" {
		item.SessionID = sessionID
	}
	item.TokensTotal = tokens
	now := time.Now()
	item.FinishedAt = &now
	if err := s.Store.UpdateBatchItem(ctx, item); err != nil {
		s.log().Warn("finish batch item failed", "item", item.ID, "error", err)
	}
	s.publishProgress(ctx, item)
}

// publishProgress emits {runId, itemId, status} to the bus. Items without an
// assigned session yet (failed before createSession could persist one) have
// nowhere durable to attach the event to, since stream_events is keyed by an
// existing session id; those transitions are logged instead.
func (s *Scheduler) publishProgress(ctx context.Context, item store.BatchItem) {
	if s.Bus == nil || item.SessionID == "" {
		s.log().Info("batch item progress", "run", item.RunID, "item", item.ID, "status", item.Status)
		return
	}
	data, err := json.Marshal(struct {
		RunID  string `json:"runId"`
		ItemID string `json:"itemId"`
		Status string `json:"status"`
	}{RunID: item.RunID, ItemID: item.ID, Status: string(item.Status)})
	if err != nil {
		return
	}
	_ = s.Bus.Publish(ctx, eventbus.Event{SessionID: item.SessionID, Type: store.EventResult, DataJSON: string(data)})
}

func findItemSpec(plan Plan, item store.BatchItem) ItemSpec {
	for _, it := range plan.Items {
		if it.Repo == item.Repo && it.Prompt == item.Prompt {
			return it
		}
	}
	return ItemSpec{Repo: item.Repo, Prompt: item.Prompt, ScriptCommand: item.ScriptCommand, Model: item.Model}
}
