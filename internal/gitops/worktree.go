package gitops

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// CreateWorktree runs `fetch --prune` when remotes exist (otherwise it
// proceeds local-only), and `pull --ff-only` only when base is the branch
// currently checked out in repoRoot; it does not check base out. It then
// creates branch from base and adds a worktree at path. Partial failures are cleaned up: if branch creation
// succeeds but `worktree add` fails, the branch is deleted before returning.
func (o *Ops) CreateWorktree(ctx context.Context, repoRoot, branch, path, base string) error {
	hasRemote, err := o.HasRemote(ctx, repoRoot)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	if hasRemote {
		if res, err := o.run(ctx, repoRoot, "fetch", "--prune"); err != nil {
			return fmt.Errorf("create worktree: fetch: %w", err)
		} else if res.ExitCode != 0 {
			return fmt.Errorf("create worktree: fetch: %s", res.Stderr)
		}
		// Pull the base branch up to date if it's the currently checked-out branch.
		cur, err := o.CurrentBranch(ctx, repoRoot)
		if err == nil && cur == base {
			if res, err := o.run(ctx, repoRoot, "pull", "--ff-only"); err != nil {
				return fmt.Errorf("create worktree: pull: %w", err)
			} else if res.ExitCode != 0 {
				return fmt.Errorf("create worktree: pull: %s", res.Stderr)
			}
		}
	}

	if res, err := o.run(ctx, repoRoot, "branch", branch, base); err != nil {
		return fmt.Errorf("create worktree: branch: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("create worktree: branch: %s", res.Stderr)
	}

	res, err := o.run(ctx, repoRoot, "worktree", "add", path, branch)
	if err != nil {
		o.cleanupBranch(ctx, repoRoot, branch)
		return fmt.Errorf("create worktree: worktree add: %w", err)
	}
	if res.ExitCode != 0 {
		o.cleanupBranch(ctx, repoRoot, branch)
		return fmt.Errorf("create worktree: worktree add: %s", res.Stderr)
	}
	return nil
}

func (o *Ops) cleanupBranch(ctx context.Context, repoRoot, branch string) {
	_, _ = o.run(ctx, repoRoot, "branch", "-D", branch)
}

// CommitChanges stages everything in worktreePath and commits with message.
// Returns ("", nil) if nothing was staged.
func (o *Ops) CommitChanges(ctx context.Context, worktreePath, message string) (string, error) {
	dirty, err := o.IsDirty(ctx, worktreePath)
	if err != nil {
		return "", fmt.Errorf("commit changes: %w", err)
	}
	if !dirty {
		return "", nil
	}
	if res, err := o.run(ctx, worktreePath, "add", "-A"); err != nil {
		return "", fmt.Errorf("commit changes: add: %w", err)
	} else if res.ExitCode != 0 {
		return "", fmt.Errorf("commit changes: add: %s", res.Stderr)
	}
	res, err := o.run(ctx, worktreePath, "commit", "-m", message)
	if err != nil {
		return "", fmt.Errorf("commit changes: commit: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("commit changes: commit: %s", res.Stderr)
	}
	return o.HeadSHA(ctx, worktreePath)
}

// BranchInfo reports ahead/behind counts and the branchpoint SHA relative to base.
type BranchInfo struct {
	AheadBy       int
	BehindBy      int
	BranchpointSHA string
}

// GetBranchInfo computes ahead/behind counts and the merge-base of
// worktreePath's HEAD against base.
func (o *Ops) GetBranchInfo(ctx context.Context, worktreePath, base string) (BranchInfo, error) {
	var info BranchInfo

	res, err := o.run(ctx, worktreePath, "merge-base", base, "HEAD")
	if err != nil {
		return info, fmt.Errorf("branch info: merge-base: %w", err)
	}
	if res.ExitCode != 0 {
		return info, fmt.Errorf("branch info: merge-base: %s", res.Stderr)
	}
	info.BranchpointSHA = strings.TrimSpace(res.Stdout)

	res, err = o.run(ctx, worktreePath, "rev-list", "--left-right", "--count", base+"...HEAD")
	if err != nil {
		return info, fmt.Errorf("branch info: rev-list: %w", err)
	}
	if res.ExitCode != 0 {
		return info, fmt.Errorf("branch info: rev-list: %s", res.Stderr)
	}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) == 2 {
		fmt.Sscanf(fields[0], "%d", &info.BehindBy)
		fmt.Sscanf(fields[1], "%d", &info.AheadBy)
	}
	return info, nil
}

// SafeRemoveWorktreeAndBranch removes the worktree and branch only if the
// branch's HEAD is an ancestor of base (i.e. fully merged). Otherwise it
// fails with ErrUnmergedDeletion.
func (o *Ops) SafeRemoveWorktreeAndBranch(ctx context.Context, repoRoot, worktreePath, branch, base string) error {
	head, err := o.HeadSHA(ctx, worktreePath)
	if err != nil {
		return fmt.Errorf("safe remove: %w", err)
	}
	isAncestor, err := o.IsAncestor(ctx, repoRoot, head, base)
	if err != nil {
		return fmt.Errorf("safe remove: %w", err)
	}
	if !isAncestor {
		return fmt.Errorf("safe remove %s: %w", branch, errs.ErrUnmergedDeletion)
	}
	return o.removeWorktreeAndBranch(ctx, repoRoot, worktreePath, branch)
}

// ForceRemove removes the worktree and branch unconditionally, plus any
// residual directory left behind by a failed `worktree remove`.
func (o *Ops) ForceRemove(ctx context.Context, repoRoot, worktreePath, branch string) error {
	if res, err := o.run(ctx, repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("force remove: worktree remove: %w", err)
	} else if res.ExitCode != 0 {
		// Worktree may already be gone; proceed to branch deletion regardless.
		_ = res
	}
	_, _ = o.run(ctx, repoRoot, "branch", "-D", branch)
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("force remove: residual dir: %w", err)
	}
	return nil
}

func (o *Ops) removeWorktreeAndBranch(ctx context.Context, repoRoot, worktreePath, branch string) error {
	res, err := o.run(ctx, repoRoot, "worktree", "remove", worktreePath)
	if err != nil {
		return fmt.Errorf("worktree remove: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("worktree remove: %s", res.Stderr)
	}
	res, err = o.run(ctx, repoRoot, "branch", "-D", branch)
	if err != nil {
		return fmt.Errorf("branch delete: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("branch delete: %s", res.Stderr)
	}
	return nil
}
