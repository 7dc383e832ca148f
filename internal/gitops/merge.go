package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SquashMode selects how SquashCommits treats manual (non-agent) commits.
type SquashMode string

const (
	// SquashInclude resets soft to base and commits everything as one commit.
	SquashInclude SquashMode = "include"
	// SquashExclude cherry-picks manual commits onto a fresh base first, then
	// squashes only the remaining agent: commits on top (spec.md §9 open question).
	SquashExclude SquashMode = "exclude"
)

// RebaseResult is the outcome of a rebase-family operation.
type RebaseResult struct {
	OK    bool
	Files []string
}

// SquashCommits produces a single commit on worktreePath's branch whose tree
// matches the pre-squash HEAD tree. Re-invoking on an already squashed
// branch resets to base and commits again, leaving one commit with the same
// tree (its commit id may differ). The pre- and post-squash tree hashes are
// compared to verify that the tree did not change.
func (o *Ops) SquashCommits(ctx context.Context, worktreePath, base, message string, mode SquashMode, agentCommitPrefix string) error {
	preTree, err := o.treeHash(ctx, worktreePath, "HEAD")
	if err != nil {
		return fmt.Errorf("squash: %w", err)
	}

	switch mode {
	case SquashExclude:
		if err := o.squashExcludeManual(ctx, worktreePath, base, message, agentCommitPrefix); err != nil {
			return err
		}
	default:
		if err := o.squashInclude(ctx, worktreePath, base, message); err != nil {
			return err
		}
	}

	postTree, err := o.treeHash(ctx, worktreePath, "HEAD")
	if err != nil {
		return fmt.Errorf("squash: verify: %w", err)
	}
	if preTree != postTree {
		return fmt.Errorf("squash: tree changed unexpectedly (pre=%s post=%s)", preTree, postTree)
	}
	return nil
}

func (o *Ops) squashInclude(ctx context.Context, worktreePath, base, message string) error {
	if res, err := o.run(ctx, worktreePath, "reset", "--soft", base); err != nil {
		return fmt.Errorf("squash include: reset: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("squash include: reset: %s", res.Stderr)
	}
	dirty, err := o.IsDirty(ctx, worktreePath)
	if err != nil {
		return fmt.Errorf("squash include: %w", err)
	}
	if !dirty {
		// Nothing staged relative to base (HEAD already equals base); nothing to commit.
		return nil
	}
	res, err := o.run(ctx, worktreePath, "commit", "-m", message)
	if err != nil {
		return fmt.Errorf("squash include: commit: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("squash include: commit: %s", res.Stderr)
	}
	return nil
}

// squashExcludeManual cherry-picks commits since the branchpoint that do NOT
// start with agentCommitPrefix onto a fresh branch tip off base, then squashes
// the remaining agent commits on top of that into a single commit.
func (o *Ops) squashExcludeManual(ctx context.Context, worktreePath, base, message, agentCommitPrefix string) error {
	info, err := o.GetBranchInfo(ctx, worktreePath, base)
	if err != nil {
		return fmt.Errorf("squash exclude: %w", err)
	}

	res, err := o.run(ctx, worktreePath, "log", "--reverse", "--format=%H %s", info.BranchpointSHA+"..HEAD")
	if err != nil {
		return fmt.Errorf("squash exclude: log: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("squash exclude: log: %s", res.Stderr)
	}

	var manualSHAs []string
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		sha, subject := parts[0], parts[1]
		if !strings.HasPrefix(subject, agentCommitPrefix) {
			manualSHAs = append(manualSHAs, sha)
		}
	}

	if res, err := o.run(ctx, worktreePath, "reset", "--hard", base); err != nil {
		return fmt.Errorf("squash exclude: reset to base: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("squash exclude: reset to base: %s", res.Stderr)
	}

	for _, sha := range manualSHAs {
		res, err := o.run(ctx, worktreePath, "cherry-pick", sha)
		if err != nil {
			return fmt.Errorf("squash exclude: cherry-pick %s: %w", sha, err)
		}
		if res.ExitCode != 0 {
			_, _ = o.run(ctx, worktreePath, "cherry-pick", "--abort")
			return fmt.Errorf("squash exclude: cherry-pick %s conflicted: %s", sha, res.Stderr)
		}
	}

	// Reintroduce the agent: changes on top as one squashed commit by diffing
	// the original HEAD's tree against the now-rebuilt history.
	origTree, err := o.treeHash(ctx, worktreePath, "ORIG_HEAD")
	if err != nil {
		// ORIG_HEAD may be unset if reset --hard had nothing to move from; fall back
		// to HEAD@{1}, the reflog's previous HEAD.
		origTree, err = o.treeHash(ctx, worktreePath, "HEAD@{1}")
		if err != nil {
			return fmt.Errorf("squash exclude: resolve original tree: %w", err)
		}
	}
	if res, err := o.run(ctx, worktreePath, "checkout", origTree, "--", "."); err != nil {
		return fmt.Errorf("squash exclude: restore tree: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("squash exclude: restore tree: %s", res.Stderr)
	}
	dirty, err := o.IsDirty(ctx, worktreePath)
	if err != nil {
		return fmt.Errorf("squash exclude: %w", err)
	}
	if dirty {
		if res, err := o.run(ctx, worktreePath, "add", "-A"); err != nil {
			return fmt.Errorf("squash exclude: add: %w", err)
		} else if res.ExitCode != 0 {
			return fmt.Errorf("squash exclude: add: %s", res.Stderr)
		}
		res, err := o.run(ctx, worktreePath, "commit", "-m", message)
		if err != nil {
			return fmt.Errorf("squash exclude: commit: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("squash exclude: commit: %s", res.Stderr)
		}
	}
	return nil
}

func (o *Ops) treeHash(ctx context.Context, dir, ref string) (string, error) {
	res, err := o.run(ctx, dir, "rev-parse", ref+"^{tree}")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("rev-parse %s^{tree}: %s", ref, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RebaseOntoBase rebases worktreePath's branch onto base.
func (o *Ops) RebaseOntoBase(ctx context.Context, worktreePath, base string) (RebaseResult, error) {
	res, err := o.run(ctx, worktreePath, "rebase", base)
	if err != nil {
		return RebaseResult{}, fmt.Errorf("rebase: %w", err)
	}
	if res.ExitCode == 0 {
		return RebaseResult{OK: true}, nil
	}
	files, ferr := o.conflictedFiles(ctx, worktreePath)
	if ferr != nil {
		return RebaseResult{}, fmt.Errorf("rebase conflict: list files: %w", ferr)
	}
	return RebaseResult{OK: false, Files: files}, nil
}

// ContinueRebase resumes a rebase after conflicts are resolved and staged.
func (o *Ops) ContinueRebase(ctx context.Context, worktreePath string) (RebaseResult, error) {
	res, err := o.run(ctx, worktreePath, "rebase", "--continue")
	if err != nil {
		return RebaseResult{}, fmt.Errorf("rebase --continue: %w", err)
	}
	if res.ExitCode == 0 {
		return RebaseResult{OK: true}, nil
	}
	files, ferr := o.conflictedFiles(ctx, worktreePath)
	if ferr != nil {
		return RebaseResult{}, fmt.Errorf("rebase --continue conflict: list files: %w", ferr)
	}
	return RebaseResult{OK: false, Files: files}, nil
}

// AbortRebase aborts an in-progress rebase, restoring the pre-rebase state.
func (o *Ops) AbortRebase(ctx context.Context, worktreePath string) error {
	res, err := o.run(ctx, worktreePath, "rebase", "--abort")
	if err != nil {
		return fmt.Errorf("rebase --abort: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rebase --abort: %s", res.Stderr)
	}
	return nil
}

func (o *Ops) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := o.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// FastForwardMerge switches repoRoot to base and merges branch in. By default
// uses --ff-only (fails if not a fast-forward); when noFF is true, always
// creates a merge commit with --no-ff.
func (o *Ops) FastForwardMerge(ctx context.Context, repoRoot, branch, base string, noFF bool) error {
	if res, err := o.run(ctx, repoRoot, "checkout", base); err != nil {
		return fmt.Errorf("ff merge: checkout base: %w", err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("ff merge: checkout base: %s", res.Stderr)
	}
	args := []string{"merge"}
	if noFF {
		args = append(args, "--no-ff", "-m", "merge "+branch+" into "+base)
	} else {
		args = append(args, "--ff-only")
	}
	args = append(args, branch)
	res, err := o.run(ctx, repoRoot, args...)
	if err != nil {
		return fmt.Errorf("ff merge: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ff merge: %s", res.Stderr)
	}
	return nil
}

// DiffNumstatRange runs `git diff --numstat preSha..postSha` in dir.
func (o *Ops) DiffNumstatRange(ctx context.Context, dir, preSha, postSha string) (string, error) {
	res, err := o.run(ctx, dir, "diff", "--numstat", preSha+".."+postSha)
	if err != nil {
		return "", fmt.Errorf("diff numstat range: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("diff numstat range: %s", res.Stderr)
	}
	return res.Stdout, nil
}

// DiffNumstatWorking runs `git diff --numstat` of the index+worktree against HEAD.
func (o *Ops) DiffNumstatWorking(ctx context.Context, dir string) (string, error) {
	res, err := o.run(ctx, dir, "diff", "--numstat", "HEAD")
	if err != nil {
		return "", fmt.Errorf("diff numstat working: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("diff numstat working: %s", res.Stderr)
	}
	return res.Stdout, nil
}

// DiffUnifiedZero runs `git diff --unified=0` against HEAD, used to refresh
// AGENT_CONTEXT/DIFF_SUMMARY.md (spec.md §4.5 step 2).
func (o *Ops) DiffUnifiedZero(ctx context.Context, dir string) (string, error) {
	res, err := o.run(ctx, dir, "diff", "--unified=0", "HEAD")
	if err != nil {
		return "", fmt.Errorf("diff unified=0: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("diff unified=0: %s", res.Stderr)
	}
	return res.Stdout, nil
}

// BlobSize returns the size in bytes of path as stored in ref.
func (o *Ops) BlobSize(ctx context.Context, dir, ref, path string) (int64, error) {
	res, err := o.run(ctx, dir, "cat-file", "-s", ref+":"+path)
	if err != nil {
		return 0, fmt.Errorf("blob size: %w", err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("blob size: %s", res.Stderr)
	}
	return strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
}

// DiffAddedLines runs `git diff base...branch` and returns, per file, the
// raw added-line text — used by the safety scanner (SPEC_FULL.md §4).
func (o *Ops) DiffAddedLines(ctx context.Context, dir, base, branch string) (map[string][]string, error) {
	res, err := o.run(ctx, dir, "diff", base+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("diff added lines: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("diff added lines: %s", res.Stderr)
	}
	out := map[string][]string{}
	var current string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			current = after
			continue
		}
		if strings.HasPrefix(line, "+++") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "+"); ok && current != "" {
			out[current] = append(out[current], after)
		}
	}
	return out, nil
}
