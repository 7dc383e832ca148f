// Package gitops provides typed wrappers over the system git binary scoped
// to a worktree, per spec.md §4.1. Every call enforces a wall-clock timeout
// and classifies failures; it never returns a non-zero exit code as a Go
// error on its own — callers inspect Result.ExitCode to decide.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// Result is the outcome of a single git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ops executes git subprocesses with timeouts and contextual error enrichment.
type Ops struct {
	// GitPath is the git binary to exec (GIT_PATH override). Defaults to "git".
	GitPath string
	// Timeout bounds every invocation. Defaults to 30s.
	Timeout time.Duration
	// Log receives operational detail; defaults to slog.Default() if nil.
	Log *slog.Logger
}

func (o *Ops) bin() string {
	if o.GitPath != "" {
		return o.GitPath
	}
	return "git"
}

func (o *Ops) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 30 * time.Second
}

func (o *Ops) log() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

// run executes git with args in dir, enforcing the configured timeout. On
// timeout it sends an interrupt then, after a 5s grace period, kills the
// process, matching spec.md §4.1's "polite termination, then forced
// termination after 5s".
func (o *Ops) run(ctx context.Context, dir string, args ...string) (Result, error) {
	if _, err := exec.LookPath(o.bin()); err != nil {
		return Result{}, &errs.GitError{Op: "lookup " + o.bin(), Cwd: dir, Err: errs.ErrGitNotFound}
	}
	if dir != "" {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return Result{}, &errs.GitError{Op: "stat cwd", Cwd: dir, Err: errs.ErrGitCwdMissing}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, o.bin(), args...) //nolint:gosec // args are internally constructed, not user input.
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	o.log().Debug("git exec", "dir", dir, "args", args)
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: enrichStderr(stderr.String())}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, &errs.GitError{Op: strings.Join(append([]string{o.bin()}, args...), " "), Cwd: dir, Err: errs.ErrGitTimeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is not a Go error for the caller — it's encoded in Result.
			return res, nil
		}
		return res, &errs.GitError{Op: strings.Join(append([]string{o.bin()}, args...), " "), Cwd: dir, Err: err}
	}
	return res, nil
}

// enrichStderr appends informational hints for well-known git failure
// patterns. This never changes exit codes — purely advisory, per spec.md §4.1.
func enrichStderr(stderr string) string {
	switch {
	case strings.Contains(stderr, "not a git repository"):
		return stderr + "\nhint: the working directory is not inside a git repository"
	case strings.Contains(stderr, "Permission denied"):
		return stderr + "\nhint: check filesystem or SSH key permissions"
	case strings.Contains(stderr, "does not exist") || strings.Contains(stderr, "No such file"):
		return stderr + "\nhint: the referenced path or ref was not found"
	default:
		return stderr
	}
}

// CurrentBranch returns the checked-out branch name in dir.
func (o *Ops) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := o.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("current branch: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HeadSHA returns the commit SHA at HEAD in dir.
func (o *Ops) HeadSHA(ctx context.Context, dir string) (string, error) {
	res, err := o.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head sha: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("head sha: %s", res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// HasRemote reports whether dir has at least one configured remote.
func (o *Ops) HasRemote(ctx context.Context, dir string) (bool, error) {
	res, err := o.run(ctx, dir, "remote")
	if err != nil {
		return false, fmt.Errorf("list remotes: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// IsDirty reports whether the worktree has uncommitted changes (tracked or untracked).
func (o *Ops) IsDirty(ctx context.Context, dir string) (bool, error) {
	res, err := o.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// IsAncestor reports whether ancestor is an ancestor of (or equal to) descendant.
func (o *Ops) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	res, err := o.run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, fmt.Errorf("merge-base --is-ancestor: %w", err)
	}
	return res.ExitCode == 0, nil
}
