// Package worktree implements the session lifecycle: create, iterate, and
// clean up a git-worktree-isolated unit of agent work, orchestrating git
// operations, the agent adapter, the event bus, and the store.
package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/sessionkit/orchestrator/internal/agent"
	"github.com/sessionkit/orchestrator/internal/errs"
	"github.com/sessionkit/orchestrator/internal/eventbus"
	"github.com/sessionkit/orchestrator/internal/gitops"
	"github.com/sessionkit/orchestrator/internal/store"
)

// RuntimeConfig overrides a single iteration's model, extra agent flags, or
// script command without mutating the session's stored defaults. Per
// SPEC_FULL.md's "runtime config is first-class" decision, a nil
// RuntimeConfig simply means "use the session's own defaults for this run."
type RuntimeConfig struct {
	Model         string
	ExtraArgs     []string
	ScriptCommand string
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Name          string
	InitialPrompt string
	RepoRoot      string
	BaseBranch    string
	ScriptCommand string
	ModelOverride string
	AutoCommit    bool
	Mode          store.SessionMode
}

// Manager orchestrates session lifecycle operations.
type Manager struct {
	Git     *gitops.Ops
	Store   *store.DB
	Bus     *eventbus.Bus
	Backend agent.Backend
	AgentBin string
	AgentArgs []string
	Log     *slog.Logger
}

// validateRepoHasCommits is a read-only precondition check: it opens the
// repo and resolves HEAD without shelling out, keeping this cheap
// validation separate from the exec-based mutators that do the real work
// (createWorktree, commitChanges, ...).
func validateRepoHasCommits(repoRoot string) error {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return fmt.Errorf("not a git working tree: %w", err)
	}
	if _, err := repo.Head(); err != nil {
		return fmt.Errorf("repo has no commits: %w", err)
	}
	return nil
}

func (m *Manager) log() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

// CreateSession validates the repo, creates the worktree and branch, writes
// the initial context bundle, persists the session, and runs its first
// iteration — per spec.md §4.5, createSession already produces iteration 1,
// so batch callers never need to invoke iterate separately afterward.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (store.Session, error) {
	if opts.RepoRoot == "" || opts.InitialPrompt == "" {
		return store.Session{}, fmt.Errorf("create session: %w", errs.ErrBadInput)
	}
	if err := validateRepoHasCommits(opts.RepoRoot); err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}
	base := opts.BaseBranch
	if base == "" {
		var err error
		base, err = m.Git.CurrentBranch(ctx, opts.RepoRoot)
		if err != nil {
			return store.Session{}, fmt.Errorf("create session: %w", err)
		}
	}

	sessionID := uuid.NewString()
	worktreePath := filepath.Join(opts.RepoRoot, ".worktrees", sessionID)

	branchName, err := m.createSessionWorktree(ctx, opts, base, worktreePath)
	if err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	title := opts.Name
	if title == "" {
		title = GenerateTitle(opts.InitialPrompt)
	}
	if err := writeAgentContext(worktreePath, title, opts.InitialPrompt); err != nil {
		return store.Session{}, fmt.Errorf("create session: write context bundle: %w", err)
	}

	sess := store.Session{
		ID: sessionID, Name: title, InitialPrompt: opts.InitialPrompt, RepoRoot: opts.RepoRoot,
		BaseBranch: base, BranchName: branchName, WorktreePath: worktreePath, Status: store.StatusIdle,
		ScriptCommand: opts.ScriptCommand, ModelOverride: opts.ModelOverride, CreatedAt: time.Now(),
		AutoCommit: opts.AutoCommit, Mode: modeOrDefault(opts.Mode),
	}
	if err := m.Store.CreateSession(ctx, sess); err != nil {
		return store.Session{}, fmt.Errorf("create session: %w", err)
	}

	if _, err := m.Iterate(ctx, sessionID, "", nil); err != nil {
		return sess, fmt.Errorf("create session: initial iteration: %w", err)
	}
	final, err := m.Store.GetSession(ctx, sessionID)
	if err != nil {
		return sess, fmt.Errorf("create session: %w", err)
	}
	return final, nil
}

// createSessionWorktree mints a branchName of the mandated
// agent/<slug>/<timestamp> shape and creates its worktree. Since the
// timestamp component only has one-second resolution, two sessions named
// alike within the same second would otherwise collide; on a "branch
// already exists" failure it appends a disambiguating suffix and retries,
// preserving the mandated shape for the common case while still upholding
// the per-repo branchName uniqueness invariant.
func (m *Manager) createSessionWorktree(ctx context.Context, opts CreateOptions, base, worktreePath string) (string, error) {
	slug := slugify(opts.Name, opts.InitialPrompt)
	stamp := time.Now().UTC().Format("20060102-150405")
	branchBase := "agent/" + slug + "/" + stamp

	branchName := branchBase
	for attempt := 1; attempt <= 50; attempt++ {
		err := m.Git.CreateWorktree(ctx, opts.RepoRoot, branchName, worktreePath, base)
		if err == nil {
			return branchName, nil
		}
		if !strings.Contains(err.Error(), "already exists") {
			return "", err
		}
		branchName = fmt.Sprintf("%s-%d", branchBase, attempt+1)
	}
	return "", fmt.Errorf("create worktree: exhausted branch name retries for %s", branchBase)
}

func modeOrDefault(m store.SessionMode) store.SessionMode {
	if m == "" {
		return store.ModeAsync
	}
	return m
}

// Iterate runs one agent turn against an existing session's worktree.
// Iterate runs one more agent invocation on an existing session. rc, when
// non-nil, overrides the model, extra agent flags, and/or script command for
// this single iteration only; the session's own stored defaults are left
// untouched either way.
func (m *Manager) Iterate(ctx context.Context, sessionID, notes string, rc *RuntimeConfig) (store.Iteration, error) {
	sess, err := m.Store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Iteration{}, fmt.Errorf("iterate: %w", err)
	}
	if sess.Status == store.StatusRunning {
		return store.Iteration{}, fmt.Errorf("iterate %s: already running: %w", sessionID, errs.ErrBadInput)
	}
	if err := m.Store.UpdateSessionStatus(ctx, sessionID, store.StatusRunning, false); err != nil {
		return store.Iteration{}, fmt.Errorf("iterate: %w", err)
	}

	if err := refreshDiffSummary(ctx, m.Git, sess.WorktreePath); err != nil {
		m.log().Warn("refresh diff summary failed", "session", sessionID, "error", err)
	}

	preSHA, err := m.Git.HeadSHA(ctx, sess.WorktreePath)
	if err != nil {
		m.markError(ctx, sessionID)
		return store.Iteration{}, fmt.Errorf("iterate: %w", err)
	}

	modelOverride := sess.ModelOverride
	scriptCommand := sess.ScriptCommand
	var extraArgs []string
	if rc != nil {
		if rc.Model != "" {
			modelOverride = rc.Model
		}
		if rc.ScriptCommand != "" {
			scriptCommand = rc.ScriptCommand
		}
		extraArgs = rc.ExtraArgs
	}

	it := store.Iteration{
		ID: uuid.NewString(), SessionID: sessionID, StartedAt: time.Now(),
		Model: firstNonEmpty(modelOverride, "default"), ThreadID: sess.ThreadID,
	}
	if err := m.Store.CreateIteration(ctx, it); err != nil {
		m.markError(ctx, sessionID)
		return store.Iteration{}, fmt.Errorf("iterate: %w", err)
	}

	outcome, runErr := m.runAgent(ctx, sess, it, modelOverride, extraArgs)
	if runErr != nil {
		m.markError(ctx, sessionID)
		return it, fmt.Errorf("iterate: %w", runErr)
	}

	if sess.AutoCommit {
		committed, err := m.Git.CommitChanges(ctx, sess.WorktreePath, "agent: "+commitSummary(outcome.changedFiles))
		if err != nil {
			m.log().Warn("auto-commit failed", "session", sessionID, "error", err)
		} else if committed != "" {
			it.CommitSHA = committed
		}
	}

	if scriptCommand != "" {
		code, err := runScript(ctx, sess.WorktreePath, scriptCommand)
		if err != nil {
			m.log().Warn("script command failed to start", "session", sessionID, "error", err)
			it.TestResult = store.TestFail
		} else {
			it.TestExitCode = &code
			if code == 0 {
				it.TestResult = store.TestPass
			} else {
				it.TestResult = store.TestFail
			}
		}
	} else {
		it.TestResult = store.TestNone
	}

	ds, err := m.diffStatForIteration(ctx, sess.WorktreePath, preSHA, it.CommitSHA)
	if err != nil {
		m.log().Warn("diff stat computation failed", "session", sessionID, "error", err)
	}
	files, added, deleted := ds.Totals()
	it.FilesChanged, it.LinesAdded, it.LinesDeleted = files, added, deleted
	it.TokenUsage = outcome.usage
	it.ExitCode = outcome.exitCode
	ended := time.Now()
	it.EndedAt = &ended

	if err := m.Store.FinishIteration(ctx, it); err != nil {
		return it, fmt.Errorf("iterate: %w", err)
	}

	if outcome.threadID != "" && outcome.threadID != sess.ThreadID {
		if err := m.Store.AttachThread(ctx, sessionID, outcome.threadID); err != nil {
			m.log().Warn("attach thread failed", "session", sessionID, "error", err)
		}
	}

	finalStatus := store.StatusIdle
	switch {
	case outcome.threadNotFound:
		finalStatus = store.StatusError
	case it.TestResult == store.TestFail:
		finalStatus = store.StatusError
	case outcome.awaitingInput:
		finalStatus = store.StatusAwaitingInput
	}
	if err := m.Store.UpdateSessionStatus(ctx, sessionID, finalStatus, true); err != nil {
		return it, fmt.Errorf("iterate: %w", err)
	}
	return it, nil
}

func (m *Manager) markError(ctx context.Context, sessionID string) {
	if err := m.Store.UpdateSessionStatus(ctx, sessionID, store.StatusError, true); err != nil {
		m.log().Warn("mark session error failed", "session", sessionID, "error", err)
	}
}

type iterationOutcome struct {
	usage          store.TokenUsage
	exitCode       *int
	threadID       string
	threadNotFound bool
	awaitingInput  bool
	changedFiles   int
}

// runAgent spawns the agent backend, pumps its events onto the bus, and
// collects the summary fields iterate() needs once the process exits. Per
// the thread-not-found fallback (spec.md §4.3/§9), a rejected resume thread
// id terminates the process and respawns fresh exactly once; a second
// rejection (of a fresh thread) is reported rather than retried forever.
func (m *Manager) runAgent(ctx context.Context, sess store.Session, it store.Iteration, modelOverride string, extraArgs []string) (iterationOutcome, error) {
	threadID := sess.ThreadID
	for attempt := 0; attempt < 2; attempt++ {
		out, err := m.runAgentOnce(ctx, sess, it, modelOverride, extraArgs, threadID)
		if err != nil {
			return out, err
		}
		if out.threadNotFound && threadID != "" {
			m.log().Warn("agent rejected resumed thread, respawning without thread id",
				"session", sess.ID, "thread", threadID)
			threadID = ""
			continue
		}
		return out, nil
	}
	return iterationOutcome{threadNotFound: true}, nil
}

// runAgentOnce spawns one agent process bound to threadID (empty for a
// fresh thread) and pumps its events onto the bus until it exits, or until
// a thread-not-found error is observed, in which case the process is
// terminated immediately rather than left to exit on its own.
func (m *Manager) runAgentOnce(ctx context.Context, sess store.Session, it store.Iteration, modelOverride string, extraArgs []string, threadID string) (iterationOutcome, error) {
	var out iterationOutcome
	msgCh := make(chan agent.Message, 64)

	args := m.AgentArgs
	if len(extraArgs) > 0 {
		args = append(append([]string{}, m.AgentArgs...), extraArgs...)
	}
	opts := agent.Options{
		Bin: m.AgentBin, Args: args, WorkDir: sess.WorktreePath,
		Prompt: sess.InitialPrompt, ThreadID: threadID, Model: modelOverride,
	}

	agentSess, err := m.Backend.Start(ctx, opts, msgCh, nil)
	if err != nil {
		return out, fmt.Errorf("start agent: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- agentSess.Wait() }()

	toolStart := map[string]time.Time{}
loop:
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				break loop
			}
			received := time.Now()
			m.publish(ctx, sess.ID, msg)
			switch v := msg.(type) {
			case agent.SystemInit:
				out.threadID = v.ThreadID
			case agent.ToolUse:
				toolStart[v.ID] = received
				out.changedFiles++
				m.recordToolUse(ctx, sess.ID, it.ID, v)
			case agent.ToolResult:
				m.recordToolResult(ctx, sess.ID, it.ID, v, toolStart[v.ID])
			case agent.TokenUsageEvent:
				out.usage = store.TokenUsage{Prompt: v.PromptTokens, Completion: v.CompletionTokens, Total: v.TotalTokens}
			case agent.Result:
				code := v.ExitCode
				out.exitCode = &code
			case agent.ErrorEvent:
				if agent.IsThreadNotFound(v.Message) {
					out.threadNotFound = true
					// Terminate via RequestStop+Kill rather than Stop: the
					// done goroutine above already owns the one permitted
					// Wait call on this process.
					agentSess.RequestStop()
					select {
					case <-done:
					case <-time.After(2 * time.Second):
						_ = agentSess.Kill()
						<-done
					}
					break loop
				}
			}
		case werr := <-done:
			if werr != nil && out.exitCode == nil {
				code := -1
				out.exitCode = &code
			}
			break loop
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

// publish persists a StreamEvent with the event's data retained verbatim
// (spec.md §3's "retained for faithful replay" invariant), not just its
// type discriminator. When the backend captured the original wire bytes
// (claude.Backend always does), those are stored as-is; otherwise the
// normalized message struct itself is marshaled so the full payload still
// survives, only its exact original byte layout is lost.
func (m *Manager) publish(ctx context.Context, sessionID string, msg agent.Message) {
	data := rawPayload(msg)
	if data == nil {
		var err error
		data, err = json.Marshal(msg)
		if err != nil {
			m.log().Warn("marshal stream event failed", "session", sessionID, "type", msg.Type(), "error", err)
			return
		}
	}
	_ = m.Bus.Publish(ctx, eventbus.Event{
		SessionID: sessionID, Type: streamEventType(msg.Type()), DataJSON: string(data),
	})
}

// rawPayload returns the original wire bytes a backend captured for msg, or
// nil if none were captured.
func rawPayload(msg agent.Message) []byte {
	switch v := msg.(type) {
	case agent.SystemInit:
		return v.Raw
	case agent.UserEcho:
		return v.Raw
	case agent.AssistantMessage:
		return v.Raw
	case agent.ToolUse:
		return v.Raw
	case agent.ToolResult:
		return v.Raw
	case agent.TokenUsageEvent:
		return v.Raw
	case agent.Result:
		return v.Raw
	case agent.ErrorEvent:
		return v.Raw
	default:
		return nil
	}
}

// streamEventType maps the agent adapter's message taxonomy onto the
// store's persisted event-type vocabulary; the two are named independently
// since one describes wire events and the other describes stored rows.
func streamEventType(t agent.MessageType) store.StreamEventType {
	switch t {
	case agent.MsgSystemInit:
		return store.EventSystem
	case agent.MsgUser:
		return store.EventUser
	case agent.MsgAssistant:
		return store.EventAssistant
	case agent.MsgToolUse:
		return store.EventToolUse
	case agent.MsgToolResult:
		return store.EventToolResult
	case agent.MsgTokenUsage:
		return store.EventUsage
	case agent.MsgResult:
		return store.EventResult
	case agent.MsgError:
		return store.EventError
	default:
		return store.EventSystem
	}
}

func (m *Manager) recordToolUse(ctx context.Context, sessionID, iterationID string, v agent.ToolUse) {
	if err := m.Store.CreateToolCall(ctx, store.ToolCall{
		ID: v.ID, SessionID: sessionID, IterationID: iterationID, Timestamp: time.Now(),
		ToolName: v.ToolName, ArgsJSON: v.ArgsJSON, RawJSON: v.ArgsJSON,
	}); err != nil {
		m.log().Warn("record tool use failed", "session", sessionID, "error", err)
	}
}

func (m *Manager) recordToolResult(ctx context.Context, sessionID, iterationID string, v agent.ToolResult, started time.Time) {
	// An orphaned result (no matching ToolUse seen, e.g. a truncated stream)
	// still gets persisted — with DurationMs left nil — rather than dropped.
	var dur *int64
	if !started.IsZero() {
		d := time.Since(started).Milliseconds()
		dur = &d
	}
	if err := m.Store.CreateToolCall(ctx, store.ToolCall{
		ID: v.ID + ":result", SessionID: sessionID, IterationID: iterationID, Timestamp: time.Now(),
		ToolName: "", Success: v.Success, DurationMs: dur, RawJSON: v.Output,
	}); err != nil {
		m.log().Warn("record tool result failed", "session", sessionID, "error", err)
	}
}

// diffStatForIteration implements spec.md §4.5's per-iteration algorithm:
// numstat between pre/post HEAD when a commit occurred, otherwise numstat
// of the working tree. Binary files contribute 0 lines but count as a file.
func (m *Manager) diffStatForIteration(ctx context.Context, worktreePath, preSHA, postSHA string) (DiffStat, error) {
	if postSHA != "" {
		numstat, err := m.Git.DiffNumstatRange(ctx, worktreePath, preSHA, postSHA)
		if err != nil {
			return nil, err
		}
		return ParseDiffNumstat(numstat), nil
	}
	numstat, err := m.Git.DiffNumstatWorking(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	return ParseDiffNumstat(numstat), nil
}

// Cleanup removes a session's worktree and branch. Without force, deletion
// only proceeds if the branch is fully merged into base (safe). With
// force, the worktree, branch, and any residual directory are removed
// unconditionally; the session record is retained with status done.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, force bool) error {
	sess, err := m.Store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if _, err := os.Stat(sess.WorktreePath); os.IsNotExist(err) {
		// Already cleaned up — cleanup is idempotent per spec.md §4.8.
		return m.Store.UpdateSessionStatus(ctx, sessionID, store.StatusDone, false)
	}
	if force {
		if err := m.Git.ForceRemove(ctx, sess.RepoRoot, sess.WorktreePath, sess.BranchName); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	} else {
		if err := m.Git.SafeRemoveWorktreeAndBranch(ctx, sess.RepoRoot, sess.WorktreePath, sess.BranchName, sess.BaseBranch); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return m.Store.UpdateSessionStatus(ctx, sessionID, store.StatusDone, false)
}

// ReconcileOrphaned marks any session left in StatusRunning (e.g. after an
// unclean process restart) as StatusError; the session's notes are left
// unchanged. There is no relay
// daemon to reattach to for a directly-spawned local subprocess, so a
// mid-iteration crash can only be reconciled, never resumed transparently.
func (m *Manager) ReconcileOrphaned(ctx context.Context, repoRoot string) (int, error) {
	sessions, err := m.Store.ListSessionsByRepo(ctx, repoRoot)
	if err != nil {
		return 0, fmt.Errorf("reconcile orphaned: %w", err)
	}
	n := 0
	for _, s := range sessions {
		if s.Status != store.StatusRunning {
			continue
		}
		if err := m.Store.UpdateSessionStatus(ctx, s.ID, store.StatusError, true); err != nil {
			m.log().Warn("reconcile orphaned session failed", "session", s.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func refreshDiffSummary(ctx context.Context, git *gitops.Ops, worktreePath string) error {
	diff, err := git.DiffUnifiedZero(ctx, worktreePath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(worktreePath, "AGENT_CONTEXT", "DIFF_SUMMARY.md"), []byte("# Diff summary\n\n```diff\n"+diff+"\n```\n"), 0o644)
}

func writeAgentContext(worktreePath, title, prompt string) error {
	dir := filepath.Join(worktreePath, "AGENT_CONTEXT")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// A "*" pattern ignores every file in the folder, this one included, so
	// the bundle stays out of git status, diff stats and auto-commits.
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*\n"), 0o644); err != nil {
		return err
	}
	brief := fmt.Sprintf("# %s\n\n## Initial prompt\n\n%s\n", title, prompt)
	if err := os.WriteFile(filepath.Join(dir, "SESSION_BRIEF.md"), []byte(brief), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "DIFF_SUMMARY.md"), []byte("# Diff summary\n\n(no changes yet)\n"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "ITERATION_LOG.md"), []byte("# Iteration log\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "STATUS.md"), []byte("status: idle\n"), 0o644)
}

func runScript(ctx context.Context, dir, script string) (int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script) //nolint:gosec // script is an operator-configured session field, not remote input.
	cmd.Dir = dir
	err := cmd.Run()
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func commitSummary(changedFiles int) string {
	if changedFiles == 0 {
		return "iteration"
	}
	return strconv.Itoa(changedFiles) + " file(s) changed"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func slugify(name, fallback string) string {
	s := name
	if s == "" {
		s = fallback
	}
	s = strings.ToLower(s)
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	if out == "" {
		out = "session"
	}
	return out
}
