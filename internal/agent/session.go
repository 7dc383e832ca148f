package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// HandleState is the lifecycle of an interactive (chat-mode) handle.
type HandleState string

const (
	HandleStarting HandleState = "starting"
	HandleReady    HandleState = "ready"
	HandleBusy     HandleState = "busy"
	HandleClosed   HandleState = "closed"
)

// Session wraps one spawned agent CLI process plus its stdin for
// interactive (chat-mode) follow-up messages. Async (batch) callers use
// Start and then Wait; interactive callers additionally use Send.
type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	handleID string

	mu    sync.Mutex
	state HandleState
	threadID string
}

// HandleID is a stable identifier for this process, distinct from ThreadID:
// it never changes even if the underlying thread is restarted after a
// ThreadNotFound error, so subscribers can tell a genuine cross-talk bug
// (wrong handle) from an expected thread rotation (same handle, new thread).
func (s *Session) HandleID() string { return s.handleID }

// State returns the current interactive handle state.
func (s *Session) State() HandleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st HandleState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ThreadID returns the thread id captured from the CLI's system_init event,
// or "" if none has been observed yet.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) setThreadID(id string) {
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

// Send writes a follow-up prompt to a running interactive session. It fails
// with ErrHandleNotReady if the handle is busy or not yet started.
func (s *Session) Send(prompt string) error {
	if s.State() != HandleReady {
		return fmt.Errorf("send prompt: %w", errs.ErrHandleNotReady)
	}
	s.setState(HandleBusy)
	line := fmt.Sprintf("{\"type\":\"user\",\"message\":{\"role\":\"user\",\"content\":%q}}\n", prompt)
	if _, err := io.WriteString(s.stdin, line); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// RequestStop politely closes stdin (EOF signals the agent CLI to wind
// down) without waiting on the process. Callers that already own a Wait
// goroutine (e.g. a respawn path reaping exit via its own done channel)
// use this plus Kill directly, since exec.Cmd.Wait must only be called once.
func (s *Session) RequestStop() {
	s.setState(HandleClosed)
	_ = s.stdin.Close()
}

// Kill forcibly terminates the process.
func (s *Session) Kill() error {
	return s.cmd.Process.Kill()
}

// Stop politely closes stdin (EOF signals the agent CLI to wind down) then,
// if the process has not exited within the grace period, kills it.
func (s *Session) Stop(grace time.Duration) error {
	s.RequestStop()
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = s.Kill()
		return <-done
	}
}

// Wait blocks until the process exits, for async (single-shot) invocations.
func (s *Session) Wait() error {
	return s.cmd.Wait()
}

// Spawn starts bin with args in workDir, wiring stdin and returning both the
// Session and a reader over stdout. Standard error is forwarded to the
// process's inherited stderr unchanged, since agent CLIs use it for
// human-readable diagnostics rather than structured events.
func Spawn(ctx context.Context, bin string, args []string, workDir string, env []string) (*Session, io.Reader, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, nil, fmt.Errorf("spawn agent: %w", errs.ErrAgentNotFound)
	}
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec // bin/args are operator-configured, not remote input.
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawn agent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("spawn agent: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn agent: start: %w", err)
	}

	sess := &Session{cmd: cmd, stdin: stdin, handleID: newHandleID(), state: HandleStarting}
	return sess, bufio.NewReaderSize(stdout, 64*1024), nil
}

var handleSeq struct {
	mu sync.Mutex
	n  int
}

// newHandleID produces a process-local sequence id. Uniqueness only needs
// to hold within one orchestrator process lifetime, unlike session/thread
// ids which are persisted and must be globally unique (see store, which
// mints those via uuid).
func newHandleID() string {
	handleSeq.mu.Lock()
	defer handleSeq.mu.Unlock()
	handleSeq.n++
	return fmt.Sprintf("handle-%d", handleSeq.n)
}
