package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// CreateSession inserts a new session row.
func (d *DB) CreateSession(ctx context.Context, s Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO sessions (id, name, initial_prompt, repo_root, base_branch, branch_name,
			worktree_path, status, script_command, model_override, created_at, last_run,
			notes, auto_commit, thread_id, mode)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.InitialPrompt, s.RepoRoot, s.BaseBranch, s.BranchName,
		s.WorktreePath, s.Status, s.ScriptCommand, s.ModelOverride, s.CreatedAt, s.LastRun,
		s.Notes, s.AutoCommit, s.ThreadID, s.Mode)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, name, initial_prompt, repo_root, base_branch, branch_name, worktree_path,
			status, script_command, model_override, created_at, last_run, notes, auto_commit,
			thread_id, mode FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsByRepo returns sessions for repoRoot, most recent first.
func (d *DB) ListSessionsByRepo(ctx context.Context, repoRoot string) ([]Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, name, initial_prompt, repo_root, base_branch, branch_name, worktree_path,
			status, script_command, model_override, created_at, last_run, notes, auto_commit,
			thread_id, mode FROM sessions WHERE repo_root = ? ORDER BY created_at DESC`, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSessionStatus transitions a session's status, optionally stamping LastRun.
// Each update is serialized behind the store's write mutex; a caller's
// read-status-then-update sequence is not atomic as a whole.
func (d *DB) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, stampLastRun bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var res sql.Result
	var err error
	if stampLastRun {
		res, err = d.sql.ExecContext(ctx, `UPDATE sessions SET status = ?, last_run = ? WHERE id = ?`, status, time.Now(), id)
	} else {
		res, err = d.sql.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return mustAffectOne(res, id)
}

// AttachThread records the agent-issued thread id for a session. Idempotent:
// calling it twice with the same threadID is a no-op success. A different
// threadID replaces the stored one; the id itself always comes from the caller.
func (d *DB) AttachThread(ctx context.Context, sessionID, threadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx, `UPDATE sessions SET thread_id = ? WHERE id = ?`, threadID, sessionID)
	if err != nil {
		return fmt.Errorf("attach thread: %w", err)
	}
	return mustAffectOne(res, sessionID)
}

// GetSessionByThread resolves a session from a thread id, or ErrBadInput if none matches.
func (d *DB) GetSessionByThread(ctx context.Context, threadID string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, name, initial_prompt, repo_root, base_branch, branch_name, worktree_path,
			status, script_command, model_override, created_at, last_run, notes, auto_commit,
			thread_id, mode FROM sessions WHERE thread_id = ?`, threadID)
	return scanSession(row)
}

// DeleteSession removes a session row (called after worktree cleanup succeeds).
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var lastRun sql.NullTime
	var autoCommit int
	if err := row.Scan(&s.ID, &s.Name, &s.InitialPrompt, &s.RepoRoot, &s.BaseBranch, &s.BranchName,
		&s.WorktreePath, &s.Status, &s.ScriptCommand, &s.ModelOverride, &s.CreatedAt, &lastRun,
		&s.Notes, &autoCommit, &s.ThreadID, &s.Mode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session: %w", errs.ErrBadInput)
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	s.AutoCommit = autoCommit != 0
	return s, nil
}

func mustAffectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no row for id %q: %w", id, errs.ErrBadInput)
	}
	return nil
}
