package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sessionkit/orchestrator/internal/errs"
)

// UpsertThread creates a thread row on first sight, or bumps its
// last-message-at/message-count on subsequent calls. The agent CLI is the
// sole authority for thread identity; this method never mints an id itself.
func (d *DB) UpsertThread(ctx context.Context, t Thread) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var exists int
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check thread: %w", err)
	}
	if exists == 0 {
		_, err := d.sql.ExecContext(ctx, `
			INSERT INTO threads (id, session_id, title, created_at, last_message_at, message_count)
			VALUES (?,?,?,?,?,?)`, t.ID, t.SessionID, t.Title, t.CreatedAt, t.LastMessageAt, t.MessageCount)
		if err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		return nil
	}
	_, err := d.sql.ExecContext(ctx, `
		UPDATE threads SET last_message_at = ?, message_count = message_count + 1 WHERE id = ?`,
		t.LastMessageAt, t.ID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by id.
func (d *DB) GetThread(ctx context.Context, id string) (Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var t Thread
	err := d.sql.QueryRowContext(ctx, `
		SELECT id, session_id, title, created_at, last_message_at, message_count
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.SessionID, &t.Title, &t.CreatedAt, &t.LastMessageAt, &t.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, fmt.Errorf("thread %q: %w", id, errs.ErrThreadNotFound)
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// ListThreadsBySession returns threads attached to sessionID, most recent first.
func (d *DB) ListThreadsBySession(ctx context.Context, sessionID string) ([]Thread, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, title, created_at, last_message_at, message_count
		FROM threads WHERE session_id = ? ORDER BY last_message_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.CreatedAt, &t.LastMessageAt, &t.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetThreadTitle updates a thread's generated title.
func (d *DB) SetThreadTitle(ctx context.Context, id, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set thread title: %w", err)
	}
	return nil
}
