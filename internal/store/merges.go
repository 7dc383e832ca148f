package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateMergeHistory inserts an in-progress merge record under the id the
// caller supplies in m.ID, which the caller later passes to
// FinishMergeHistory once the attempt completes.
func (d *DB) CreateMergeHistory(ctx context.Context, m MergeHistory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO merge_history (id, session_id, started_at, base_branch, mode, result,
			conflict_files, squash_message)
		VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.StartedAt, m.BaseBranch, m.Mode, m.Result,
		strings.Join(m.ConflictFiles, "\n"), m.SquashMessage)
	if err != nil {
		return fmt.Errorf("create merge history: %w", err)
	}
	return nil
}

// FinishMergeHistory stamps the outcome of a completed or aborted merge attempt.
func (d *DB) FinishMergeHistory(ctx context.Context, id string, result MergeResult, conflictFiles []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		UPDATE merge_history SET finished_at = ?, result = ?, conflict_files = ? WHERE id = ?`,
		time.Now(), result, strings.Join(conflictFiles, "\n"), id)
	if err != nil {
		return fmt.Errorf("finish merge history: %w", err)
	}
	return nil
}

// ListMergeHistoryBySession returns a session's merge attempts, most recent first.
func (d *DB) ListMergeHistoryBySession(ctx context.Context, sessionID string) ([]MergeHistory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, started_at, finished_at, base_branch, mode, result,
			conflict_files, squash_message FROM merge_history
		WHERE session_id = ? ORDER BY started_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list merge history: %w", err)
	}
	defer rows.Close()
	var out []MergeHistory
	for rows.Next() {
		var m MergeHistory
		var finished sql.NullTime
		var conflicts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.StartedAt, &finished, &m.BaseBranch, &m.Mode,
			&m.Result, &conflicts, &m.SquashMessage); err != nil {
			return nil, fmt.Errorf("scan merge history: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			m.FinishedAt = &t
		}
		if conflicts != "" {
			m.ConflictFiles = strings.Split(conflicts, "\n")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
