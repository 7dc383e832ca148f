package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateBatchRun inserts a new batch run record.
func (d *DB) CreateBatchRun(ctx context.Context, r BatchRun) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO batch_runs (id, created_at, defaults_json, concurrency, status)
		VALUES (?,?,?,?,?)`, r.ID, r.CreatedAt, r.DefaultsJSON, r.Concurrency, r.Status)
	if err != nil {
		return fmt.Errorf("create batch run: %w", err)
	}
	return nil
}

// GetBatchRun loads a batch run by id.
func (d *DB) GetBatchRun(ctx context.Context, id string) (BatchRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var r BatchRun
	err := d.sql.QueryRowContext(ctx, `
		SELECT id, created_at, defaults_json, concurrency, status FROM batch_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.CreatedAt, &r.DefaultsJSON, &r.Concurrency, &r.Status)
	if err != nil {
		return BatchRun{}, fmt.Errorf("get batch run: %w", err)
	}
	return r, nil
}

// ListBatchRuns returns all batch runs, most recent first.
func (d *DB) ListBatchRuns(ctx context.Context) ([]BatchRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, created_at, defaults_json, concurrency, status FROM batch_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list batch runs: %w", err)
	}
	defer rows.Close()
	var out []BatchRun
	for rows.Next() {
		var r BatchRun
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.DefaultsJSON, &r.Concurrency, &r.Status); err != nil {
			return nil, fmt.Errorf("scan batch run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateBatchRunStatus transitions a batch run's overall status.
func (d *DB) UpdateBatchRunStatus(ctx context.Context, id, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `UPDATE batch_runs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update batch run status: %w", err)
	}
	return nil
}

// CreateBatchItem inserts a queued item belonging to a run.
func (d *DB) CreateBatchItem(ctx context.Context, it BatchItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO batch_items (id, run_id, repo, prompt, model, script_command, timeout_sec,
			status, session_id, tokens_total, attempt)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.RunID, it.Repo, it.Prompt, it.Model, it.ScriptCommand, it.TimeoutSec,
		it.Status, it.SessionID, it.TokensTotal, it.Attempt)
	if err != nil {
		return fmt.Errorf("create batch item: %w", err)
	}
	return nil
}

// UpdateBatchItem persists an item's mutable fields (status, timing, result).
func (d *DB) UpdateBatchItem(ctx context.Context, it BatchItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		UPDATE batch_items SET status = ?, started_at = ?, finished_at = ?, session_id = ?,
			tokens_total = ?, attempt = ? WHERE id = ?`,
		it.Status, it.StartedAt, it.FinishedAt, it.SessionID, it.TokensTotal, it.Attempt, it.ID)
	if err != nil {
		return fmt.Errorf("update batch item: %w", err)
	}
	return nil
}

// ListBatchItems returns a run's items in insertion (FIFO) order.
func (d *DB) ListBatchItems(ctx context.Context, runID string) ([]BatchItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, run_id, repo, prompt, model, script_command, timeout_sec, status, started_at,
			finished_at, session_id, tokens_total, attempt
		FROM batch_items WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()
	var out []BatchItem
	for rows.Next() {
		var it BatchItem
		var started, finished sql.NullTime
		if err := rows.Scan(&it.ID, &it.RunID, &it.Repo, &it.Prompt, &it.Model, &it.ScriptCommand,
			&it.TimeoutSec, &it.Status, &started, &finished, &it.SessionID, &it.TokensTotal, &it.Attempt); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		if started.Valid {
			t := started.Time
			it.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			it.FinishedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
