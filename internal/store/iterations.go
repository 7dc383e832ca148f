package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateIteration inserts an iteration row at start time (EndedAt unset).
func (d *DB) CreateIteration(ctx context.Context, it Iteration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO iterations (id, session_id, started_at, commit_sha, files_changed,
			lines_added, lines_deleted, test_result, model, agent_version, thread_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.SessionID, it.StartedAt, it.CommitSHA, it.FilesChanged,
		it.LinesAdded, it.LinesDeleted, it.TestResult, it.Model, it.AgentVersion, it.ThreadID)
	if err != nil {
		return fmt.Errorf("create iteration: %w", err)
	}
	return nil
}

// FinishIteration stamps the terminal fields of an iteration once the agent
// process and any script command have completed.
func (d *DB) FinishIteration(ctx context.Context, it Iteration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		UPDATE iterations SET ended_at = ?, commit_sha = ?, files_changed = ?, lines_added = ?,
			lines_deleted = ?, test_result = ?, test_exit_code = ?, exit_code = ?,
			prompt_tokens = ?, completion_tokens = ?, total_tokens = ?
		WHERE id = ?`,
		it.EndedAt, it.CommitSHA, it.FilesChanged, it.LinesAdded, it.LinesDeleted,
		it.TestResult, it.TestExitCode, it.ExitCode,
		it.TokenUsage.Prompt, it.TokenUsage.Completion, it.TokenUsage.Total, it.ID)
	if err != nil {
		return fmt.Errorf("finish iteration: %w", err)
	}
	return nil
}

// ListIterationsBySession returns a session's iterations in chronological order.
func (d *DB) ListIterationsBySession(ctx context.Context, sessionID string) ([]Iteration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, started_at, ended_at, commit_sha, files_changed, lines_added,
			lines_deleted, test_result, test_exit_code, model, agent_version, exit_code,
			prompt_tokens, completion_tokens, total_tokens, thread_id
		FROM iterations WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()
	var out []Iteration
	for rows.Next() {
		var it Iteration
		var ended sql.NullTime
		if err := rows.Scan(&it.ID, &it.SessionID, &it.StartedAt, &ended, &it.CommitSHA,
			&it.FilesChanged, &it.LinesAdded, &it.LinesDeleted, &it.TestResult, &it.TestExitCode,
			&it.Model, &it.AgentVersion, &it.ExitCode,
			&it.TokenUsage.Prompt, &it.TokenUsage.Completion, &it.TokenUsage.Total, &it.ThreadID); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			it.EndedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CreateToolCall inserts one tool invocation row.
func (d *DB) CreateToolCall(ctx context.Context, tc ToolCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, iteration_id, timestamp, tool_name, args_json,
			success, duration_ms, raw_json)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		tc.ID, tc.SessionID, tc.IterationID, tc.Timestamp, tc.ToolName, tc.ArgsJSON,
		tc.Success, tc.DurationMs, tc.RawJSON)
	if err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	return nil
}

// ListToolCallsBySession returns a session's tool calls in chronological order.
func (d *DB) ListToolCallsBySession(ctx context.Context, sessionID string) ([]ToolCall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success,
			duration_ms, raw_json FROM tool_calls WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var success int
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.IterationID, &tc.Timestamp, &tc.ToolName,
			&tc.ArgsJSON, &success, &tc.DurationMs, &tc.RawJSON); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Success = success != 0
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListToolCallsByIteration returns tool calls scoped to a single iteration,
// used to pair tool_use/tool_result events for one agent run.
func (d *DB) ListToolCallsByIteration(ctx context.Context, iterationID string) ([]ToolCall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, session_id, iteration_id, timestamp, tool_name, args_json, success,
			duration_ms, raw_json FROM tool_calls WHERE iteration_id = ? ORDER BY timestamp ASC`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls by iteration: %w", err)
	}
	defer rows.Close()
	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var success int
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.IterationID, &tc.Timestamp, &tc.ToolName,
			&tc.ArgsJSON, &success, &tc.DurationMs, &tc.RawJSON); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Success = success != 0
		out = append(out, tc)
	}
	return out, rows.Err()
}
