package store

import (
	"context"
	"fmt"
)

// SessionUsage aggregates token usage across a session's iterations, feeding
// the usage-reporting surface generalized from the teacher's per-task view.
func (d *DB) SessionUsage(ctx context.Context, sessionID string) (SessionUsageSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var s SessionUsageSummary
	s.SessionID = sessionID
	err := d.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
			COALESCE(SUM(total_tokens),0), COUNT(*)
		FROM iterations WHERE session_id = ?`, sessionID).
		Scan(&s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.Iterations)
	if err != nil {
		return SessionUsageSummary{}, fmt.Errorf("session usage: %w", err)
	}
	return s, nil
}

// UsageByModel aggregates token usage grouped by model across all sessions.
func (d *DB) UsageByModel(ctx context.Context) ([]ModelUsageSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.sql.QueryContext(ctx, `
		SELECT model, COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
			COALESCE(SUM(total_tokens),0), COUNT(*)
		FROM iterations WHERE model != '' GROUP BY model ORDER BY SUM(total_tokens) DESC`)
	if err != nil {
		return nil, fmt.Errorf("usage by model: %w", err)
	}
	defer rows.Close()
	var out []ModelUsageSummary
	for rows.Next() {
		var m ModelUsageSummary
		if err := rows.Scan(&m.Model, &m.PromptTokens, &m.CompletionTokens, &m.TotalTokens, &m.Iterations); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
