package store

import (
	"context"
	"fmt"
)

// AppendStreamEvent inserts a raw event, returning its assigned monotonic id.
// Ordering within a session is guaranteed by AUTOINCREMENT plus the write
// mutex — never by caller-supplied timestamps, which can collide or skew.
func (d *DB) AppendStreamEvent(ctx context.Context, e StreamEvent) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO stream_events (session_id, event_type, timestamp, data_json)
		VALUES (?,?,?,?)`, e.SessionID, e.EventType, e.Timestamp, e.DataJSON)
	if err != nil {
		return 0, fmt.Errorf("append stream event: %w", err)
	}
	return res.LastInsertId()
}

// ListStreamEvents returns events for sessionID with id > afterID, in order,
// capped at limit (0 means unlimited). Used both for full replay (afterID=0)
// and for resuming a live subscription after a reconnect.
func (d *DB) ListStreamEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]StreamEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := `SELECT id, session_id, event_type, timestamp, data_json FROM stream_events
		WHERE session_id = ? AND id > ? ORDER BY id ASC`
	args := []any{sessionID, afterID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stream events: %w", err)
	}
	defer rows.Close()
	var out []StreamEvent
	for rows.Next() {
		var e StreamEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Timestamp, &e.DataJSON); err != nil {
			return nil, fmt.Errorf("scan stream event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
