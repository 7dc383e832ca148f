package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sessionkit/orchestrator/internal/errs"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	initial_prompt TEXT NOT NULL,
	repo_root TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	status TEXT NOT NULL,
	script_command TEXT NOT NULL DEFAULT '',
	model_override TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_run TIMESTAMP,
	notes TEXT NOT NULL DEFAULT '',
	auto_commit INTEGER NOT NULL DEFAULT 0,
	thread_id TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT 'async'
);
CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repo_root);
CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id);

CREATE TABLE IF NOT EXISTS iterations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	commit_sha TEXT NOT NULL DEFAULT '',
	files_changed INTEGER NOT NULL DEFAULT 0,
	lines_added INTEGER NOT NULL DEFAULT 0,
	lines_deleted INTEGER NOT NULL DEFAULT 0,
	test_result TEXT NOT NULL DEFAULT 'none',
	test_exit_code INTEGER,
	model TEXT NOT NULL DEFAULT '',
	agent_version TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	thread_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id, started_at);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	iteration_id TEXT NOT NULL REFERENCES iterations(id),
	timestamp TIMESTAMP NOT NULL,
	tool_name TEXT NOT NULL,
	args_json TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER,
	raw_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_tool_calls_iteration ON tool_calls(iteration_id);

CREATE TABLE IF NOT EXISTS stream_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	event_type TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	data_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_events_session ON stream_events(session_id, id);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	title TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_threads_session ON threads(session_id);

CREATE TABLE IF NOT EXISTS merge_history (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	base_branch TEXT NOT NULL,
	mode TEXT NOT NULL,
	result TEXT NOT NULL,
	conflict_files TEXT NOT NULL DEFAULT '',
	squash_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_merge_history_session ON merge_history(session_id, started_at);

CREATE TABLE IF NOT EXISTS batch_runs (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	defaults_json TEXT NOT NULL DEFAULT '',
	concurrency INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_items (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES batch_runs(id),
	repo TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	script_command TEXT NOT NULL DEFAULT '',
	timeout_sec INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP,
	session_id TEXT NOT NULL DEFAULT '',
	tokens_total INTEGER NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_batch_items_run ON batch_items(run_id);
`

// DB wraps a *sql.DB with single-writer serialization (SQLite allows only
// one writer at a time; we queue writes behind a mutex rather than let the
// driver surface SQLITE_BUSY under concurrent load, per spec.md §5's
// single-writer discipline for the embedded store).
type DB struct {
	sql *sql.DB
	mu  sync.Mutex
	log *slog.Logger

	retentionDays int
	stopRetention chan struct{}
}

// Open opens (creating if absent) the SQLite database at path, applies
// migrations, and starts the background retention sweep.
func Open(ctx context.Context, path string, retentionDays int, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", errors.Join(err, errs.ErrStoreUnavailable))
	}
	sqlDB.SetMaxOpenConns(1) // single physical connection, consistent with our own write mutex

	d := &DB{sql: sqlDB, log: log, retentionDays: retentionDays, stopRetention: make(chan struct{})}
	if err := d.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	go d.retentionLoop()
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_meta").Scan(&count); err != nil {
		return fmt.Errorf("read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("seed schema_meta: %w", err)
		}
	} else {
		var version int
		if err := tx.QueryRowContext(ctx, "SELECT version FROM schema_meta LIMIT 1").Scan(&version); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if version > schemaVersion {
			return fmt.Errorf("store schema version %d newer than supported %d: %w", version, schemaVersion, errs.ErrSchemaIncompatible)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// retentionLoop sweeps stream_events older than retentionDays once a day.
// A zero or negative retentionDays disables the sweep entirely.
func (d *DB) retentionLoop() {
	if d.retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopRetention:
			return
		case <-ticker.C:
			d.sweepRetention()
		}
	}
}

func (d *DB) sweepRetention() {
	cutoff := time.Now().AddDate(0, 0, -d.retentionDays)
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.Exec("DELETE FROM stream_events WHERE timestamp < ?", cutoff)
	if err != nil {
		d.log.Warn("retention sweep failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.log.Info("retention sweep", "deletedEvents", n, "cutoff", cutoff)
	}
}

// Close stops the retention loop and closes the underlying database.
func (d *DB) Close() error {
	close(d.stopRetention)
	return d.sql.Close()
}
