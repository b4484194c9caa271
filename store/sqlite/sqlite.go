// Package sqlite persists session checkpoints and scheduled tasks in a
// local SQLite file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/relay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements relay.CheckpointStore and scheduled-task storage backed by
// a local SQLite file. Checkpoint histories are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ relay.CheckpointStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			continuation TEXT,
			messages TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			description TEXT,
			prompt TEXT NOT NULL,
			system_prompt TEXT,
			schedule TEXT NOT NULL,
			notify_mode TEXT NOT NULL,
			chat_id TEXT,
			next_run INTEGER,
			enabled INTEGER DEFAULT 1
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Save writes or replaces the checkpoint for a session.
func (s *Store) Save(ctx context.Context, sessionID string, cp relay.Checkpoint) error {
	start := time.Now()
	s.logger.Debug("sqlite: save checkpoint", "session", sessionID, "messages", len(cp.Messages))

	msgs, err := json.Marshal(cp.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (session_id, continuation, messages, saved_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, cp.Continuation, string(msgs), cp.SavedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save checkpoint failed", "session", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: save checkpoint ok", "session", sessionID, "duration", time.Since(start))
	return nil
}

// Load returns the checkpoint for a session, reporting whether one exists.
func (s *Store) Load(ctx context.Context, sessionID string) (relay.Checkpoint, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load checkpoint", "session", sessionID)

	var cp relay.Checkpoint
	var msgs string
	err := s.db.QueryRowContext(ctx,
		`SELECT continuation, messages, saved_at FROM checkpoints WHERE session_id = ?`,
		sessionID,
	).Scan(&cp.Continuation, &msgs, &cp.SavedAt)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: no checkpoint", "session", sessionID)
		return relay.Checkpoint{}, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load checkpoint failed", "session", sessionID, "error", err, "duration", time.Since(start))
		return relay.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &cp.Messages); err != nil {
		return relay.Checkpoint{}, false, fmt.Errorf("unmarshal messages: %w", err)
	}
	s.logger.Debug("sqlite: load checkpoint ok", "session", sessionID, "messages", len(cp.Messages), "duration", time.Since(start))
	return cp, true, nil
}

// Clear deletes the checkpoint for a session. Clearing a session that has no
// checkpoint is not an error.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: clear checkpoint", "session", sessionID)

	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		s.logger.Error("sqlite: clear checkpoint failed", "session", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: clear checkpoint ok", "session", sessionID, "duration", time.Since(start))
	return nil
}

// --- Scheduled tasks ---

const taskColumns = `id, description, prompt, system_prompt, schedule, notify_mode, chat_id, next_run, enabled`

// CreateTask inserts a scheduled task.
func (s *Store) CreateTask(ctx context.Context, task relay.ScheduledTask) error {
	start := time.Now()
	s.logger.Debug("sqlite: create task", "id", task.ID, "description", task.Description, "schedule", task.Schedule)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Description, task.Prompt, task.SystemPrompt,
		task.Schedule, string(task.NotifyMode), task.ChatID, task.NextRun, boolToInt(task.Enabled))
	if err != nil {
		s.logger.Error("sqlite: create task failed", "id", task.ID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: create task ok", "id", task.ID, "duration", time.Since(start))
	return nil
}

// ListTasks returns all scheduled tasks ordered by next run time.
func (s *Store) ListTasks(ctx context.Context) ([]relay.ScheduledTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list tasks")

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY next_run`)
	if err != nil {
		s.logger.Error("sqlite: list tasks failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		s.logger.Error("sqlite: list tasks scan failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: list tasks ok", "count", len(tasks), "duration", time.Since(start))
	return tasks, nil
}

// DueTasks returns the enabled tasks whose next run time is at or before now.
func (s *Store) DueTasks(ctx context.Context, now int64) ([]relay.ScheduledTask, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get due tasks", "now", now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE enabled = 1 AND next_run <= ?`, now)
	if err != nil {
		s.logger.Error("sqlite: get due tasks failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		s.logger.Error("sqlite: get due tasks scan failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: get due tasks ok", "count", len(tasks), "duration", time.Since(start))
	return tasks, nil
}

// UpdateTask replaces every mutable field of a task.
func (s *Store) UpdateTask(ctx context.Context, task relay.ScheduledTask) error {
	start := time.Now()
	s.logger.Debug("sqlite: update task", "id", task.ID, "next_run", task.NextRun, "enabled", task.Enabled)

	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET description=?, prompt=?, system_prompt=?, schedule=?, notify_mode=?, chat_id=?, next_run=?, enabled=? WHERE id=?`,
		task.Description, task.Prompt, task.SystemPrompt, task.Schedule,
		string(task.NotifyMode), task.ChatID, task.NextRun, boolToInt(task.Enabled), task.ID)
	if err != nil {
		s.logger.Error("sqlite: update task failed", "id", task.ID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: update task ok", "id", task.ID, "duration", time.Since(start))
	return nil
}

// SetTaskEnabled toggles a task without touching its other fields.
func (s *Store) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	start := time.Now()
	s.logger.Debug("sqlite: set task enabled", "id", id, "enabled", enabled)

	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	if err != nil {
		s.logger.Error("sqlite: set task enabled failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: set task enabled ok", "id", id, "enabled", enabled, "duration", time.Since(start))
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete task", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete task failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: delete task ok", "id", id, "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanTasks(rows *sql.Rows) ([]relay.ScheduledTask, error) {
	var tasks []relay.ScheduledTask
	for rows.Next() {
		var t relay.ScheduledTask
		var mode string
		var enabled int
		if err := rows.Scan(&t.ID, &t.Description, &t.Prompt, &t.SystemPrompt,
			&t.Schedule, &mode, &t.ChatID, &t.NextRun, &enabled); err != nil {
			return nil, err
		}
		t.NotifyMode = relay.NotifyMode(mode)
		t.Enabled = enabled != 0
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
