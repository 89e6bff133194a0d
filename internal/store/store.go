package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/fnsched/fnsched/internal/account"
	"github.com/fnsched/fnsched/internal/cron"
)

// schemaVersion is the current schema version kept in PRAGMA user_version.
const schemaVersion = 2

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	account TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	schedule_expression TEXT,
	condition_script TEXT,
	condition_interval INTEGER NOT NULL DEFAULT 60,
	event_type TEXT NOT NULL DEFAULT 'script',
	is_active INTEGER NOT NULL DEFAULT 1,
	pre_task_ids TEXT NOT NULL DEFAULT '[]',
	script_body TEXT NOT NULL,
	last_run_at TEXT,
	next_run_at TEXT,
	last_condition_check_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	trigger_reason TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	log TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id, started_at DESC);
`

const createTemplatesSQL = `
CREATE TABLE IF NOT EXISTS templates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the durable task/result/template repository. It is safe for
// concurrent use; see the package comment for the locking contract.
type Store struct {
	db     *sqlx.DB
	policy *account.Policy
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// Open opens (creating if necessary) the database at path, applies schema
// migrations, and returns the Store.
func Open(path string, policy *account.Policy, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// The serialization contract lives on s.mu; a single connection keeps
	// SQLite from hitting cross-connection lock contention underneath it.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		policy: policy,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate brings the schema to the current version. Version 0 creates the
// full schema; version 1 gains the event_type column. The templates table
// is ensured regardless of version, for upgrade paths from builds that
// predate templates.
func (s *Store) migrate() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		if _, err := s.db.Exec(createSchemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		version = schemaVersion
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	if version < 2 {
		_, err := s.db.Exec("ALTER TABLE tasks ADD COLUMN event_type TEXT NOT NULL DEFAULT 'script'")
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return fmt.Errorf("add event_type column: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version=2"); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		version = 2
	}
	if _, err := s.db.Exec(createTemplatesSQL); err != nil {
		return fmt.Errorf("create templates table: %w", err)
	}

	s.logger.Debug().Int("schema_version", version).Msg("database ready")
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Policy exposes the account policy the store validates against.
func (s *Store) Policy() *account.Policy { return s.policy }

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []Task
	if err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY id ASC"); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns the number of tasks.
func (s *Store) CountTasks() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.Get(&n, "SELECT COUNT(1) FROM tasks"); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTask(id)
}

func (s *Store) getTask(id int64) (*Task, error) {
	var task Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE id=?", id)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &task, nil
}

// ListDueTasks returns active schedule tasks whose next_run_at is at or
// before moment, oldest first then by id.
func (s *Store) ListDueTasks(moment time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []Task
	err := s.db.Select(&tasks, `
		SELECT * FROM tasks
		WHERE trigger_type=? AND is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`,
		TriggerSchedule, moment.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return tasks, nil
}

// ListEventTasks returns active event tasks, optionally filtered by event
// type, ordered by id.
func (s *Store) ListEventTasks(eventType string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT * FROM tasks WHERE trigger_type=? AND is_active=1"
	args := []any{TriggerEvent}
	if eventType != "" {
		query += " AND event_type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY id ASC"

	var tasks []Task
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, fmt.Errorf("list event tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask validates the payload, inserts the task, and returns the stored
// row. Schedule tasks get their initial next_run_at computed from now.
func (s *Store) CreateTask(in TaskInput) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.prepareTask(in, nil)
	if err != nil {
		return nil, err
	}
	now := At(s.now())
	task.CreatedAt = now
	task.UpdatedAt = now

	res, err := s.db.NamedExec(`
		INSERT INTO tasks (
			name, account, trigger_type, schedule_expression, condition_script,
			condition_interval, event_type, is_active, pre_task_ids, script_body,
			last_run_at, next_run_at, last_condition_check_at, created_at, updated_at
		) VALUES (
			:name, :account, :trigger_type, :schedule_expression, :condition_script,
			:condition_interval, :event_type, :is_active, :pre_task_ids, :script_body,
			:last_run_at, :next_run_at, :last_condition_check_at, :created_at, :updated_at
		)`, task)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, validationf("task name %q already exists", task.Name)
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return s.getTask(id)
}

// UpdateTask merges the partial payload over the stored row, re-validates,
// and writes it back. A changed schedule expression forces next_run_at to be
// recomputed from the current moment.
func (s *Store) UpdateTask(id int64, in TaskInput) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTask(id)
	if err != nil {
		return nil, err
	}
	task, err := s.prepareTask(in, existing)
	if err != nil {
		return nil, err
	}
	task.ID = id
	task.UpdatedAt = At(s.now())

	_, err = s.db.NamedExec(`
		UPDATE tasks SET
			name=:name, account=:account, trigger_type=:trigger_type,
			schedule_expression=:schedule_expression, condition_script=:condition_script,
			condition_interval=:condition_interval, event_type=:event_type,
			is_active=:is_active, pre_task_ids=:pre_task_ids, script_body=:script_body,
			last_run_at=:last_run_at, next_run_at=:next_run_at,
			last_condition_check_at=:last_condition_check_at, updated_at=:updated_at
		WHERE id=:id`, task)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, validationf("task name %q already exists", task.Name)
		}
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	return s.getTask(id)
}

// DeleteTask removes a task; results cascade.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLastRun stamps the task's last_run_at with the current moment.
func (s *Store) UpdateLastRun(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := At(s.now())
	_, err := s.db.Exec("UPDATE tasks SET last_run_at=?, updated_at=? WHERE id=?", now, now, id)
	if err != nil {
		return fmt.Errorf("update last run for task %d: %w", id, err)
	}
	return nil
}

// UpdateConditionCheck stamps the task's last_condition_check_at.
func (s *Store) UpdateConditionCheck(id int64, moment time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE tasks SET last_condition_check_at=?, updated_at=? WHERE id=?",
		At(moment), At(s.now()), id)
	if err != nil {
		return fmt.Errorf("update condition check for task %d: %w", id, err)
	}
	return nil
}

// ScheduleNextRun computes the next firing instant of expression after base
// and persists it as the task's next_run_at.
func (s *Store) ScheduleNextRun(id int64, expression string, base time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expr, err := cron.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	next, err := expr.NextAfter(base.UTC())
	if err != nil {
		return time.Time{}, err
	}
	_, err = s.db.Exec("UPDATE tasks SET next_run_at=?, updated_at=? WHERE id=?",
		At(next), At(s.now()), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule next run for task %d: %w", id, err)
	}
	return next, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
