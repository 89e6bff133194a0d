// Package store owns the durable scheduler state: tasks, task results, and
// script templates, persisted in a single SQLite database with WAL
// journaling and foreign keys enabled. Every exported method serializes on
// one mutex inside the Store value, so multi-step read-modify-write
// sequences stay atomic without explicit transactions.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Trigger types.
const (
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// Event types for event-triggered tasks.
const (
	EventTypeScript   = "script"
	EventTypeBoot     = "system_boot"
	EventTypeShutdown = "system_shutdown"
)

// Result statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Trigger reasons recorded with every result.
const (
	ReasonSchedule  = "schedule"
	ReasonCondition = "condition"
	ReasonManual    = "manual"
	ReasonBoot      = "system_boot"
	ReasonShutdown  = "system_shutdown"
)

// MinConditionInterval is the floor applied to condition polling intervals.
const MinConditionInterval = 10

// ErrNotFound indicates a missing task, result, or template.
var ErrNotFound = errors.New("not found")

// ValidationError is a caller-visible payload problem: empty fields,
// malformed cron, unknown trigger or event type, disallowed account.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NullTime is a nullable UTC instant stored as RFC3339 text. The zero value
// is null.
type NullTime struct {
	Time  time.Time
	Valid bool
}

// At wraps a concrete instant.
func At(t time.Time) NullTime {
	return NullTime{Time: t.UTC(), Valid: true}
}

// Scan implements sql.Scanner for TEXT and time-typed columns.
func (n *NullTime) Scan(value any) error {
	if value == nil {
		*n = NullTime{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*n = At(v)
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into NullTime", value)
	}
}

func (n *NullTime) parse(s string) error {
	if s == "" {
		*n = NullTime{}
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	*n = At(t)
	return nil
}

// Value implements driver.Valuer, writing RFC3339 UTC text or NULL.
func (n NullTime) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Time.UTC().Format(time.RFC3339), nil
}

// MarshalJSON renders the instant as an RFC3339 string, or null.
func (n NullTime) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Time.UTC().Format(time.RFC3339))
}

// UnmarshalJSON accepts an RFC3339 string or null.
func (n *NullTime) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil {
		*n = NullTime{}
		return nil
	}
	return n.parse(*s)
}

// IDList is an ordered sequence of task ids, stored as a JSON array in a
// TEXT column. Decoding keeps duplicates; task validation de-duplicates it
// and removes the task's own id before storage. Its JSON form additionally accepts a string that
// itself decodes to an integer array, matching what the UI submits.
type IDList []int64

// Scan implements sql.Scanner.
func (l *IDList) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return l.decode([]byte(v))
	case []byte:
		return l.decode(v)
	default:
		return fmt.Errorf("cannot scan %T into IDList", value)
	}
}

func (l *IDList) decode(data []byte) error {
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]int64)(l))
}

// Value implements driver.Valuer.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int64(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// UnmarshalJSON accepts [1,2,3] or "[1,2,3]".
func (l *IDList) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if s, ok := raw.(string); ok {
		return json.Unmarshal([]byte(s), (*[]int64)(l))
	}
	return json.Unmarshal(data, (*[]int64)(l))
}

// MarshalJSON always renders an array, never null.
func (l IDList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int64(l))
}

// normalized returns the list deduplicated in order, with self removed.
func (l IDList) normalized(selfID int64) IDList {
	out := make(IDList, 0, len(l))
	seen := make(map[int64]bool, len(l))
	for _, id := range l {
		if id == selfID && selfID != 0 {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Task is a durable unit of work.
type Task struct {
	ID                   int64    `db:"id" json:"id"`
	Name                 string   `db:"name" json:"name"`
	Account              string   `db:"account" json:"account"`
	TriggerType          string   `db:"trigger_type" json:"trigger_type"`
	ScheduleExpression   *string  `db:"schedule_expression" json:"schedule_expression"`
	ConditionScript      *string  `db:"condition_script" json:"condition_script"`
	ConditionInterval    int      `db:"condition_interval" json:"condition_interval"`
	EventType            string   `db:"event_type" json:"event_type"`
	IsActive             bool     `db:"is_active" json:"is_active"`
	PreTaskIDs           IDList   `db:"pre_task_ids" json:"pre_task_ids"`
	ScriptBody           string   `db:"script_body" json:"script_body"`
	LastRunAt            NullTime `db:"last_run_at" json:"last_run_at"`
	NextRunAt            NullTime `db:"next_run_at" json:"next_run_at"`
	LastConditionCheckAt NullTime `db:"last_condition_check_at" json:"last_condition_check_at"`
	CreatedAt            NullTime `db:"created_at" json:"created_at"`
	UpdatedAt            NullTime `db:"updated_at" json:"updated_at"`

	// LatestResult is populated on read paths that embed it; never stored.
	LatestResult *TaskResult `db:"-" json:"latest_result,omitempty"`
}

// TaskResult is one execution record of a task.
type TaskResult struct {
	ID            int64    `db:"id" json:"id"`
	TaskID        int64    `db:"task_id" json:"task_id"`
	Status        string   `db:"status" json:"status"`
	TriggerReason string   `db:"trigger_reason" json:"trigger_reason"`
	StartedAt     NullTime `db:"started_at" json:"started_at"`
	FinishedAt    NullTime `db:"finished_at" json:"finished_at"`
	Log           *string  `db:"log" json:"log"`
}

// Template is a reusable script body snippet keyed by a unique identifier.
type Template struct {
	ID        int64    `db:"id" json:"id"`
	Key       string   `db:"key" json:"key"`
	Name      string   `db:"name" json:"name"`
	Body      string   `db:"body" json:"body"`
	CreatedAt NullTime `db:"created_at" json:"created_at"`
	UpdatedAt NullTime `db:"updated_at" json:"updated_at"`
}

// TaskInput is a create/update payload. Nil fields keep existing values on
// update and take defaults on create.
type TaskInput struct {
	Name               *string `json:"name"`
	Account            *string `json:"account"`
	TriggerType        *string `json:"trigger_type"`
	ScheduleExpression *string `json:"schedule_expression"`
	ConditionScript    *string `json:"condition_script"`
	ConditionInterval  *int    `json:"condition_interval"`
	EventType          *string `json:"event_type"`
	IsActive           *bool   `json:"is_active"`
	PreTaskIDs         *IDList `json:"pre_task_ids"`
	ScriptBody         *string `json:"script_body"`
}
