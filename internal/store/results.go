package store

import (
	"fmt"
)

// RecordResultStart inserts a running result row for the task and returns
// its id.
func (s *Store) RecordResultStart(taskID int64, triggerReason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO task_results(task_id, status, trigger_reason, started_at) VALUES (?, ?, ?, ?)",
		taskID, StatusRunning, triggerReason, At(s.now()))
	if err != nil {
		return 0, fmt.Errorf("record result start for task %d: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record result start for task %d: %w", taskID, err)
	}
	return id, nil
}

// FinalizeResult writes the terminal status, finish time, and captured log
// for a result. Only rows still in the running state transition; finalizing
// an already-finalized or unknown result returns ErrNotFound.
func (s *Store) FinalizeResult(resultID int64, status, log string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != StatusSuccess && status != StatusFailed {
		return fmt.Errorf("finalize result %d: invalid terminal status %q", resultID, status)
	}
	res, err := s.db.Exec(
		"UPDATE task_results SET status=?, finished_at=?, log=? WHERE id=? AND status=?",
		status, At(s.now()), log, resultID, StatusRunning)
	if err != nil {
		return fmt.Errorf("finalize result %d: %w", resultID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("running result %d: %w", resultID, ErrNotFound)
	}
	return nil
}

// GetLatestResult returns the most recent result for a task, or nil when the
// task has never run.
func (s *Store) GetLatestResult(taskID int64) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLatestResult(taskID)
}

func (s *Store) getLatestResult(taskID int64) (*TaskResult, error) {
	var result TaskResult
	err := s.db.Get(&result,
		"SELECT * FROM task_results WHERE task_id=? ORDER BY started_at DESC, id DESC LIMIT 1",
		taskID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest result for task %d: %w", taskID, err)
	}
	return &result, nil
}

// AttachLatestResults fills each task's LatestResult in place.
func (s *Store) AttachLatestResults(tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range tasks {
		latest, err := s.getLatestResult(tasks[i].ID)
		if err != nil {
			return err
		}
		tasks[i].LatestResult = latest
	}
	return nil
}

// FetchResults returns a page of results for a task, newest first.
func (s *Store) FetchResults(taskID int64, limit, offset int) ([]TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var results []TaskResult
	err := s.db.Select(&results,
		"SELECT * FROM task_results WHERE task_id=? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?",
		taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch results for task %d: %w", taskID, err)
	}
	return results, nil
}

// DeleteResults removes one result (when resultID is non-zero) or all
// results of a task, returning the number of rows deleted.
func (s *Store) DeleteResults(taskID int64, resultID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		query = "DELETE FROM task_results WHERE task_id=?"
		args  = []any{taskID}
	)
	if resultID != 0 {
		query += " AND id=?"
		args = append(args, resultID)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete results for task %d: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasRunningInstance reports whether any result row for the task is still
// running.
func (s *Store) HasRunningInstance(taskID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.Get(&n,
		"SELECT COUNT(1) FROM task_results WHERE task_id=? AND status=?",
		taskID, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("check running instance for task %d: %w", taskID, err)
	}
	return n > 0, nil
}
