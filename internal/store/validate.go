package store

import (
	"strings"

	"github.com/fnsched/fnsched/internal/cron"
)

const defaultConditionInterval = 60

// prepareTask merges a payload over an existing row (nil on create),
// validates the result, and computes derived fields. Callers hold s.mu.
func (s *Store) prepareTask(in TaskInput, existing *Task) (*Task, error) {
	task := Task{
		TriggerType:       TriggerSchedule,
		ConditionInterval: defaultConditionInterval,
		EventType:         EventTypeScript,
		IsActive:          true,
	}
	if existing != nil {
		task = *existing
	}

	if in.Name != nil {
		task.Name = strings.TrimSpace(*in.Name)
	}
	if in.Account != nil {
		task.Account = strings.TrimSpace(*in.Account)
	}
	if in.TriggerType != nil {
		task.TriggerType = strings.TrimSpace(*in.TriggerType)
	}
	if in.ScheduleExpression != nil {
		task.ScheduleExpression = trimmedOrNil(*in.ScheduleExpression)
	}
	if in.ConditionScript != nil {
		task.ConditionScript = trimmedOrNil(*in.ConditionScript)
	}
	if in.ConditionInterval != nil {
		task.ConditionInterval = *in.ConditionInterval
	}
	if in.EventType != nil {
		task.EventType = strings.TrimSpace(*in.EventType)
	}
	if in.IsActive != nil {
		task.IsActive = *in.IsActive
	}
	if in.PreTaskIDs != nil {
		task.PreTaskIDs = *in.PreTaskIDs
	}
	if in.ScriptBody != nil {
		task.ScriptBody = strings.TrimSpace(*in.ScriptBody)
	}

	if task.TriggerType != TriggerSchedule && task.TriggerType != TriggerEvent {
		return nil, validationf("trigger_type must be %q or %q", TriggerSchedule, TriggerEvent)
	}
	if task.Name == "" {
		return nil, validationf("task name is required")
	}
	if task.ScriptBody == "" {
		return nil, validationf("script body must not be empty")
	}

	if task.Account == "" && !s.policy.PosixSupported() {
		task.Account = s.policy.DefaultAccount()
	}
	if task.Account == "" {
		return nil, validationf("account is required")
	}
	allowed, err := s.policy.EnsureAllowed(task.Account)
	if err != nil {
		return nil, validationf("%s", err.Error())
	}
	task.Account = allowed

	if task.ConditionInterval < MinConditionInterval {
		task.ConditionInterval = MinConditionInterval
	}
	if task.EventType == "" {
		task.EventType = EventTypeScript
	}

	var selfID int64
	if existing != nil {
		selfID = existing.ID
	}
	task.PreTaskIDs = task.PreTaskIDs.normalized(selfID)

	switch task.TriggerType {
	case TriggerSchedule:
		if task.ScheduleExpression == nil {
			return nil, validationf("schedule tasks require a cron expression")
		}
		expr, err := cron.Parse(*task.ScheduleExpression)
		if err != nil {
			return nil, validationf("invalid cron expression: %s", err.Error())
		}
		exprChanged := existing == nil ||
			existing.TriggerType != TriggerSchedule ||
			existing.ScheduleExpression == nil ||
			*existing.ScheduleExpression != *task.ScheduleExpression
		if exprChanged || !task.NextRunAt.Valid {
			next, err := expr.NextAfter(s.now())
			if err != nil {
				return nil, validationf("invalid cron expression: %s", err.Error())
			}
			task.NextRunAt = At(next)
		}
		task.ConditionScript = nil
		task.EventType = EventTypeScript

	case TriggerEvent:
		switch task.EventType {
		case EventTypeScript:
			if task.ConditionScript == nil {
				return nil, validationf("event tasks with a script condition require condition_script")
			}
		case EventTypeBoot, EventTypeShutdown:
			task.ConditionScript = nil
			task.LastConditionCheckAt = NullTime{}
		default:
			return nil, validationf("unsupported event_type %q", task.EventType)
		}
		task.ScheduleExpression = nil
		task.NextRunAt = NullTime{}
	}

	return &task, nil
}

func trimmedOrNil(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}
