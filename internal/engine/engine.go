// Package engine drives the scheduler: a single background worker that
// evaluates due cron schedules and polls script conditions once per tick,
// spawns executions, and fires the boot/shutdown pseudo-events.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnsched/fnsched/internal/executor"
	"github.com/fnsched/fnsched/internal/store"
)

const (
	tickInterval  = time.Second
	loopJoinGrace = 5 * time.Second

	// blockedRetryDelay is added to now to form the base from which a
	// dependency-blocked schedule task's next cron firing is computed.
	blockedRetryDelay = time.Minute
)

// Runner abstracts the executor for the engine; satisfied by
// *executor.Executor.
type Runner interface {
	RunTask(ctx context.Context, task *store.Task, reason string) executor.Result
	RunCondition(ctx context.Context, script string) error
}

// Engine owns the scheduling loop. Start fires the system_boot pseudo-event
// and blocks until those tasks finish; Stop does the same for
// system_shutdown and then joins the loop.
type Engine struct {
	store  *store.Store
	runner Runner
	logger zerolog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds an Engine over the given store and runner.
func New(st *store.Store, runner Runner, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  st,
		runner: runner,
		logger: logger.With().Str("component", "engine").Logger(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the system_boot tasks to completion, then launches the loop.
func (e *Engine) Start() {
	e.fireSystemEvent(store.EventTypeBoot, store.ReasonBoot)
	go e.loop()
	e.logger.Info().Msg("engine started")
}

// Stop signals the loop, runs the system_shutdown tasks to completion, and
// joins the loop with a bounded wait.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.fireSystemEvent(store.EventTypeShutdown, store.ReasonShutdown)

	select {
	case <-e.done:
	case <-time.After(loopJoinGrace):
		e.logger.Warn().Msg("engine loop did not stop within grace period")
	}
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(e.now().UTC())
		}
	}
}

// tick runs one scheduling pass. Errors are logged and never abort the loop;
// a bad task cannot kill the engine.
func (e *Engine) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
	}()

	if err := e.processDueTasks(now); err != nil {
		e.logger.Error().Err(err).Msg("processing due tasks")
	}
	if err := e.processEventTasks(now); err != nil {
		e.logger.Error().Err(err).Msg("processing event tasks")
	}
}

// processDueTasks spawns every due schedule task whose guards pass and
// advances its slot. Dependency-blocked tasks are rescheduled to the first
// cron firing after now plus blockedRetryDelay.
func (e *Engine) processDueTasks(now time.Time) error {
	due, err := e.store.ListDueTasks(now)
	if err != nil {
		return err
	}
	for i := range due {
		task := due[i]
		expression := ""
		if task.ScheduleExpression != nil {
			expression = *task.ScheduleExpression
		}

		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil {
			e.logger.Error().Err(err).Int64("task", task.ID).Msg("running-instance check")
			continue
		}
		if running {
			e.logger.Info().Int64("task", task.ID).Msg("still running, slot skipped")
			continue
		}

		met, err := e.DependenciesMet(&task)
		if err != nil {
			e.logger.Error().Err(err).Int64("task", task.ID).Msg("dependency check")
			continue
		}
		if !met {
			e.logger.Info().Int64("task", task.ID).Msg("waiting for dependencies")
			if _, err := e.store.ScheduleNextRun(task.ID, expression, now.Add(blockedRetryDelay)); err != nil {
				e.logger.Error().Err(err).Int64("task", task.ID).Msg("rescheduling blocked task")
			}
			continue
		}

		e.launch(&task, store.ReasonSchedule, nil)
		if _, err := e.store.ScheduleNextRun(task.ID, expression, now); err != nil {
			e.logger.Error().Err(err).Int64("task", task.ID).Msg("advancing schedule")
		}
	}
	return nil
}

// processEventTasks polls script conditions that are due for a check and
// spawns the tasks whose condition passed.
func (e *Engine) processEventTasks(now time.Time) error {
	tasks, err := e.store.ListEventTasks(store.EventTypeScript)
	if err != nil {
		return err
	}
	for i := range tasks {
		task := tasks[i]
		interval := time.Duration(task.ConditionInterval) * time.Second
		if task.LastConditionCheckAt.Valid && now.Sub(task.LastConditionCheckAt.Time) < interval {
			continue
		}
		if err := e.store.UpdateConditionCheck(task.ID, now); err != nil {
			e.logger.Error().Err(err).Int64("task", task.ID).Msg("stamping condition check")
			continue
		}
		if task.ConditionScript == nil {
			continue
		}
		if err := e.runner.RunCondition(context.Background(), *task.ConditionScript); err != nil {
			e.logger.Debug().Err(err).Int64("task", task.ID).Msg("condition did not fire")
			continue
		}

		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil || running {
			continue
		}
		met, err := e.DependenciesMet(&task)
		if err != nil || !met {
			continue
		}
		e.launch(&task, store.ReasonCondition, nil)
	}
	return nil
}

// DependenciesMet reports whether every pre-task's latest result is a
// success. A dependency that has never run blocks the task.
func (e *Engine) DependenciesMet(task *store.Task) (bool, error) {
	for _, depID := range task.PreTaskIDs {
		latest, err := e.store.GetLatestResult(depID)
		if err != nil {
			return false, err
		}
		if latest == nil || latest.Status != store.StatusSuccess {
			return false, nil
		}
	}
	return true, nil
}

// Spawn starts a manual (or pseudo-event) execution of a task in the
// background. Callers are responsible for the running-instance and
// dependency guards.
func (e *Engine) Spawn(task *store.Task, reason string) {
	e.launch(task, reason, nil)
}

// launch records the result start and runs the executor in a fresh
// goroutine. When wg is non-nil it is incremented for the runner's lifetime
// so pseudo-events can wait for completion.
func (e *Engine) launch(task *store.Task, reason string, wg *sync.WaitGroup) {
	resultID, err := e.store.RecordResultStart(task.ID, reason)
	if err != nil {
		e.logger.Error().Err(err).Int64("task", task.ID).Msg("recording result start")
		return
	}
	e.logger.Info().Int64("task", task.ID).Str("reason", reason).Msg("executing task")

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		res := e.runner.RunTask(context.Background(), task, reason)
		if err := e.store.FinalizeResult(resultID, res.Status, res.Log); err != nil {
			e.logger.Error().Err(err).Int64("result", resultID).Msg("finalizing result")
		}
		if err := e.store.UpdateLastRun(task.ID); err != nil {
			e.logger.Error().Err(err).Int64("task", task.ID).Msg("updating last run")
		}
		e.logger.Info().Int64("task", task.ID).Str("status", res.Status).Msg("task finished")
	}()
}

// fireSystemEvent spawns every eligible task of the given event type and
// waits for all of them to finish.
func (e *Engine) fireSystemEvent(eventType, reason string) {
	tasks, err := e.store.ListEventTasks(eventType)
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventType).Msg("listing system event tasks")
		return
	}

	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil || running {
			continue
		}
		met, err := e.DependenciesMet(&task)
		if err != nil || !met {
			continue
		}
		e.launch(&task, reason, &wg)
	}
	wg.Wait()
}

var _ Runner = (*executor.Executor)(nil)
