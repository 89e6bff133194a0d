package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/fnsched/internal/account"
	"github.com/fnsched/fnsched/internal/executor"
	"github.com/fnsched/fnsched/internal/store"
)

type fakeRunner struct {
	mu             sync.Mutex
	taskRuns       []string // "<name>:<reason>"
	conditionCalls int
	conditionErr   error
	result         executor.Result
}

func (f *fakeRunner) RunTask(ctx context.Context, task *store.Task, reason string) executor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskRuns = append(f.taskRuns, task.Name+":"+reason)
	if f.result.Status == "" {
		return executor.Result{Status: store.StatusSuccess, Log: "ok"}
	}
	return f.result
}

func (f *fakeRunner) RunCondition(ctx context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditionCalls++
	return f.conditionErr
}

func (f *fakeRunner) runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.taskRuns...)
}

func (f *fakeRunner) conditions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conditionCalls
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeRunner) {
	t.Helper()
	policy := account.NewPolicy("")
	st, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"), policy, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runner := &fakeRunner{}
	return New(st, runner, zerolog.Nop()), st, runner
}

func pickAccount(t *testing.T, st *store.Store) string {
	t.Helper()
	if !st.Policy().PosixSupported() {
		return st.Policy().DefaultAccount()
	}
	allowed := st.Policy().ListAllowed()
	if len(allowed) == 0 {
		t.Skip("no allowed accounts on this host")
	}
	return allowed[0]
}

func ptr[T any](v T) *T { return &v }

func createScheduleTask(t *testing.T, st *store.Store, name string, pre ...int64) *store.Task {
	t.Helper()
	in := store.TaskInput{
		Name:               ptr(name),
		Account:            ptr(pickAccount(t, st)),
		TriggerType:        ptr(store.TriggerSchedule),
		ScheduleExpression: ptr("* * * * *"),
		ScriptBody:         ptr("echo " + name),
	}
	if len(pre) > 0 {
		ids := store.IDList(pre)
		in.PreTaskIDs = &ids
	}
	task, err := st.CreateTask(in)
	require.NoError(t, err)
	return task
}

func createConditionTask(t *testing.T, st *store.Store, name string) *store.Task {
	t.Helper()
	task, err := st.CreateTask(store.TaskInput{
		Name:              ptr(name),
		Account:           ptr(pickAccount(t, st)),
		TriggerType:       ptr(store.TriggerEvent),
		EventType:         ptr(store.EventTypeScript),
		ConditionScript:   ptr("true"),
		ConditionInterval: ptr(10),
		ScriptBody:        ptr("echo " + name),
	})
	require.NoError(t, err)
	return task
}

// forceDue pushes a schedule task's slot into the past so the next tick
// picks it up.
func forceDue(t *testing.T, st *store.Store, task *store.Task, now time.Time) {
	t.Helper()
	_, err := st.ScheduleNextRun(task.ID, *task.ScheduleExpression, now.Add(-2*time.Minute))
	require.NoError(t, err)
}

func waitFinished(t *testing.T, st *store.Store, taskID int64) *store.TaskResult {
	t.Helper()
	var latest *store.TaskResult
	require.Eventually(t, func() bool {
		var err error
		latest, err = st.GetLatestResult(taskID)
		return err == nil && latest != nil && latest.Status != store.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)
	return latest
}

func TestTick_FiresDueTaskAndAdvancesSlot(t *testing.T) {
	e, st, runner := newTestEngine(t)
	now := time.Now().UTC()

	task := createScheduleTask(t, st, "due")
	forceDue(t, st, task, now)

	e.tick(now)

	latest := waitFinished(t, st, task.ID)
	assert.Equal(t, store.StatusSuccess, latest.Status)
	assert.Equal(t, store.ReasonSchedule, latest.TriggerReason)
	assert.Equal(t, []string{"due:schedule"}, runner.runs())

	// The slot advanced past now.
	refreshed, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.True(t, refreshed.NextRunAt.Valid)
	assert.True(t, refreshed.NextRunAt.Time.After(now))

	// last_run_at is stamped after finalization.
	require.Eventually(t, func() bool {
		refreshed, err := st.GetTask(task.ID)
		return err == nil && refreshed.LastRunAt.Valid
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTick_SkipsTaskWithRunningInstance(t *testing.T) {
	e, st, runner := newTestEngine(t)
	now := time.Now().UTC()

	task := createScheduleTask(t, st, "busy")
	forceDue(t, st, task, now)
	_, err := st.RecordResultStart(task.ID, store.ReasonManual)
	require.NoError(t, err)

	e.tick(now)

	assert.Empty(t, runner.runs(), "no second execution while one is running")
}

func TestTick_DependencyGate(t *testing.T) {
	e, st, runner := newTestEngine(t)
	now := time.Now().UTC()

	depA := createScheduleTask(t, st, "dep-a")
	taskB := createScheduleTask(t, st, "task-b", depA.ID)

	// A has failed; B must not fire and its slot moves out.
	resID, err := st.RecordResultStart(depA.ID, store.ReasonSchedule)
	require.NoError(t, err)
	require.NoError(t, st.FinalizeResult(resID, store.StatusFailed, "boom"))

	forceDue(t, st, taskB, now)
	e.tick(now)

	assert.Empty(t, runner.runs())
	blocked, err := st.GetTask(taskB.ID)
	require.NoError(t, err)
	require.True(t, blocked.NextRunAt.Valid)
	assert.True(t, blocked.NextRunAt.Time.After(now), "blocked task rescheduled into the future")

	// A succeeds; B fires once due again.
	resID, err = st.RecordResultStart(depA.ID, store.ReasonSchedule)
	require.NoError(t, err)
	require.NoError(t, st.FinalizeResult(resID, store.StatusSuccess, "ok"))

	forceDue(t, st, taskB, now)
	e.tick(now)

	latest := waitFinished(t, st, taskB.ID)
	assert.Equal(t, store.StatusSuccess, latest.Status)
	assert.Equal(t, []string{"task-b:schedule"}, runner.runs())
}

func TestTick_UnknownDependencyBlocks(t *testing.T) {
	e, st, runner := newTestEngine(t)
	now := time.Now().UTC()

	depA := createScheduleTask(t, st, "never-ran")
	taskB := createScheduleTask(t, st, "gated", depA.ID)
	forceDue(t, st, taskB, now)

	e.tick(now)

	assert.Empty(t, runner.runs(), "a dependency with no results blocks the task")
}

func TestTick_ConditionPollingHonorsInterval(t *testing.T) {
	e, st, runner := newTestEngine(t)
	base := time.Now().UTC()

	task := createConditionTask(t, st, "poller")

	e.tick(base)
	assert.Equal(t, 1, runner.conditions())
	waitFinished(t, st, task.ID)

	// Interval (10s minimum) has not elapsed: no check, no run.
	e.tick(base.Add(5 * time.Second))
	assert.Equal(t, 1, runner.conditions())

	// Interval elapsed: checked again.
	e.tick(base.Add(10 * time.Second))
	assert.Equal(t, 2, runner.conditions())
	require.Eventually(t, func() bool { return len(runner.runs()) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestTick_ConditionFailureDoesNotFire(t *testing.T) {
	e, st, runner := newTestEngine(t)
	now := time.Now().UTC()

	task := createConditionTask(t, st, "gated-poller")
	runner.conditionErr = context.DeadlineExceeded

	e.tick(now)

	assert.Equal(t, 1, runner.conditions())
	assert.Empty(t, runner.runs())

	// The check timestamp advanced even though the task did not fire.
	refreshed, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.LastConditionCheckAt.Valid)
}

func TestStartStop_SystemEvents(t *testing.T) {
	e, st, runner := newTestEngine(t)

	bootTask, err := st.CreateTask(store.TaskInput{
		Name:        ptr("on-boot"),
		Account:     ptr(pickAccount(t, st)),
		TriggerType: ptr(store.TriggerEvent),
		EventType:   ptr(store.EventTypeBoot),
		ScriptBody:  ptr("echo boot"),
	})
	require.NoError(t, err)
	shutdownTask, err := st.CreateTask(store.TaskInput{
		Name:        ptr("on-shutdown"),
		Account:     ptr(pickAccount(t, st)),
		TriggerType: ptr(store.TriggerEvent),
		EventType:   ptr(store.EventTypeShutdown),
		ScriptBody:  ptr("echo shutdown"),
	})
	require.NoError(t, err)

	e.Start()

	// Start does not return before the boot task finished.
	latest, err := st.GetLatestResult(bootTask.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.ReasonBoot, latest.TriggerReason)
	assert.Equal(t, store.StatusSuccess, latest.Status)

	e.Stop()

	latest, err = st.GetLatestResult(shutdownTask.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.ReasonShutdown, latest.TriggerReason)
	assert.Equal(t, store.StatusSuccess, latest.Status)

	assert.Equal(t, []string{"on-boot:system_boot", "on-shutdown:system_shutdown"}, runner.runs())
}

func TestSpawn_ManualReason(t *testing.T) {
	e, st, runner := newTestEngine(t)

	task := createScheduleTask(t, st, "manual-run")
	e.Spawn(task, store.ReasonManual)

	latest := waitFinished(t, st, task.ID)
	assert.Equal(t, store.ReasonManual, latest.TriggerReason)
	assert.Equal(t, []string{"manual-run:manual"}, runner.runs())
}
