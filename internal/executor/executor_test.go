package executor

import (
	"context"
	"os/user"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/fnsched/internal/store"
)

func currentAccount(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return u.Username
}

func testTask(t *testing.T, script string) *store.Task {
	return &store.Task{
		ID:         42,
		Name:       "exec-test",
		Account:    currentAccount(t),
		ScriptBody: script,
	}
}

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test scripts require a POSIX shell")
	}
}

func TestRunTask_CapturesOutputAndSucceeds(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 5*time.Second, zerolog.Nop())

	res := e.RunTask(context.Background(), testTask(t, "echo out; echo err 1>&2"), store.ReasonManual)
	assert.Equal(t, store.StatusSuccess, res.Status)
	assert.Equal(t, "out\nerr", res.Log, "stdout first, then stderr, trimmed")
}

func TestRunTask_NonZeroExitFails(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 5*time.Second, zerolog.Nop())

	res := e.RunTask(context.Background(), testTask(t, "echo broken; exit 3"), store.ReasonSchedule)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, "broken", res.Log)
}

func TestRunTask_EnvironmentInjected(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 5*time.Second, zerolog.Nop())

	script := `echo "$SCHEDULER_TASK_ID/$SCHEDULER_TASK_NAME/$SCHEDULER_TASK_ACCOUNT/$SCHEDULER_TRIGGER"`
	task := testTask(t, script)
	res := e.RunTask(context.Background(), task, store.ReasonCondition)
	require.Equal(t, store.StatusSuccess, res.Status)
	assert.Equal(t, "42/exec-test/"+task.Account+"/condition", res.Log)
}

func TestRunTask_Timeout(t *testing.T) {
	requireUnix(t)
	e := New(200*time.Millisecond, 5*time.Second, zerolog.Nop())

	start := time.Now()
	res := e.RunTask(context.Background(), testTask(t, "sleep 5"), store.ReasonManual)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Contains(t, res.Log, "timed out")
}

func TestRunTask_MissingAccount(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 5*time.Second, zerolog.Nop())

	task := testTask(t, "true")
	task.Account = "no-such-account-xyz"
	res := e.RunTask(context.Background(), task, store.ReasonManual)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Contains(t, res.Log, "no-such-account-xyz")
}

func TestRunCondition(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 5*time.Second, zerolog.Nop())

	assert.NoError(t, e.RunCondition(context.Background(), "exit 0"))
	assert.Error(t, e.RunCondition(context.Background(), "exit 1"))
}

func TestRunCondition_Timeout(t *testing.T) {
	requireUnix(t)
	e := New(10*time.Second, 200*time.Millisecond, zerolog.Nop())

	err := e.RunCondition(context.Background(), "sleep 5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestNew_DefaultTimeouts(t *testing.T) {
	e := New(0, 0, zerolog.Nop())
	assert.Equal(t, DefaultTaskTimeout, e.TaskTimeout())
	assert.Equal(t, DefaultConditionTimeout, e.ConditionTimeout())
}
