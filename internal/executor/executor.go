// Package executor runs task script bodies and condition scripts as child
// processes: platform shell, captured output, injected environment, timeout,
// and account switching on POSIX hosts.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnsched/fnsched/internal/store"
)

// Default timeouts, overridable at process startup.
const (
	DefaultTaskTimeout      = 900 * time.Second
	DefaultConditionTimeout = 60 * time.Second
)

// ErrAccountMissing indicates the task's account does not exist on the host.
var ErrAccountMissing = errors.New("account does not exist")

// ErrPrivilegeRequired indicates the process lacks the privilege to switch
// to the task's account.
var ErrPrivilegeRequired = errors.New("must run as root to switch the execution account")

// Result is the outcome of one task execution.
type Result struct {
	Status string
	Log    string
}

// Executor spawns child processes for tasks and condition checks.
type Executor struct {
	taskTimeout      time.Duration
	conditionTimeout time.Duration
	logger           zerolog.Logger
}

// New builds an Executor. Non-positive timeouts fall back to the defaults.
func New(taskTimeout, conditionTimeout time.Duration, logger zerolog.Logger) *Executor {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	if conditionTimeout <= 0 {
		conditionTimeout = DefaultConditionTimeout
	}
	return &Executor{
		taskTimeout:      taskTimeout,
		conditionTimeout: conditionTimeout,
		logger:           logger.With().Str("component", "executor").Logger(),
	}
}

// RunTask executes the task's script body under the task's account and
// returns the terminal result. Host-level failures (missing account,
// insufficient privilege, spawn errors) are reported as a failed result with
// the error message as the log; they never propagate.
func (e *Executor) RunTask(ctx context.Context, task *store.Task, reason string) Result {
	ctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	cmd := buildCommand(ctx, task.ScriptBody)

	home, err := configureAccount(cmd, task.Account)
	if err != nil {
		return Result{Status: store.StatusFailed, Log: err.Error()}
	}

	env := os.Environ()
	if home != "" {
		env = append(env, "HOME="+home)
	}
	env = append(env,
		"SCHEDULER_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"SCHEDULER_TASK_NAME="+task.Name,
		"SCHEDULER_TASK_ACCOUNT="+task.Account,
		"SCHEDULER_TRIGGER="+reason,
	)
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	log := strings.TrimSpace(stdout.String() + stderr.String())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.logger.Warn().Int64("task", task.ID).Dur("limit", e.taskTimeout).Msg("task execution timed out")
		return Result{
			Status: store.StatusFailed,
			Log:    fmt.Sprintf("task execution timed out (limit %s)", e.taskTimeout),
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The process never started; the error is the only output.
			return Result{Status: store.StatusFailed, Log: runErr.Error()}
		}
		return Result{Status: store.StatusFailed, Log: log}
	}
	return Result{Status: store.StatusSuccess, Log: log}
}

// RunCondition executes a condition script under the condition timeout and
// returns nil iff the script exited with code 0.
func (e *Executor) RunCondition(ctx context.Context, script string) error {
	ctx, cancel := context.WithTimeout(ctx, e.conditionTimeout)
	defer cancel()

	cmd := buildCommand(ctx, script)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("condition script timed out (limit %s)", e.conditionTimeout)
	}
	if err != nil {
		return fmt.Errorf("condition script: %w", err)
	}
	return nil
}

// TaskTimeout returns the configured task timeout.
func (e *Executor) TaskTimeout() time.Duration { return e.taskTimeout }

// ConditionTimeout returns the configured condition-script timeout.
func (e *Executor) ConditionTimeout() time.Duration { return e.conditionTimeout }
