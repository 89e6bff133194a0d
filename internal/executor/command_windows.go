//go:build !unix

package executor

import (
	"context"
	"os/exec"
	"os/user"
)

// buildCommand wraps a script body in the platform PowerShell host.
func buildCommand(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, "powershell",
		"-NoLogo", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script)
}

// configureAccount cannot switch accounts on this platform; tasks run as the
// service user. The account policy already restricts tasks to that user.
func configureAccount(cmd *exec.Cmd, accountName string) (string, error) {
	if u, err := user.Current(); err == nil {
		return u.HomeDir, nil
	}
	return "", nil
}
