//go:build unix

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"syscall"
)

// buildCommand wraps a script body in the platform shell.
func buildCommand(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/bash", "-c", script)
}

// configureAccount arranges for cmd to run as accountName and returns the
// account's home directory. When the process already is that user, nothing
// is changed; switching to any other user requires euid 0.
//
// Groups must be set before the uid drop; syscall.Credential applies gid,
// then the supplementary groups, then uid inside the child before exec.
func configureAccount(cmd *exec.Cmd, accountName string) (string, error) {
	u, err := user.Lookup(accountName)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAccountMissing, accountName)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return "", fmt.Errorf("parse uid for %s: %w", accountName, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return "", fmt.Errorf("parse gid for %s: %w", accountName, err)
	}

	if os.Geteuid() == uid {
		return u.HomeDir, nil
	}
	if os.Geteuid() != 0 {
		return "", ErrPrivilegeRequired
	}

	groupSet := map[uint32]bool{uint32(gid): true}
	if ids, err := u.GroupIds(); err == nil {
		for _, raw := range ids {
			if g, err := strconv.Atoi(raw); err == nil {
				groupSet[uint32(g)] = true
			}
		}
	}
	groups := make([]uint32, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(uid),
			Gid:    uint32(gid),
			Groups: groups,
		},
	}
	return u.HomeDir, nil
}
