// Package account implements the policy deciding which OS users a task may
// run as. On POSIX hosts, accounts whose primary group id is one of the
// allowed gids, or that are supplemental members of one of those groups, are
// allowed. Elsewhere only the process's own account is available.
package account

import (
	"fmt"
	"os"
	"os/user"
	"sort"
)

// AllowedGIDs are the group ids whose members may own tasks.
var AllowedGIDs = []int{0, 1000, 1001}

// Policy answers account questions for the store, the API, and the executor.
type Policy struct {
	defaultAccount string
}

// NewPolicy builds a policy. An empty override falls back to the
// SCHEDULER_DEFAULT_ACCOUNT / USERNAME / USER environment chain and finally
// the process's own user.
func NewPolicy(defaultOverride string) *Policy {
	return &Policy{defaultAccount: detectDefaultAccount(defaultOverride)}
}

func detectDefaultAccount(override string) string {
	if override != "" {
		return override
	}
	for _, key := range []string{"SCHEDULER_DEFAULT_ACCOUNT", "USERNAME", "USER"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "current_user"
}

// DefaultAccount returns the account used when a payload omits one on hosts
// without POSIX account support.
func (p *Policy) DefaultAccount() string { return p.defaultAccount }

// PosixSupported reports whether account enumeration and switching are
// available on this host.
func (p *Policy) PosixSupported() bool { return posixSupported }

// ListAllowed returns the distinct, sorted account names permitted by the
// policy.
func (p *Policy) ListAllowed() []string {
	if !posixSupported {
		if p.defaultAccount == "" {
			return nil
		}
		return []string{p.defaultAccount}
	}
	set := enumerateAllowed()
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureAllowed validates an account name against the policy and returns the
// effective account. On non-POSIX hosts an empty name or the default
// account's own name resolves to the default account; any other name is
// rejected.
func (p *Policy) EnsureAllowed(name string) (string, error) {
	allowed := p.ListAllowed()
	if len(allowed) == 0 {
		if posixSupported {
			return "", fmt.Errorf("no accounts belong to groups %v", AllowedGIDs)
		}
		return "", fmt.Errorf("cannot determine a default account on this host")
	}
	if !posixSupported {
		def := allowed[0]
		if name != "" && name != def {
			return "", fmt.Errorf("account %q not allowed: only %q is available on this host", name, def)
		}
		return def, nil
	}
	for _, candidate := range allowed {
		if candidate == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("account %q not allowed: must belong to groups %v", name, AllowedGIDs)
}
