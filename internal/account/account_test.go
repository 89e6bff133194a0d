package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPolicy_OverrideWins(t *testing.T) {
	p := NewPolicy("deploy")
	assert.Equal(t, "deploy", p.DefaultAccount())
}

func TestNewPolicy_EnvChain(t *testing.T) {
	t.Setenv("SCHEDULER_DEFAULT_ACCOUNT", "svc-sched")
	p := NewPolicy("")
	assert.Equal(t, "svc-sched", p.DefaultAccount())
}

func TestEnsureAllowed_RejectsUnknownAccount(t *testing.T) {
	p := NewPolicy("")
	_, err := p.EnsureAllowed("definitely-not-a-real-account-xyz")
	require.Error(t, err)
}

func TestListAllowed_SortedAndDistinct(t *testing.T) {
	p := NewPolicy("")
	names := p.ListAllowed()
	seen := make(map[string]bool, len(names))
	for i, name := range names {
		require.False(t, seen[name], "duplicate account %q", name)
		seen[name] = true
		if i > 0 {
			assert.LessOrEqual(t, names[i-1], name)
		}
	}
}
