package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeProfileDeniesExecSpawn(t *testing.T) {
	// S1: safe profile, exec.spawn must resolve to deny with a named rule.
	r := NewResolver(DefaultConfig(), ProfileSafe)
	d := r.Resolve("exec", "spawn", "ext-1")
	require.Equal(t, EffectDeny, d.Effect)
	require.Contains(t, d.Rule, "exec.spawn")
}

func TestBalancedProfileAllowsHTTP(t *testing.T) {
	r := NewResolver(DefaultConfig(), ProfileBalanced)
	d := r.Resolve("http", "request", "ext-1")
	require.Equal(t, EffectAllow, d.Effect)
}

func TestDangerousRequiresAllowDangerous(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowDangerous = true
	cfg.Overrides = map[string]ExtensionOverride{
		"ext-1": {PerMethod: map[string]Effect{"exec.spawn": EffectPrompt}},
	}
	r := NewResolver(cfg, ProfilePermissive)
	d := r.Resolve("exec", "spawn", "ext-1")
	require.Equal(t, EffectPrompt, d.Effect)
}

func TestOverrideTakesPriorityOverProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Overrides = map[string]ExtensionOverride{
		"ext-1": {PerCapability: map[string]Effect{"http": EffectDeny}},
	}
	r := NewResolver(cfg, ProfileBalanced)
	d := r.Resolve("http", "request", "ext-1")
	require.Equal(t, EffectDeny, d.Effect)
	require.Contains(t, d.Rule, "override")
}

func TestExplainProducesRowPerMethod(t *testing.T) {
	r := NewResolver(DefaultConfig(), ProfileSafe)
	table := r.Explain("ext-1")
	require.NotEmpty(t, table.Decisions)
	for _, row := range table.Decisions {
		require.NotEmpty(t, row.Rule)
	}
}
