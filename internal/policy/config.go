// Package policy resolves, for every hostcall, a policy decision of
// {allow, prompt, deny}, grounded on system/sandbox/policy_loader.go's
// PolicyConfig/PolicyLoader shape (version, default effect, rules,
// per-subject overrides, capability profiles) re-keyed from
// SecurityLevel-tiered allow/deny lists to the spec's named
// {safe, balanced, permissive} profiles.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Effect is one resolved policy decision.
type Effect string

const (
	EffectAllow  Effect = "allow"
	EffectPrompt Effect = "prompt"
	EffectDeny   Effect = "deny"
)

// Profile names the three built-in policy profiles (§3 Policy Profile).
type Profile string

const (
	ProfileSafe       Profile = "safe"
	ProfileBalanced   Profile = "balanced"
	ProfilePermissive Profile = "permissive"
)

// ProfileRules is one profile's per-capability and per-method decisions.
type ProfileRules struct {
	// PerCapability maps a capability name ("http") to its default effect.
	PerCapability map[string]Effect `yaml:"per_capability"`
	// PerMethod maps "capability.method" (e.g. "exec.spawn") to an effect,
	// taking priority over PerCapability.
	PerMethod map[string]Effect `yaml:"per_method"`
}

// ExtensionOverride is a per-extension override map, highest resolution
// priority (§4.3 "explicit per-extension override").
type ExtensionOverride struct {
	PerCapability map[string]Effect `yaml:"per_capability"`
	PerMethod     map[string]Effect `yaml:"per_method"`
}

// Config is the complete policy configuration, loadable from YAML or JSON,
// mirroring PolicyConfig's Version/DefaultEffect/Rules/ServicePolicies
// shape but re-keyed to this spec's profile/capability/method model.
type Config struct {
	Version        string                         `yaml:"version"`
	DefaultEffect  Effect                         `yaml:"default_effect"`
	AllowDangerous bool                           `yaml:"allow_dangerous"`
	Profiles       map[Profile]ProfileRules       `yaml:"profiles"`
	Overrides      map[string]ExtensionOverride   `yaml:"overrides"`
}

// dangerousSubCapabilities are implicitly deny unless allow_dangerous=true
// (§3 Policy Profile invariant), regardless of what a profile or override
// says, unless the override/profile explicitly allows it AND
// allow_dangerous is set.
var dangerousSubCapabilities = map[string]bool{
	"exec.spawn":                        true,
	"http.request_private_network":      true,
	"session.mutate_entry":              true,
}

// IsDangerous reports whether "capability.method" names a dangerous
// sub-capability.
func IsDangerous(capability, method string) bool {
	return dangerousSubCapabilities[capability+"."+method]
}

// DefaultConfig returns the built-in three-profile configuration, matching
// DefaultPolicyConfig's deny-by-default posture with the
// safe/balanced/permissive tiers substituted for the teacher's
// untrusted/normal/privileged/system SecurityLevel tiers.
func DefaultConfig() *Config {
	return &Config{
		Version:       "1.0",
		DefaultEffect: EffectDeny,
		Profiles: map[Profile]ProfileRules{
			ProfileSafe: {
				PerCapability: map[string]Effect{
					"tool": EffectAllow, "log": EffectAllow,
					"session": EffectPrompt, "ui": EffectAllow,
					"events": EffectPrompt, "http": EffectPrompt, "exec": EffectDeny,
				},
			},
			ProfileBalanced: {
				PerCapability: map[string]Effect{
					"tool": EffectAllow, "log": EffectAllow, "ui": EffectAllow,
					"session": EffectAllow, "events": EffectAllow,
					"http": EffectAllow, "exec": EffectPrompt,
				},
			},
			ProfilePermissive: {
				PerCapability: map[string]Effect{
					"tool": EffectAllow, "log": EffectAllow, "ui": EffectAllow,
					"session": EffectAllow, "events": EffectAllow,
					"http": EffectAllow, "exec": EffectAllow,
				},
			},
		},
		Overrides: map[string]ExtensionOverride{},
	}
}

// Load reads a policy configuration file (YAML or JSON by extension),
// wiring the teacher's own declared-but-unused gopkg.in/yaml.v3 dependency
// to do real YAML parsing, in place of policy_loader.go's
// parseSimpleYAML placeholder which silently fell back to JSON.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy config: %w", err)
	}

	cfg := &Config{}
	ext := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	switch ext {
	case "json":
		if err := yaml.Unmarshal(data, cfg); err != nil { // valid JSON is valid YAML
			return nil, fmt.Errorf("parse policy JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse policy YAML: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate policy config: %w", err)
	}
	return cfg, nil
}

// WriteDefaultConfigFile seeds a policy.yaml with the built-in defaults,
// atomically via tmp+rename, so an operator has a concrete file to edit.
func WriteDefaultConfigFile(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write default policy: %w", err)
	}
	return os.Rename(tmp, path)
}

func validate(cfg *Config) error {
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.DefaultEffect == "" {
		cfg.DefaultEffect = EffectDeny
	}
	for name, rules := range cfg.Profiles {
		for cap, eff := range rules.PerCapability {
			if !validEffect(eff) {
				return fmt.Errorf("profile %s: invalid effect %q for capability %q", name, eff, cap)
			}
		}
		for method, eff := range rules.PerMethod {
			if !validEffect(eff) {
				return fmt.Errorf("profile %s: invalid effect %q for method %q", name, eff, method)
			}
		}
	}
	return nil
}

func validEffect(e Effect) bool {
	switch e {
	case EffectAllow, EffectPrompt, EffectDeny:
		return true
	default:
		return false
	}
}
