package policy

import "fmt"

// Decision is the resolved effect plus the rule that fired, the
// machine-readable explainer required by §4.3 ("A machine-readable
// explainer output must exist for any decision, naming which rule fired").
type Decision struct {
	Effect Effect
	Rule   string // e.g. "balanced.exec:prompt", "override(ext-1).exec.spawn:deny"
}

// Resolver resolves policy decisions for a fixed Config snapshot. Per §3
// Policy Profile invariant, the profile is read-only during a call;
// profile changes take effect only at session-start boundaries, so a
// Resolver is built once per session from a Config snapshot.
type Resolver struct {
	cfg     *Config
	profile Profile
}

// NewResolver builds a Resolver bound to one profile for the session.
func NewResolver(cfg *Config, profile Profile) *Resolver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Resolver{cfg: cfg, profile: profile}
}

// Resolve implements the §4.3 resolution order:
//  1. explicit per-extension override (method, then capability)
//  2. profile-level per-method rule
//  3. profile-level per-capability rule
//  4. built-in default for the capability
// with dangerous sub-capabilities forced to deny unless allow_dangerous.
func (r *Resolver) Resolve(capability, method, extensionID string) Decision {
	methodKey := capability + "." + method

	if IsDangerous(capability, method) && !r.cfg.AllowDangerous {
		return Decision{Effect: EffectDeny, Rule: fmt.Sprintf("%s.%s:deny", r.profile, methodKey)}
	}

	if override, ok := r.cfg.Overrides[extensionID]; ok {
		if eff, ok := override.PerMethod[methodKey]; ok {
			if allowedDangerous(capability, method, eff, r.cfg.AllowDangerous) {
				return Decision{Effect: eff, Rule: fmt.Sprintf("override(%s).%s:%s", extensionID, methodKey, eff)}
			}
		}
		if eff, ok := override.PerCapability[capability]; ok {
			if allowedDangerous(capability, method, eff, r.cfg.AllowDangerous) {
				return Decision{Effect: eff, Rule: fmt.Sprintf("override(%s).%s:%s", extensionID, capability, eff)}
			}
		}
	}

	rules, hasProfile := r.cfg.Profiles[r.profile]
	if hasProfile {
		if eff, ok := rules.PerMethod[methodKey]; ok {
			return Decision{Effect: eff, Rule: fmt.Sprintf("%s.%s:%s", r.profile, methodKey, eff)}
		}
		if eff, ok := rules.PerCapability[capability]; ok {
			return Decision{Effect: eff, Rule: fmt.Sprintf("%s.%s:%s", r.profile, capability, eff)}
		}
	}

	return Decision{Effect: r.cfg.DefaultEffect, Rule: fmt.Sprintf("default:%s", r.cfg.DefaultEffect)}
}

// allowedDangerous guards an override/profile effect that would grant a
// dangerous sub-capability: it only takes effect if allow_dangerous is set,
// otherwise the caller falls through to the next resolution step (in
// practice IsDangerous already short-circuits to deny before overrides are
// consulted when allow_dangerous is false, so this only matters for
// allow_dangerous=true overrides narrowing back down to prompt/deny).
func allowedDangerous(capability, method string, eff Effect, allowDangerous bool) bool {
	if !IsDangerous(capability, method) {
		return true
	}
	return allowDangerous
}

// EffectiveTable is the per-(capability, method) decision table produced
// for the explain-extension-policy CLI explainer (§6).
type EffectiveTable struct {
	Profile   Profile
	Decisions []TableRow
}

// TableRow is one row of an effective decision table.
type TableRow struct {
	Capability string
	Method     string
	Effect     Effect
	Rule       string
}

// wellKnownMethods enumerates representative (capability, method) pairs for
// the explainer table, covering the seven capabilities plus their named
// dangerous sub-capabilities.
var wellKnownMethods = []struct{ capability, method string }{
	{"tool", "invoke"}, {"tool", "register"},
	{"exec", "spawn"},
	{"http", "request"}, {"http", "request_private_network"},
	{"session", "read"}, {"session", "append"}, {"session", "mutate_entry"},
	{"ui", "select"}, {"ui", "confirm"}, {"ui", "input"}, {"ui", "notify"}, {"ui", "widget"},
	{"events", "publish"}, {"events", "subscribe"},
	{"log", "emit"},
}

// Explain builds the effective decision table for one extension under the
// Resolver's bound profile.
func (r *Resolver) Explain(extensionID string) EffectiveTable {
	table := EffectiveTable{Profile: r.profile}
	for _, m := range wellKnownMethods {
		d := r.Resolve(m.capability, m.method, extensionID)
		table.Decisions = append(table.Decisions, TableRow{
			Capability: m.capability, Method: m.method, Effect: d.Effect, Rule: d.Rule,
		})
	}
	return table
}
