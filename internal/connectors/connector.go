// Package connectors implements the seven typed capability families of the
// extension host (tool, exec, http, session, ui, events, log). Every method
// here is invoked only by the dispatcher; extension code never reaches a
// connector directly.
package connectors

import (
	"context"

	"github.com/pi-cli/exthost/internal/hostcall"
)

// Connector is one typed capability implementation. Invoke receives the
// already-admitted request (policy, quota, and risk have all passed) and a
// context carrying the call deadline; cancellation is cooperative through
// that context.
type Connector interface {
	// Capability names the connector's family.
	Capability() hostcall.Capability
	// Methods lists the method names this connector accepts.
	Methods() []string
	// Invoke executes one admitted hostcall and returns its result value.
	Invoke(ctx context.Context, req hostcall.Request) (any, error)
}

// getString reads a required string param.
func getString(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// optString reads an optional string param with a fallback.
func optString(params map[string]any, key, fallback string) string {
	if s, ok := getString(params, key); ok {
		return s
	}
	return fallback
}

// optInt reads an optional integer param (JSON numbers arrive as float64).
func optInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return fallback
	}
}

// stringSlice reads an optional []string param.
func stringSlice(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// stringMap reads an optional map[string]string param.
func stringMap(params map[string]any, key string) map[string]string {
	raw, ok := params[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
