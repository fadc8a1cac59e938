package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// SessionEntry is one typed custom entry appended by an extension.
type SessionEntry struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	ExtensionID string         `json:"extension_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Label       string         `json:"label,omitempty"`
	AppendedAt  time.Time      `json:"appended_at"`
}

// sessionState holds one session's entries behind its own mutex, so writes
// against the same session serialize even when issued by different
// extensions while distinct sessions proceed in parallel.
type sessionState struct {
	mu      sync.Mutex
	entries []SessionEntry
}

// SessionConnector reads session messages, appends typed custom entries,
// and sets label/note/branch markers. Entry mutation is a dangerous
// sub-capability gated upstream.
type SessionConnector struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewSessionConnector creates an empty SessionConnector.
func NewSessionConnector() *SessionConnector {
	return &SessionConnector{sessions: make(map[string]*sessionState)}
}

func (c *SessionConnector) Capability() hostcall.Capability { return hostcall.CapSession }

func (c *SessionConnector) Methods() []string {
	return []string{"read", "append", "set_label", "mutate_entry"}
}

func (c *SessionConnector) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		c.sessions[sessionID] = s
	}
	return s
}

// Invoke handles session.read/append/set_label/mutate_entry.
func (c *SessionConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	sessionID, ok := getString(req.Params, "session_id")
	if !ok || sessionID == "" {
		return nil, hosterrors.UnsupportedValue("session methods require a string session_id")
	}
	s := c.state(sessionID)

	switch req.Method {
	case "read":
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]any, 0, len(s.entries))
		for _, e := range s.entries {
			out = append(out, map[string]any{
				"index":        e.Index,
				"kind":         e.Kind,
				"extension_id": e.ExtensionID,
				"payload":      e.Payload,
				"label":        e.Label,
			})
		}
		return map[string]any{"entries": out}, nil

	case "append":
		kind := optString(req.Params, "kind", "custom")
		payload, _ := req.Params["payload"].(map[string]any)
		s.mu.Lock()
		defer s.mu.Unlock()
		entry := SessionEntry{
			Index:       len(s.entries),
			Kind:        kind,
			ExtensionID: req.ExtensionID,
			Payload:     payload,
			AppendedAt:  time.Now().UTC(),
		}
		s.entries = append(s.entries, entry)
		return map[string]any{"index": entry.Index}, nil

	case "set_label":
		label, ok := getString(req.Params, "label")
		if !ok {
			return nil, hosterrors.UnsupportedValue("session.set_label requires a string label")
		}
		index := optInt(req.Params, "index", -1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if index < 0 || index >= len(s.entries) {
			return nil, hosterrors.ConnectorError("session", "entry index out of range", false, nil)
		}
		s.entries[index].Label = label
		return map[string]any{"index": index, "label": label}, nil

	case "mutate_entry":
		index := optInt(req.Params, "index", -1)
		payload, ok := req.Params["payload"].(map[string]any)
		if !ok {
			return nil, hosterrors.UnsupportedValue("session.mutate_entry requires a payload map")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if index < 0 || index >= len(s.entries) {
			return nil, hosterrors.ConnectorError("session", "entry index out of range", false, nil)
		}
		s.entries[index].Payload = payload
		return map[string]any{"index": index, "mutated": true}, nil

	default:
		return nil, hosterrors.MethodUnknown("session", req.Method)
	}
}

// Entries returns a copy of one session's entries, for tests and the host's
// own consumers.
func (c *SessionConnector) Entries(sessionID string) []SessionEntry {
	s := c.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
