package extension

import (
	"fmt"
	"sync"

	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// Kind enumerates the registration kinds an extension can declare (§3).
type Kind string

const (
	KindTool             Kind = "tool"
	KindCommand          Kind = "command"
	KindShortcut         Kind = "shortcut"
	KindFlag             Kind = "flag"
	KindProvider         Kind = "provider"
	KindMessageRenderer  Kind = "message_renderer"
	KindEventHandler     Kind = "event_handler"
)

// Registration is one declared extension-owned capability registration.
// Keys are unique within (extension, kind).
type Registration struct {
	Kind Kind
	Key  string
	Spec any
}

// Registry owns the set of Registrations for a single extension and
// enforces the §3 invariants: stable unique keys per kind, atomic drop on
// unload, and late-registration rejection after session_start.
//
// Generalizes the devpack `__flushActions`/action-queue pattern from
// internal/services/functions/tee_executor.go (one action kind) to all
// seven registration kinds named in the spec.
type Registry struct {
	mu          sync.Mutex
	entries     map[Kind]map[string]Registration
	sessionOpen bool // true once session_start has been dispatched
}

// NewRegistry creates an empty registration registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Kind]map[string]Registration)}
}

// Register adds a Registration, failing with RegistrationConflict on a
// duplicate key within the same kind, or on any registration attempted
// after CloseForSession has been called (late registration, §4.1).
func (r *Registry) Register(reg Registration) error {
	if err := validKind(reg.Kind); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionOpen {
		return hosterrors.RegistrationConflict(reg.Key, true)
	}

	byKey, ok := r.entries[reg.Kind]
	if !ok {
		byKey = make(map[string]Registration)
		r.entries[reg.Kind] = byKey
	}
	if _, exists := byKey[reg.Key]; exists {
		return hosterrors.RegistrationConflict(reg.Key, false)
	}
	byKey[reg.Key] = reg
	return nil
}

// Remove drops one registration if present; used to roll back a
// registration whose hostcall leg failed.
func (r *Registry) Remove(kind Kind, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byKey, ok := r.entries[kind]; ok {
		delete(byKey, key)
	}
}

// CloseForSession marks the registry closed to new registrations; call this
// on the first dispatch_event of kind session_start.
func (r *Registry) CloseForSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionOpen = true
}

// Lookup returns the registration for (kind, key), if any.
func (r *Registry) Lookup(kind Kind, key string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.entries[kind]
	if !ok {
		return Registration{}, false
	}
	reg, ok := byKey[key]
	return reg, ok
}

// All returns every registration of a given kind.
func (r *Registry) All(kind Kind) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKey := r.entries[kind]
	out := make([]Registration, 0, len(byKey))
	for _, reg := range byKey {
		out = append(out, reg)
	}
	return out
}

// Clear drops every registration atomically, used on extension unload.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Kind]map[string]Registration)
	r.sessionOpen = false
}

// Count returns the total number of registrations across all kinds.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, byKey := range r.entries {
		n += len(byKey)
	}
	return n
}

func validKind(k Kind) error {
	switch k {
	case KindTool, KindCommand, KindShortcut, KindFlag, KindProvider, KindMessageRenderer, KindEventHandler:
		return nil
	default:
		return fmt.Errorf("unknown registration kind: %s", k)
	}
}
