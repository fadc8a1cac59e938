package quota

import (
	"sync"
	"time"
)

// Engine owns one Budget per extension, creating them lazily with the
// configured default limits (overridable per extension via SetLimits).
type Engine struct {
	mu       sync.Mutex
	defaults Limits
	budgets  map[string]*Budget
	overrides map[string]Limits
}

// NewEngine creates a quota Engine with the given default limits.
func NewEngine(defaults Limits) *Engine {
	return &Engine{
		defaults:  defaults,
		budgets:   make(map[string]*Budget),
		overrides: make(map[string]Limits),
	}
}

// SetLimits overrides the limits for one extension; takes effect for newly
// created budgets and is applied immediately to an existing one.
func (e *Engine) SetLimits(extensionID string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[extensionID] = limits
	if b, ok := e.budgets[extensionID]; ok {
		b.mu.Lock()
		b.limits = limits
		b.mu.Unlock()
	}
}

// Budget returns (creating if needed) the Budget for an extension.
func (e *Engine) Budget(extensionID string) *Budget {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.budgets[extensionID]; ok {
		return b
	}
	limits := e.defaults
	if override, ok := e.overrides[extensionID]; ok {
		limits = override
	}
	b := NewBudget(limits)
	e.budgets[extensionID] = b
	return b
}

// TryAdmit is a convenience wrapper charging the extension's budget.
func (e *Engine) TryAdmit(extensionID, capability string, estBytesRead, estBytesWritten, estWallNS int64) error {
	return e.Budget(extensionID).TryAdmit(time.Now(), capability, estBytesRead, estBytesWritten, estWallNS)
}

// Commit is a convenience wrapper committing a charge to the extension's budget.
func (e *Engine) Commit(extensionID, capability string, bytesRead, bytesWritten, wallNS int64) {
	e.Budget(extensionID).Commit(time.Now(), capability, bytesRead, bytesWritten, wallNS)
}

// AddUsage is a convenience wrapper settling post-execution consumption.
func (e *Engine) AddUsage(extensionID string, bytesRead, bytesWritten, wallNS int64) {
	e.Budget(extensionID).AddUsage(bytesRead, bytesWritten, wallNS)
}

// Release is a no-op placeholder kept for symmetry with cancellation paths
// that must "release" a tentative reservation (§5 Cancellation semantics);
// since TryAdmit never mutates state, a cancelled call has nothing to
// release — Commit alone is the mutating step.
func (e *Engine) Release(extensionID string) {}
