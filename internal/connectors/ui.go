package connectors

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// DefaultPromptExpiry is how long a pending policy prompt waits for the
// user before expiring.
const DefaultPromptExpiry = 30 * time.Second

// UIHost is the active UI surface the connector targets. Every method
// returns (result, dismissed); a dismissal surfaces to the extension as a
// nil result.
type UIHost interface {
	Select(ctx context.Context, title string, options []string) (string, bool)
	Confirm(ctx context.Context, message string) (bool, bool)
	Input(ctx context.Context, promptText string) (string, bool)
	Notify(ctx context.Context, message string)
	Widget(ctx context.Context, spec map[string]any) (map[string]any, bool)
	// PolicyPrompt asks the user to approve one suspended hostcall.
	PolicyPrompt(ctx context.Context, extensionID, reason string) bool
}

// PendingPrompt tracks one suspended call awaiting user approval, the
// bookkeeping shape of the sandbox IPC manager's pending-call table
// repurposed for policy prompts.
type PendingPrompt struct {
	ID          string
	ExtensionID string
	Reason      string
	EnqueuedAt  time.Time
	ResultCh    chan bool
}

// UIConnector requests select/confirm/input/notify/widget operations
// against the active UI host and owns the pending-prompt queue the
// dispatcher suspends into. Prompts for a single extension serialize in
// arrival order; cross-extension prompts interleave freely.
type UIConnector struct {
	host   UIHost
	expiry time.Duration

	mu       sync.Mutex
	perExt   map[string]chan struct{} // per-extension serialization token
	pending  map[string]*PendingPrompt
}

// NewUIConnector creates a UIConnector over the given host; a nil host
// dismisses every operation and denies every prompt.
func NewUIConnector(host UIHost, expiry time.Duration) *UIConnector {
	if expiry <= 0 {
		expiry = DefaultPromptExpiry
	}
	return &UIConnector{
		host:    host,
		expiry:  expiry,
		perExt:  make(map[string]chan struct{}),
		pending: make(map[string]*PendingPrompt),
	}
}

func (c *UIConnector) Capability() hostcall.Capability { return hostcall.CapUI }

func (c *UIConnector) Methods() []string {
	return []string{"select", "confirm", "input", "notify", "widget"}
}

// Invoke handles the five UI operations. A dismissal returns nil.
func (c *UIConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	if c.host == nil {
		return nil, nil
	}
	switch req.Method {
	case "select":
		title := optString(req.Params, "title", "")
		options := stringSlice(req.Params, "options")
		choice, dismissed := c.host.Select(ctx, title, options)
		if dismissed {
			return nil, nil
		}
		return map[string]any{"choice": choice}, nil

	case "confirm":
		message := optString(req.Params, "message", "")
		confirmed, dismissed := c.host.Confirm(ctx, message)
		if dismissed {
			return nil, nil
		}
		return map[string]any{"confirmed": confirmed}, nil

	case "input":
		promptText := optString(req.Params, "prompt", "")
		text, dismissed := c.host.Input(ctx, promptText)
		if dismissed {
			return nil, nil
		}
		return map[string]any{"text": text}, nil

	case "notify":
		c.host.Notify(ctx, optString(req.Params, "message", ""))
		return map[string]any{"notified": true}, nil

	case "widget":
		spec, _ := req.Params["spec"].(map[string]any)
		result, dismissed := c.host.Widget(ctx, spec)
		if dismissed {
			return nil, nil
		}
		return result, nil

	default:
		return nil, hosterrors.MethodUnknown("ui", req.Method)
	}
}

// extToken returns the serialization token channel for one extension; it
// holds one slot, so a second prompt for the same extension waits for the
// first to settle while other extensions' prompts proceed.
func (c *UIConnector) extToken(extensionID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.perExt[extensionID]
	if !ok {
		tok = make(chan struct{}, 1)
		c.perExt[extensionID] = tok
	}
	return tok
}

// Prompt suspends the calling hostcall on the pending-prompt queue and
// returns the user's verdict. The error is PolicyPromptExpired when the
// expiry elapses (or the call's own deadline fires first) and
// PolicyPromptDenied when the user answers no.
func (c *UIConnector) Prompt(ctx context.Context, extensionID, reason string) error {
	tok := c.extToken(extensionID)
	select {
	case tok <- struct{}{}:
	case <-ctx.Done():
		return hosterrors.PolicyPromptExpired()
	}
	defer func() { <-tok }()

	p := &PendingPrompt{
		ID:          uuid.NewString(),
		ExtensionID: extensionID,
		Reason:      reason,
		EnqueuedAt:  time.Now(),
		ResultCh:    make(chan bool, 1),
	}
	c.mu.Lock()
	c.pending[p.ID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, p.ID)
		c.mu.Unlock()
	}()

	promptCtx, cancel := context.WithTimeout(ctx, c.expiry)
	defer cancel()

	go func() {
		approved := false
		if c.host != nil {
			approved = c.host.PolicyPrompt(promptCtx, extensionID, reason)
		}
		select {
		case p.ResultCh <- approved:
		default:
		}
	}()

	select {
	case approved := <-p.ResultCh:
		if !approved {
			return hosterrors.PolicyPromptDenied()
		}
		return nil
	case <-promptCtx.Done():
		return hosterrors.PolicyPromptExpired()
	}
}

// PendingCount reports how many prompts are currently suspended, for
// telemetry and tests.
func (c *UIConnector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
