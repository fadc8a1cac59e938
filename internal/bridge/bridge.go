// Package bridge embeds one single-threaded goja runtime per extension and
// owns the only path between extension script and host capabilities. The
// engine embedding follows the TEE script engine (fresh runtime per
// extension, console shim, namespaced host object, AssertFunction entry
// points) and the function executor's cooperative interrupt/promise
// resolution; the hostcall surface below it is always the dispatcher.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/pi-cli/exthost/internal/dispatcher"
	"github.com/pi-cli/exthost/internal/extension"
	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
	"github.com/pi-cli/exthost/internal/obs/logging"
)

// Handle is the opaque extension handle the host looks extensions up by on
// the hot path; the dispatcher never sees raw engine state.
type Handle struct {
	id string
}

// ID returns the extension ID the handle refers to.
func (h Handle) ID() string { return h.id }

// Event is one host-originated event dispatched into an extension.
type Event struct {
	Kind    string
	Payload map[string]any
}

// SessionStartEvent closes the registration window when dispatched.
const SessionStartEvent = "session_start"

// Host owns every loaded extension engine and fronts the dispatcher for
// script-originated hostcalls.
type Host struct {
	disp   *dispatcher.Dispatcher
	logger *logging.Logger

	// defaultDeadline bounds hostcalls issued without an explicit deadline.
	defaultDeadline time.Duration

	mu      sync.Mutex
	engines map[string]*engine
}

// NewHost creates a Host over the given dispatcher.
func NewHost(disp *dispatcher.Dispatcher, logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.Default()
	}
	return &Host{
		disp:            disp,
		logger:          logger,
		defaultDeadline: 30 * time.Second,
		engines:         make(map[string]*engine),
	}
}

// Load runs an extension's top-level code and returns its handle. Top-level
// code performs registrations through the injected host object; the
// registration window stays open until the first session_start event.
func (h *Host) Load(source string, identity extension.Identity) (Handle, error) {
	if identity.TrustState == extension.TrustRejected {
		return Handle{}, hosterrors.ExtensionLoadError(hosterrors.New(hosterrors.CodeExtensionLoadError, "lockfile entry rejected", hosterrors.SeverityFatal))
	}

	h.mu.Lock()
	if _, exists := h.engines[identity.ID]; exists {
		h.mu.Unlock()
		return Handle{}, hosterrors.ExtensionLoadError(hosterrors.New(hosterrors.CodeExtensionLoadError, "extension already loaded; reloading requires a fresh identity", hosterrors.SeverityFatal))
	}
	e := newEngine(identity.ID, identity)
	h.engines[identity.ID] = e
	h.mu.Unlock()

	var loadErr error
	postErr := e.post(func() {
		h.installConsole(e)
		h.installHostObject(e)
		_, err := e.withBudget(context.Background(), DefaultCallBudget, func() (goja.Value, error) {
			return e.vm.RunString(source)
		})
		if err != nil {
			loadErr = err
			return
		}
		e.drainMicrotasks()
	})
	if postErr != nil {
		loadErr = postErr
	}
	if loadErr != nil {
		h.Dispose(Handle{id: identity.ID})
		return Handle{}, hosterrors.ExtensionLoadError(loadErr)
	}
	h.checkQuarantine(e)
	return Handle{id: identity.ID}, nil
}

// DispatchEvent delivers one event to an extension's registered handlers.
// The first session_start closes the registration window; late
// registrations fail from then on.
func (h *Host) DispatchEvent(handle Handle, event Event) error {
	e, err := h.engine(handle)
	if err != nil {
		return err
	}
	if e.quarantined {
		return hosterrors.ExtensionQuarantined("repeated execution budget failures")
	}

	var dispatchErr error
	postErr := e.post(func() {
		if event.Kind == SessionStartEvent {
			e.registry.CloseForSession()
		}
		payload := e.vm.ToValue(event.Payload)
		for _, handler := range e.handlers[event.Kind] {
			handlerFn := handler
			_, err := e.withBudget(context.Background(), DefaultCallBudget, func() (goja.Value, error) {
				return handlerFn(goja.Undefined(), payload)
			})
			// Pump pending microtasks after every user callback, even a
			// failed one, so the next tick starts from a clean queue.
			e.drainMicrotasks()
			if err != nil && dispatchErr == nil {
				dispatchErr = err
			}
			if e.quarantined {
				break
			}
		}
	})
	if postErr != nil {
		return postErr
	}
	h.checkQuarantine(e)
	return dispatchErr
}

// CallTool invokes a script-registered tool with the given deadline.
func (h *Host) CallTool(handle Handle, name string, args map[string]any, deadline time.Time) (any, error) {
	e, err := h.engine(handle)
	if err != nil {
		return nil, err
	}
	if e.quarantined {
		return nil, hosterrors.ExtensionQuarantined("repeated execution budget failures")
	}

	budget := DefaultCallBudget
	if !deadline.IsZero() {
		budget = time.Until(deadline)
		if budget <= 0 {
			return nil, hosterrors.TimedOut()
		}
	}

	var (
		result  any
		callErr error
	)
	postErr := e.post(func() {
		fn, ok := e.tools[name]
		if !ok {
			callErr = hosterrors.MethodUnknown("tool", name)
			return
		}
		val, err := e.withBudget(context.Background(), budget, func() (goja.Value, error) {
			return fn(goja.Undefined(), e.vm.ToValue(args))
		})
		e.drainMicrotasks()
		if err != nil {
			callErr = err
			return
		}
		settled, err := resolvePromise(val)
		if err != nil {
			callErr = err
			return
		}
		narrowed, err := FromEngine(settled)
		if err != nil {
			callErr = err
			return
		}
		result = narrowed
	})
	if postErr != nil {
		return nil, postErr
	}
	h.checkQuarantine(e)
	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}

// Dispose unloads an extension: its executor stops, its registrations drop
// atomically, and its event subscriptions fall off the bus.
func (h *Host) Dispose(handle Handle) {
	h.mu.Lock()
	e, ok := h.engines[handle.id]
	if ok {
		delete(h.engines, handle.id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	e.stop()
	e.registry.Clear()
	h.disp.DropExtension(handle.id)
}

// RunTool implements the tool connector's runner: tool.invoke hostcalls
// re-enter the owning extension's engine here.
func (h *Host) RunTool(ctx context.Context, extensionID, name string, args map[string]any) (any, error) {
	deadline, _ := ctx.Deadline()
	return h.CallTool(Handle{id: extensionID}, name, args, deadline)
}

// Registry exposes an extension's registration registry, for the session
// layer's command/shortcut/flag consumers.
func (h *Host) Registry(handle Handle) (*extension.Registry, error) {
	e, err := h.engine(handle)
	if err != nil {
		return nil, err
	}
	return e.registry, nil
}

func (h *Host) engine(handle Handle) (*engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.engines[handle.id]
	if !ok {
		return nil, hosterrors.New(hosterrors.CodeExtensionLoadError, "unknown extension handle", hosterrors.SeverityRecoverable)
	}
	return e, nil
}

// checkQuarantine propagates an engine-flagged quarantine to the
// dispatcher so every subsequent hostcall is rejected.
func (h *Host) checkQuarantine(e *engine) {
	if e.quarantined && !h.disp.IsQuarantined(e.id) {
		h.disp.Quarantine(e.id, "repeated execution budget failures")
	}
}

// dispatch issues one hostcall on behalf of an engine. It runs on the
// engine's executor goroutine; blocking here is the hostcall suspension
// point.
func (h *Host) dispatch(ctx context.Context, e *engine, capability hostcall.Capability, method string, params map[string]any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return h.disp.Dispatch(ctx, hostcall.Request{
		ExtensionID: e.id,
		Capability:  capability,
		Method:      method,
		Params:      params,
		Deadline:    time.Now().Add(h.defaultDeadline),
	})
}
