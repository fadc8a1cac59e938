package bridge

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/pi-cli/exthost/internal/connectors"
	"github.com/pi-cli/exthost/internal/extension"
	"github.com/pi-cli/exthost/internal/hostcall"
)

// installConsole attaches the console shim, routing script console output
// into the ambient structured logger under the extension's field set.
func (h *Host) installConsole(e *engine) {
	console := e.vm.NewObject()
	emit := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			entry := h.logger.WithFields(map[string]interface{}{"extension_id": e.id})
			msg := fmt.Sprint(args...)
			switch level {
			case "error":
				entry.Error(msg)
			case "warn":
				entry.Warn(msg)
			default:
				entry.Debug(msg)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit("log"))
	_ = console.Set("info", emit("log"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	_ = e.vm.Set("console", console)
}

// installHostObject injects the single `host` object carrying one namespace
// per connector capability plus the `register` namespace for declarative
// registrations — the same namespacing shape as the TEE engine's sys.*
// surface. Every capability function is async from the script's
// perspective: it returns a promise settled before control returns to the
// script's microtask queue.
func (h *Host) installHostObject(e *engine) {
	host := e.vm.NewObject()

	namespaces := map[hostcall.Capability][]string{
		hostcall.CapExec:    {"spawn"},
		hostcall.CapHTTP:    {"request", "request_private_network"},
		hostcall.CapSession: {"read", "append", "set_label", "mutate_entry"},
		hostcall.CapUI:      {"select", "confirm", "input", "notify", "widget"},
		hostcall.CapLog:     {"emit"},
	}
	for capability, methods := range namespaces {
		ns := e.vm.NewObject()
		for _, method := range methods {
			_ = ns.Set(method, h.hostcallFunc(e, capability, method))
		}
		_ = host.Set(string(capability), ns)
	}

	_ = host.Set("tool", h.toolNamespace(e))
	_ = host.Set("events", h.eventsNamespace(e))
	_ = host.Set("register", h.registerNamespace(e))

	_ = e.vm.Set("host", host)
}

// hostcallFunc builds one namespaced capability function. The promise is
// settled synchronously on the executor goroutine; its reactions run at the
// next microtask drain, keeping a tick's hostcalls contiguous.
func (h *Host) hostcallFunc(e *engine, capability hostcall.Capability, method string) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := e.vm.NewPromise()

		var paramsVal goja.Value
		if len(call.Arguments) > 0 {
			paramsVal = call.Arguments[0]
		}
		params, err := ParamsFromEngine(paramsVal)
		if err != nil {
			reject(e.vm.ToValue(err.Error()))
			return e.vm.ToValue(promise)
		}

		result, err := h.dispatch(context.Background(), e, capability, method, params)
		if err != nil {
			reject(e.vm.ToValue(err.Error()))
		} else {
			resolve(e.vm.ToValue(result))
		}
		return e.vm.ToValue(promise)
	}
}

// toolNamespace exposes host.tool.register(def, fn) and
// host.tool.invoke(params). The handler function never crosses the bridge:
// it stays in the engine's tool table and the connector re-enters the
// engine through the host's tool runner.
func (h *Host) toolNamespace(e *engine) *goja.Object {
	ns := e.vm.NewObject()

	_ = ns.Set("register", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := e.vm.NewPromise()
		if len(call.Arguments) < 2 {
			reject(e.vm.ToValue("tool.register requires (def, fn)"))
			return e.vm.ToValue(promise)
		}
		def, err := ParamsFromEngine(call.Arguments[0])
		if err != nil {
			reject(e.vm.ToValue(err.Error()))
			return e.vm.ToValue(promise)
		}
		name, _ := def["name"].(string)
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if name == "" || !ok {
			reject(e.vm.ToValue("tool.register requires def.name and a handler function"))
			return e.vm.ToValue(promise)
		}

		if err := e.registry.Register(extension.Registration{Kind: extension.KindTool, Key: name, Spec: def}); err != nil {
			reject(e.vm.ToValue(err.Error()))
			return e.vm.ToValue(promise)
		}
		e.tools[name] = fn

		if _, err := h.dispatch(context.Background(), e, hostcall.CapTool, "register", def); err != nil {
			e.registry.Remove(extension.KindTool, name)
			delete(e.tools, name)
			reject(e.vm.ToValue(err.Error()))
			return e.vm.ToValue(promise)
		}
		resolve(e.vm.ToValue(map[string]any{"registered": name}))
		return e.vm.ToValue(promise)
	})

	_ = ns.Set("invoke", h.hostcallFunc(e, hostcall.CapTool, "invoke"))
	return ns
}

// eventsNamespace exposes host.events.publish/subscribe/unsubscribe. A
// subscription's script handler stays inside the engine; the bus delivers
// through a bridge-installed closure that re-enqueues onto this
// extension's executor, so delivery never runs extension code on a foreign
// thread and a same-extension publish cannot deadlock.
func (h *Host) eventsNamespace(e *engine) *goja.Object {
	ns := e.vm.NewObject()

	_ = ns.Set("publish", h.hostcallFunc(e, hostcall.CapEvents, "publish"))
	_ = ns.Set("unsubscribe", h.hostcallFunc(e, hostcall.CapEvents, "unsubscribe"))

	_ = ns.Set("subscribe", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := e.vm.NewPromise()
		if len(call.Arguments) < 2 {
			reject(e.vm.ToValue("events.subscribe requires (topic, fn)"))
			return e.vm.ToValue(promise)
		}
		topic := call.Arguments[0].String()
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if !ok {
			reject(e.vm.ToValue("events.subscribe requires a handler function"))
			return e.vm.ToValue(promise)
		}

		handler := connectors.EventHandler(func(topic string, payload map[string]any) {
			e.enqueue(func() {
				_, err := e.withBudget(context.Background(), DefaultCallBudget, func() (goja.Value, error) {
					return fn(goja.Undefined(), e.vm.ToValue(topic), e.vm.ToValue(payload))
				})
				e.drainMicrotasks()
				if err != nil {
					h.logger.WithFields(map[string]interface{}{
						"extension_id": e.id,
						"topic":        topic,
					}).WithError(err).Warn("event handler failed")
				}
			})
		})

		ctx := connectors.WithSubscriptionHandler(context.Background(), handler)
		result, err := h.dispatch(ctx, e, hostcall.CapEvents, "subscribe", map[string]any{"topic": topic})
		if err != nil {
			reject(e.vm.ToValue(err.Error()))
		} else {
			resolve(e.vm.ToValue(result))
		}
		return e.vm.ToValue(promise)
	})

	return ns
}

// registerNamespace exposes the bridge-local registration surface for the
// non-tool registration kinds. These touch only the registry — no
// connector is involved, so no ledger entry is produced for them.
func (h *Host) registerNamespace(e *engine) *goja.Object {
	ns := e.vm.NewObject()

	plain := func(kind extension.Kind) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) < 1 {
				panic(e.vm.ToValue("registration requires a spec with a key"))
			}
			spec, err := ParamsFromEngine(call.Arguments[0])
			if err != nil {
				panic(e.vm.ToValue(err.Error()))
			}
			key, _ := spec["key"].(string)
			if key == "" {
				key, _ = spec["name"].(string)
			}
			if key == "" {
				panic(e.vm.ToValue("registration spec requires key or name"))
			}
			if err := e.registry.Register(extension.Registration{Kind: kind, Key: key, Spec: spec}); err != nil {
				panic(e.vm.ToValue(err.Error()))
			}
			return goja.Undefined()
		}
	}

	_ = ns.Set("command", plain(extension.KindCommand))
	_ = ns.Set("shortcut", plain(extension.KindShortcut))
	_ = ns.Set("flag", plain(extension.KindFlag))
	_ = ns.Set("provider", plain(extension.KindProvider))
	_ = ns.Set("messageRenderer", plain(extension.KindMessageRenderer))

	_ = ns.Set("eventHandler", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(e.vm.ToValue("register.eventHandler requires (kind, fn)"))
		}
		kind := call.Arguments[0].String()
		fn, ok := goja.AssertFunction(call.Arguments[1])
		if !ok {
			panic(e.vm.ToValue("register.eventHandler requires a handler function"))
		}
		key := fmt.Sprintf("%s#%d", kind, len(e.handlers[kind]))
		if err := e.registry.Register(extension.Registration{Kind: extension.KindEventHandler, Key: key}); err != nil {
			panic(e.vm.ToValue(err.Error()))
		}
		e.handlers[kind] = append(e.handlers[kind], fn)
		return goja.Undefined()
	})

	return ns
}
