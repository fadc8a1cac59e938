package bridge

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/pi-cli/exthost/internal/connectors"
	"github.com/pi-cli/exthost/internal/dispatcher"
	"github.com/pi-cli/exthost/internal/extension"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
	"github.com/pi-cli/exthost/internal/policy"
	"github.com/pi-cli/exthost/internal/quota"
	"github.com/pi-cli/exthost/internal/risk"
	"github.com/pi-cli/exthost/internal/telemetry"
)

func testHost(t *testing.T) (*Host, *telemetry.MemoryEmitter, *connectors.EventsConnector) {
	t.Helper()
	riskCfg := risk.DefaultConfig()
	riskCfg.DecisionTimeout = time.Second
	emitter := telemetry.NewMemoryEmitter()
	disp := dispatcher.New(dispatcher.Config{
		Profile:     policy.ProfileBalanced,
		Policy:      policy.DefaultConfig(),
		QuotaLimits: quota.DefaultLimits(),
		Risk:        riskCfg,
		RiskWindow:  risk.DefaultWindowSize,
		LedgerDir:   t.TempDir(),
		LedgerLimit: 1000,
	}, emitter, nil, nil)

	h := NewHost(disp, nil)
	events := connectors.NewEventsConnector()
	disp.RegisterConnector(connectors.NewToolConnector(h.RunTool))
	disp.RegisterConnector(events)
	disp.RegisterConnector(connectors.NewLogConnector(nil))
	t.Cleanup(func() { _ = disp.Close() })
	return h, emitter, events
}

func identity(name string) extension.Identity {
	digest := extension.Digest([]extension.File{{RelPath: "index.js", Content: []byte(name)}})
	return extension.NewIdentity(extension.SourceLocal, name, digest, extension.Resolved{LocalAbsPath: "/tmp/" + name})
}

func TestLoadRegisterAndCallTool(t *testing.T) {
	// Property 7, first half: a tool registered during load and invoked
	// before session_start executes.
	h, _, _ := testHost(t)
	handle, err := h.Load(`
		host.tool.register({name: "greet", description: "greets"}, function(args) {
			return {message: "hello " + args.who};
		});
	`, identity("ext-greet"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	result, err := h.CallTool(handle, "greet", map[string]any{"who": "world"}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, "hello world", result.(map[string]any)["message"])
}

func TestLateRegistrationFailsAfterSessionStart(t *testing.T) {
	// Property 7, second half: registration after session_start fails with
	// the late-registration error.
	h, _, _ := testHost(t)
	handle, err := h.Load(`
		var lateError = null;
		host.register.eventHandler("try_late", function() {
			host.tool.register({name: "late"}, function() { return {}; })
				.catch(function(e) { lateError = String(e); });
		});
		host.tool.register({name: "probe"}, function() { return {err: lateError}; });
	`, identity("ext-late"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	require.NoError(t, h.DispatchEvent(handle, Event{Kind: SessionStartEvent}))
	require.NoError(t, h.DispatchEvent(handle, Event{Kind: "try_late"}))

	result, err := h.CallTool(handle, "probe", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	errStr, _ := result.(map[string]any)["err"].(string)
	require.Contains(t, errStr, "REGISTRATION_CONFLICT")
}

func TestDuplicateToolRegistrationConflicts(t *testing.T) {
	h, _, _ := testHost(t)
	handle, err := h.Load(`
		var dupError = null;
		host.tool.register({name: "fmt"}, function() { return {n: 1}; });
		host.tool.register({name: "fmt"}, function() { return {n: 2}; })
			.catch(function(e) { dupError = String(e); });
		host.tool.register({name: "probe"}, function() { return {err: dupError}; });
	`, identity("ext-dup"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	result, err := h.CallTool(handle, "probe", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	errStr, _ := result.(map[string]any)["err"].(string)
	require.Contains(t, errStr, "REGISTRATION_CONFLICT")

	// The first registration still executes.
	result, err = h.CallTool(handle, "fmt", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.(map[string]any)["n"])
}

func TestScriptErrorDoesNotUnloadExtension(t *testing.T) {
	h, _, _ := testHost(t)
	handle, err := h.Load(`
		host.tool.register({name: "boom"}, function() { throw new Error("kaput"); });
		host.tool.register({name: "fine"}, function() { return {ok: true}; });
	`, identity("ext-err"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	_, err = h.CallTool(handle, "boom", nil, time.Now().Add(time.Second))
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeExtensionScriptError, he.Code)

	// Ordinary errors are recoverable; the extension keeps running.
	result, err := h.CallTool(handle, "fine", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, true, result.(map[string]any)["ok"])
}

func TestExecutionBudgetExceededAndQuarantine(t *testing.T) {
	h, _, _ := testHost(t)
	handle, err := h.Load(`
		host.tool.register({name: "spin"}, function() { while (true) {} });
	`, identity("ext-spin"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	for i := 0; i < DefaultQuarantineStreak; i++ {
		_, err := h.CallTool(handle, "spin", nil, time.Now().Add(50*time.Millisecond))
		require.Error(t, err)
		he, ok := hosterrors.As(err)
		require.True(t, ok)
		require.Equal(t, hosterrors.CodeExecutionBudgetExceeded, he.Code)
	}

	// The streak threshold quarantines the extension for the session.
	_, err = h.CallTool(handle, "spin", nil, time.Now().Add(50*time.Millisecond))
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeExtensionQuarantined, he.Code)
}

func TestHostcallsGoThroughDispatcher(t *testing.T) {
	// Every host.* capability call produces exactly one telemetry record.
	h, emitter, _ := testHost(t)
	handle, err := h.Load(`
		host.log.emit({message: "from script", level: "info"});
	`, identity("ext-log"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	recs := emitter.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "log", recs[0].Capability)
	require.Equal(t, "emit", recs[0].Method)
	require.Equal(t, uint64(1), recs[0].Sequence.SequenceID)
	require.Equal(t, "completed", recs[0].Outcome)
}

func TestLoadErrorSurfacesAsExtensionLoadError(t *testing.T) {
	h, _, _ := testHost(t)
	_, err := h.Load(`this is not javascript {{{`, identity("ext-syntax"))
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeExtensionLoadError, he.Code)
}

func TestReloadRequiresFreshIdentity(t *testing.T) {
	h, _, _ := testHost(t)
	id := identity("ext-once")
	handle, err := h.Load(`var x = 1;`, id)
	require.NoError(t, err)

	_, err = h.Load(`var x = 2;`, id)
	require.Error(t, err)

	h.Dispose(handle)
	_, err = h.Load(`var x = 3;`, id)
	require.NoError(t, err)
}

func TestRejectedTrustStateFailsLoad(t *testing.T) {
	h, _, _ := testHost(t)
	id := identity("ext-reject")
	id.TrustState = extension.TrustRejected
	_, err := h.Load(`var x = 1;`, id)
	require.Error(t, err)
}

func TestEventsSubscriptionDelivery(t *testing.T) {
	h, _, events := testHost(t)
	handle, err := h.Load(`
		var seen = [];
		host.events.subscribe("deploy.done", function(topic, payload) {
			seen.push(payload.env);
		});
		host.tool.register({name: "seen"}, function() { return {envs: seen}; });
	`, identity("ext-sub"))
	require.NoError(t, err)
	defer h.Dispose(handle)

	// Publish from the host side through the connector.
	events.Publish("deploy.done", map[string]any{"env": "staging"})

	// Delivery is asynchronous onto the extension's executor.
	require.Eventually(t, func() bool {
		result, err := h.CallTool(handle, "seen", nil, time.Now().Add(time.Second))
		if err != nil {
			return false
		}
		envs, _ := result.(map[string]any)["envs"].([]any)
		return len(envs) == 1 && envs[0] == "staging"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMarshalClosedSet(t *testing.T) {
	vm := goja.New()

	val, err := vm.RunString(`({s: "x", n: 1.5, i: 7, b: true, z: null, arr: [1, "two"], nested: {k: "v"}})`)
	require.NoError(t, err)
	narrowed, err := FromEngine(val)
	require.NoError(t, err)
	m := narrowed.(map[string]any)
	require.Equal(t, "x", m["s"])
	require.Equal(t, 1.5, m["n"])
	require.Equal(t, int64(7), m["i"])
	require.Equal(t, true, m["b"])
	require.Nil(t, m["z"])

	fn, err := vm.RunString(`(function() {})`)
	require.NoError(t, err)
	_, err = FromEngine(fn)
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeUnsupportedValue, he.Code)
}

func TestParamsFromEngineRequiresMapping(t *testing.T) {
	vm := goja.New()
	val, err := vm.RunString(`"just a string"`)
	require.NoError(t, err)
	_, err = ParamsFromEngine(val)
	require.Error(t, err)

	empty, err := ParamsFromEngine(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
