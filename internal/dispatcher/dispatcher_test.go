package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pi-cli/exthost/internal/hostcall"
	"github.com/pi-cli/exthost/internal/ledger"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
	"github.com/pi-cli/exthost/internal/policy"
	"github.com/pi-cli/exthost/internal/quota"
	"github.com/pi-cli/exthost/internal/risk"
	"github.com/pi-cli/exthost/internal/telemetry"
)

type stubConnector struct {
	capability hostcall.Capability
	methods    []string
	invoke     func(ctx context.Context, req hostcall.Request) (any, error)
}

func (s *stubConnector) Capability() hostcall.Capability { return s.capability }
func (s *stubConnector) Methods() []string               { return s.methods }
func (s *stubConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	if s.invoke == nil {
		return map[string]any{"ok": true}, nil
	}
	return s.invoke(ctx, req)
}

type approvePrompter struct{ approve bool }

func (p *approvePrompter) Prompt(ctx context.Context, extensionID, reason string) error {
	if p.approve {
		return nil
	}
	return hosterrors.PolicyPromptDenied()
}

func testConfig(t *testing.T, profile policy.Profile) Config {
	t.Helper()
	riskCfg := risk.DefaultConfig()
	riskCfg.DecisionTimeout = time.Second // generous, avoids flaky timeouts
	return Config{
		Profile:     profile,
		Policy:      policy.DefaultConfig(),
		QuotaLimits: quota.DefaultLimits(),
		Risk:        riskCfg,
		RiskWindow:  risk.DefaultWindowSize,
		LedgerDir:   t.TempDir(),
		LedgerLimit: 1000,
	}
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *telemetry.MemoryEmitter) {
	t.Helper()
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	d.RegisterConnector(&stubConnector{capability: hostcall.CapLog, methods: []string{"emit"}})
	d.RegisterConnector(&stubConnector{capability: hostcall.CapTool, methods: []string{"register", "invoke"}})
	spawned := false
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapExec,
		methods:    []string{"spawn"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			spawned = true
			return map[string]any{"exit": 0}, nil
		},
	})
	t.Cleanup(func() {
		_ = d.Close()
		require.False(t, spawned && cfg.Profile == policy.ProfileSafe, "safe profile must never spawn")
	})
	return d, emitter
}

func TestSafeProfileRejectsExecSpawn(t *testing.T) {
	// S1: safe profile, exec.spawn{rm -rf /} is rejected at policy with a
	// named rule and no child process is spawned.
	d, emitter := newTestDispatcher(t, testConfig(t, policy.ProfileSafe))

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1",
		Capability:  hostcall.CapExec,
		Method:      "spawn",
		Params:      map[string]any{"cmd": "rm", "args": []any{"-rf", "/"}, "env": map[string]any{}, "cwd": "/"},
	})
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodePolicyDenied, he.Code)

	chain, err := d.Chain("ext-1")
	require.NoError(t, err)
	tail := chain.Tail(1)
	require.Len(t, tail, 1)
	require.Equal(t, "rejected", tail[0].Outcome)
	require.Equal(t, "safe.exec.spawn:deny", tail[0].PolicyRule)

	recs := emitter.Records()
	require.Len(t, recs, 1)
	require.Equal(t, "rejected", recs[0].Outcome)
	require.Equal(t, "safe.exec.spawn:deny", recs[0].PolicyReason)
}

func TestChokePointOneEntryOneTelemetryPerCall(t *testing.T) {
	// Testable Property 1: every completed call has exactly one ledger
	// entry and one telemetry record with identical seq.
	d, emitter := newTestDispatcher(t, testConfig(t, policy.ProfileBalanced))

	const calls = 5
	for i := 0; i < calls; i++ {
		_, err := d.Dispatch(context.Background(), hostcall.Request{
			ExtensionID: "ext-1",
			Capability:  hostcall.CapLog,
			Method:      "emit",
			Params:      map[string]any{"message": "hi"},
		})
		require.NoError(t, err)
	}

	chain, err := d.Chain("ext-1")
	require.NoError(t, err)
	entries := chain.Tail(0)
	recs := emitter.Records()
	require.Len(t, entries, calls)
	require.Len(t, recs, calls)
	for i := range entries {
		require.Equal(t, entries[i].Seq, recs[i].Sequence.SequenceID)
		require.Equal(t, uint64(i+1), entries[i].Seq, "per-extension seq is monotonic from 1")
	}
}

func TestQuotaTripwire(t *testing.T) {
	// S2 shape: with calls_per_1s=3, the fourth call in the same second
	// fails with the dimension named, and the rejection is ledgered.
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.QuotaLimits = quota.Limits{CallsPerSecond: 3, CallsPer10Seconds: 1000}
	d, _ := newTestDispatcher(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), hostcall.Request{
			ExtensionID: "ext-1", Capability: hostcall.CapLog, Method: "emit",
			Params: map[string]any{"message": "x"},
		})
		require.NoError(t, err)
	}
	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapLog, Method: "emit",
		Params: map[string]any{"message": "x"},
	})
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeQuotaExceeded, he.Code)
	require.Equal(t, quota.DimCallsPer1s, he.Details["dimension"])

	chain, err := d.Chain("ext-1")
	require.NoError(t, err)
	tail := chain.Tail(1)
	require.Equal(t, "rejected", tail[0].Outcome)
	require.Equal(t, string(hosterrors.CodeQuotaExceeded), tail[0].ErrorCode)
}

func TestUnknownCapabilityAndMethodAreLedgered(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig(t, policy.ProfileBalanced))

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: "filesystem", Method: "read", Params: map[string]any{},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeCapabilityUnknown, he.Code)

	_, err = d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapLog, Method: "shout", Params: map[string]any{},
	})
	require.Error(t, err)
	he, _ = hosterrors.As(err)
	require.Equal(t, hosterrors.CodeMethodUnknown, he.Code)

	chain, err := d.Chain("ext-1")
	require.NoError(t, err)
	require.Len(t, chain.Tail(0), 2, "rejected routing failures still produce one entry each")
}

func TestQuarantinedExtensionIsRejected(t *testing.T) {
	d, _ := newTestDispatcher(t, testConfig(t, policy.ProfileBalanced))
	d.Quarantine("ext-bad", "repeated execution budget failures")
	require.True(t, d.IsQuarantined("ext-bad"))

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-bad", Capability: hostcall.CapLog, Method: "emit",
		Params: map[string]any{"message": "x"},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeExtensionQuarantined, he.Code)
}

func TestCancelledCallLedgersOnce(t *testing.T) {
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.GraceWindow = 50 * time.Millisecond
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	block := make(chan struct{})
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapHTTP,
		methods:    []string{"request"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-block:
				return nil, nil
			}
		},
	})
	defer close(block)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params:   map[string]any{"url": "https://example.com"},
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeTimedOut, he.Code)

	chain, cerr := d.Chain("ext-1")
	require.NoError(t, cerr)
	tail := chain.Tail(0)
	require.Len(t, tail, 1)
	require.Contains(t, []string{"timed_out", "cancelled"}, tail[0].Outcome)
	require.Len(t, emitter.Records(), 1)
}

func TestDeterministicTelemetryAcrossRuns(t *testing.T) {
	// S6: two fresh runs over the same inputs produce byte-identical
	// deterministic fields (hashes, features, score, contributor order).
	run := func() telemetry.Record {
		d, emitter := newTestDispatcher(t, testConfig(t, policy.ProfileBalanced))
		defer d.Close()
		for i := 0; i < 3; i++ {
			_, err := d.Dispatch(context.Background(), hostcall.Request{
				ExtensionID: "ext-d",
				Capability:  hostcall.CapTool,
				Method:      "invoke",
				Params:      map[string]any{"name": "fmt", "args": map[string]any{"path": "main.go"}},
			})
			require.NoError(t, err)
		}
		recs := emitter.Records()
		return recs[len(recs)-1]
	}

	a := run()
	b := run()

	require.Equal(t, a.ArgsShapeHash, b.ArgsShapeHash)
	require.Equal(t, a.ParamsHash, b.ParamsHash)
	require.Equal(t, a.Sequence.SequenceID, b.Sequence.SequenceID)
	require.NotNil(t, a.RiskScore)
	require.NotNil(t, b.RiskScore)
	require.Equal(t, *a.RiskScore, *b.RiskScore)

	aFeat, _ := json.Marshal(a.Features)
	bFeat, _ := json.Marshal(b.Features)
	require.JSONEq(t, string(aFeat), string(bFeat))

	require.Equal(t, a.TopContributors, b.TopContributors)
}

func TestRiskDecisionTimeoutFailClosed(t *testing.T) {
	// S4: decision_timeout=1ns, fail_closed=true rejects with
	// RiskDecisionTimeout and a null risk_score in the ledger.
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.Risk.DecisionTimeout = time.Nanosecond
	cfg.Risk.FailClosed = true
	d, _ := newTestDispatcher(t, cfg)

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapLog, Method: "emit",
		Params: map[string]any{"message": "x"},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeRiskDecisionTimeout, he.Code)

	chain, cerr := d.Chain("ext-1")
	require.NoError(t, cerr)
	tail := chain.Tail(1)
	require.Nil(t, tail[0].RiskScore, "risk_score must be null on decision timeout")
	require.Equal(t, "rejected", tail[0].Outcome)
}

func TestBackpressureRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.QueueBound = 1
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	block := make(chan struct{})
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapHTTP,
		methods:    []string{"request"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			<-block
			return nil, nil
		},
	})
	defer d.Close()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = d.Dispatch(context.Background(), hostcall.Request{
			ExtensionID: "ext-a", Capability: hostcall.CapHTTP, Method: "request",
			Params: map[string]any{"url": "https://example.com"},
		})
	}()
	<-started
	time.Sleep(100 * time.Millisecond) // let the first call occupy the slot

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-b", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com"},
	})
	close(block)
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeBackpressureRejected, he.Code)
}

func TestLedgerChainValidatesAfterDispatches(t *testing.T) {
	cfg := testConfig(t, policy.ProfileBalanced)
	d, _ := newTestDispatcher(t, cfg)
	for i := 0; i < 4; i++ {
		_, err := d.Dispatch(context.Background(), hostcall.Request{
			ExtensionID: "ext-1", Capability: hostcall.CapLog, Method: "emit",
			Params: map[string]any{"message": "x"},
		})
		require.NoError(t, err)
	}
	require.NoError(t, d.Close())

	result, err := ledger.Validate(cfg.LedgerDir + "/ext-1/ledger.jsonl")
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Equal(t, 4, result.EntriesRead)
}

func TestPolicyPromptDeniedRejectsCall(t *testing.T) {
	// S3 tail: a prompt decision the user denies rejects the call with
	// PolicyPromptDenied and still produces a ledger entry.
	cfg := testConfig(t, policy.ProfileBalanced) // balanced: exec resolves to prompt
	cfg.Policy.AllowDangerous = true             // exec.spawn is dangerous: denied outright without this
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: false}, nil)
	d.RegisterConnector(&stubConnector{capability: hostcall.CapExec, methods: []string{"spawn"}})
	defer d.Close()

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapExec, Method: "spawn",
		Params: map[string]any{"cmd": "echo", "args": []any{"hi"}},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodePolicyPromptDenied, he.Code)

	chain, cerr := d.Chain("ext-1")
	require.NoError(t, cerr)
	tail := chain.Tail(1)
	require.Equal(t, "rejected", tail[0].Outcome)
	require.Equal(t, string(hosterrors.CodePolicyPromptDenied), tail[0].ErrorCode)
	require.Equal(t, "prompt", tail[0].PolicyDecision)
}

func TestBytesReadDimensionEnforced(t *testing.T) {
	// A connector's actual read volume settles into the budget, so the
	// byte dimensions gate later admissions.
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.QuotaLimits = quota.Limits{CallsPerSecond: 1000, CallsPer10Seconds: 1000, MaxBytesRead: 10}
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapHTTP,
		methods:    []string{"request"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			hostcall.UsageFromContext(ctx).AddBytesRead(100)
			return map[string]any{"status": 200}, nil
		},
	})
	defer d.Close()

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com"},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeQuotaExceeded, he.Code)
	require.Equal(t, quota.DimBytesRead, he.Details["dimension"])
}

func TestBytesWrittenEstimateRejectsUpFront(t *testing.T) {
	// The declared body feeds the tentative bytes_written check, so an
	// oversized payload never reaches the connector.
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.QuotaLimits = quota.Limits{CallsPerSecond: 1000, CallsPer10Seconds: 1000, MaxBytesWritten: 8}
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	reached := false
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapHTTP,
		methods:    []string{"request"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			reached = true
			return nil, nil
		},
	})
	defer d.Close()

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com", "body": "0123456789abcdef"},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeQuotaExceeded, he.Code)
	require.Equal(t, quota.DimBytesWritten, he.Details["dimension"])
	require.False(t, reached, "connector must not run for an over-budget payload")
}

func TestWallTimeDimensionEnforced(t *testing.T) {
	cfg := testConfig(t, policy.ProfileBalanced)
	cfg.QuotaLimits = quota.Limits{CallsPerSecond: 1000, CallsPer10Seconds: 1000, MaxWallNS: int64(time.Millisecond)}
	emitter := telemetry.NewMemoryEmitter()
	d := New(cfg, emitter, &approvePrompter{approve: true}, nil)
	d.RegisterConnector(&stubConnector{
		capability: hostcall.CapHTTP,
		methods:    []string{"request"},
		invoke: func(ctx context.Context, req hostcall.Request) (any, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, nil
		},
	})
	defer d.Close()

	_, err := d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), hostcall.Request{
		ExtensionID: "ext-1", Capability: hostcall.CapHTTP, Method: "request",
		Params: map[string]any{"url": "https://example.com"},
	})
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeQuotaExceeded, he.Code)
	require.Equal(t, quota.DimWallNS, he.Details["dimension"])
}
