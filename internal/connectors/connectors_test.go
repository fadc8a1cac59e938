package connectors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

func req(ext string, cap hostcall.Capability, method string, params map[string]any) hostcall.Request {
	return hostcall.Request{ExtensionID: ext, Capability: cap, Method: method, Params: params}
}

func TestToolConnectorRegisterAndInvoke(t *testing.T) {
	c := NewToolConnector(func(ctx context.Context, extensionID, name string, args map[string]any) (any, error) {
		return map[string]any{"ran": name, "ext": extensionID}, nil
	})

	_, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapTool, "register", map[string]any{"name": "fmt"}))
	require.NoError(t, err)

	// Duplicate registration conflicts.
	_, err = c.Invoke(context.Background(), req("ext-1", hostcall.CapTool, "register", map[string]any{"name": "fmt"}))
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeRegistrationConflict, he.Code)

	out, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapTool, "invoke", map[string]any{"name": "fmt", "args": map[string]any{}}))
	require.NoError(t, err)
	require.Equal(t, "fmt", out.(map[string]any)["ran"])

	// Another extension cannot invoke ext-1's tool.
	_, err = c.Invoke(context.Background(), req("ext-2", hostcall.CapTool, "invoke", map[string]any{"name": "fmt"}))
	require.Error(t, err)

	c.DropExtension("ext-1")
	_, err = c.Invoke(context.Background(), req("ext-1", hostcall.CapTool, "invoke", map[string]any{"name": "fmt"}))
	require.Error(t, err)
}

func TestEventsConnectorPublishSubscribe(t *testing.T) {
	c := NewEventsConnector()

	var mu sync.Mutex
	var got []string
	id := c.Subscribe("ext-1", "build.done", func(topic string, payload map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload["msg"].(string))
	})
	require.NotEmpty(t, id)

	delivered := c.Publish("build.done", map[string]any{"msg": "first"})
	require.Equal(t, 1, delivered)

	// Idempotent unsubscribe.
	c.Unsubscribe("ext-1", id)
	c.Unsubscribe("ext-1", id)
	require.Equal(t, 0, c.Publish("build.done", map[string]any{"msg": "second"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first"}, got)
}

func TestEventsConnectorDropsSubscribersOnUnload(t *testing.T) {
	c := NewEventsConnector()
	c.Subscribe("ext-1", "t", func(string, map[string]any) {})
	c.Subscribe("ext-1", "u", func(string, map[string]any) {})
	c.Subscribe("ext-2", "t", func(string, map[string]any) {})

	c.DropExtension("ext-1")
	require.Equal(t, 1, c.Publish("t", nil))
	require.Equal(t, 0, c.Publish("u", nil))
}

func TestSessionConnectorAppendAndRead(t *testing.T) {
	c := NewSessionConnector()
	params := map[string]any{"session_id": "s1", "kind": "note", "payload": map[string]any{"text": "hi"}}
	out, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapSession, "append", params))
	require.NoError(t, err)
	require.Equal(t, 0, out.(map[string]any)["index"])

	_, err = c.Invoke(context.Background(), req("ext-1", hostcall.CapSession, "set_label", map[string]any{"session_id": "s1", "index": float64(0), "label": "important"}))
	require.NoError(t, err)

	read, err := c.Invoke(context.Background(), req("ext-2", hostcall.CapSession, "read", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	entries := read.(map[string]any)["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "important", entries[0].(map[string]any)["label"])
}

func TestSessionConnectorSerializesWritesPerSession(t *testing.T) {
	c := NewSessionConnector()
	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := c.Invoke(context.Background(), req("ext", hostcall.CapSession, "append", map[string]any{
					"session_id": "shared", "kind": "custom",
				}))
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries := c.Entries("shared")
	require.Len(t, entries, writers*perWriter)
	for i, e := range entries {
		require.Equal(t, i, e.Index, "indices must be dense and ordered")
	}
}

func TestExecConnectorRejectsDisallowedExecutable(t *testing.T) {
	c := NewExecConnector([]string{"echo"}, DefaultExecLimits())
	_, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapExec, "spawn", map[string]any{
		"cmd": "rm", "args": []any{"-rf", "/"},
	}))
	require.Error(t, err)
	he, ok := hosterrors.As(err)
	require.True(t, ok)
	require.Equal(t, hosterrors.CodeConnectorError, he.Code)
}

func TestExecConnectorRunsAllowedExecutable(t *testing.T) {
	c := NewExecConnector([]string{"echo"}, DefaultExecLimits())
	out, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapExec, "spawn", map[string]any{
		"cmd": "echo", "args": []any{"hello"},
	}))
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, 0, m["exit"])
	require.Contains(t, m["stdout"], "hello")
	require.Equal(t, false, m["timed_out"])
}

func TestExecConnectorCapsStdout(t *testing.T) {
	limits := DefaultExecLimits()
	limits.MaxStdoutBytes = 8
	c := NewExecConnector([]string{"echo"}, limits)
	out, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapExec, "spawn", map[string]any{
		"cmd": "echo", "args": []any{"0123456789abcdef"},
	}))
	require.NoError(t, err)
	require.LessOrEqual(t, len(out.(map[string]any)["stdout"].(string)), 8)
}

type stubUIHost struct {
	approve  bool
	hang     bool
	selected string
}

func (s *stubUIHost) Select(ctx context.Context, title string, options []string) (string, bool) {
	return s.selected, false
}
func (s *stubUIHost) Confirm(ctx context.Context, message string) (bool, bool) { return true, false }
func (s *stubUIHost) Input(ctx context.Context, prompt string) (string, bool)  { return "", true }
func (s *stubUIHost) Notify(ctx context.Context, message string)               {}
func (s *stubUIHost) Widget(ctx context.Context, spec map[string]any) (map[string]any, bool) {
	return nil, true
}
func (s *stubUIHost) PolicyPrompt(ctx context.Context, extensionID, reason string) bool {
	if s.hang {
		<-ctx.Done()
		return false
	}
	return s.approve
}

func TestUIConnectorDismissalReturnsNone(t *testing.T) {
	c := NewUIConnector(&stubUIHost{selected: "a"}, time.Second)

	out, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapUI, "select", map[string]any{
		"title": "pick", "options": []any{"a", "b"},
	}))
	require.NoError(t, err)
	require.Equal(t, "a", out.(map[string]any)["choice"])

	// Input dismisses in the stub; the result is None.
	out, err = c.Invoke(context.Background(), req("ext-1", hostcall.CapUI, "input", map[string]any{"prompt": "?"}))
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestUIPromptDeniedAndExpired(t *testing.T) {
	denier := NewUIConnector(&stubUIHost{approve: false}, time.Second)
	err := denier.Prompt(context.Background(), "ext-1", "risk")
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodePolicyPromptDenied, he.Code)

	hanger := NewUIConnector(&stubUIHost{hang: true}, 50*time.Millisecond)
	err = hanger.Prompt(context.Background(), "ext-1", "risk")
	require.Error(t, err)
	he, _ = hosterrors.As(err)
	require.Equal(t, hosterrors.CodePolicyPromptExpired, he.Code)
}

func TestUIPromptApproved(t *testing.T) {
	c := NewUIConnector(&stubUIHost{approve: true}, time.Second)
	require.NoError(t, c.Prompt(context.Background(), "ext-1", "risk"))
	require.Equal(t, 0, c.PendingCount())
}

func TestHTTPConnectorRejectsDisallowedHost(t *testing.T) {
	c := NewHTTPConnector(HTTPConfig{AllowedHosts: []string{"api.example.com"}})
	_, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapHTTP, "request", map[string]any{
		"url": "https://evil.example.net/steal",
	}))
	require.Error(t, err)
}

func TestHTTPConnectorRejectsPrivateNetworkWithoutGrant(t *testing.T) {
	c := NewHTTPConnector(HTTPConfig{AllowedHosts: []string{"127.0.0.1", "localhost"}})
	_, err := c.Invoke(context.Background(), req("ext-1", hostcall.CapHTTP, "request", map[string]any{
		"url": "http://127.0.0.1:9/x",
	}))
	require.Error(t, err)
	he, _ := hosterrors.As(err)
	require.Equal(t, hosterrors.CodeConnectorError, he.Code)
}

func TestHostAllowedWildcards(t *testing.T) {
	c := NewHTTPConnector(HTTPConfig{AllowedHosts: []string{".example.com"}})
	require.True(t, c.hostAllowed("api.example.com"))
	require.True(t, c.hostAllowed("example.com"))
	require.False(t, c.hostAllowed("example.com.evil.net"))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		func(error) bool { return false },
		func() error { attempts++; return context.DeadlineExceeded })
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestExecConnectorReportsBytesRead(t *testing.T) {
	c := NewExecConnector([]string{"echo"}, DefaultExecLimits())
	usage := &hostcall.Usage{}
	ctx := hostcall.WithUsage(context.Background(), usage)
	_, err := c.Invoke(ctx, req("ext-1", hostcall.CapExec, "spawn", map[string]any{
		"cmd": "echo", "args": []any{"hello"},
	}))
	require.NoError(t, err)
	require.Greater(t, usage.BytesRead(), int64(0))
}
