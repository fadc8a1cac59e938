package connectors

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// ExecLimits caps a spawned child's output and wall time.
type ExecLimits struct {
	MaxStdoutBytes int
	MaxStderrBytes int
	MaxWall        time.Duration
}

// DefaultExecLimits returns the connector's built-in caps.
func DefaultExecLimits() ExecLimits {
	return ExecLimits{
		MaxStdoutBytes: 1 << 20,
		MaxStderrBytes: 256 << 10,
		MaxWall:        30 * time.Second,
	}
}

// ExecResult is what exec.spawn returns to the extension.
type ExecResult struct {
	Exit     int    `json:"exit"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// ExecConnector spawns child processes with an allow-listed executable, no
// shell expansion, capped output, and a wall-clock limit. Transient spawn
// failures (resource exhaustion) are retried with jittered backoff and
// collapsed into one dispatcher-visible outcome.
type ExecConnector struct {
	allowed map[string]bool
	limits  ExecLimits
	retry   RetryConfig
}

// NewExecConnector creates an ExecConnector allowing only the named
// executables (bare names, matched against the command's final path
// element).
func NewExecConnector(allowedExecutables []string, limits ExecLimits) *ExecConnector {
	allowed := make(map[string]bool, len(allowedExecutables))
	for _, e := range allowedExecutables {
		allowed[e] = true
	}
	if limits.MaxWall <= 0 {
		limits = DefaultExecLimits()
	}
	return &ExecConnector{allowed: allowed, limits: limits, retry: DefaultRetryConfig()}
}

func (c *ExecConnector) Capability() hostcall.Capability { return hostcall.CapExec }

func (c *ExecConnector) Methods() []string { return []string{"spawn"} }

// Invoke handles exec.spawn.
func (c *ExecConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	if req.Method != "spawn" {
		return nil, hosterrors.MethodUnknown("exec", req.Method)
	}

	cmd, ok := getString(req.Params, "cmd")
	if !ok || cmd == "" {
		return nil, hosterrors.UnsupportedValue("exec.spawn requires a string cmd")
	}
	if !c.allowedExecutable(cmd) {
		return nil, hosterrors.ConnectorError("exec", "executable not in allow-list: "+cmd, false, nil)
	}

	args := stringSlice(req.Params, "args")
	env := stringMap(req.Params, "env")
	cwd := optString(req.Params, "cwd", "")

	limits := c.limits
	if raw, ok := req.Params["limits"].(map[string]any); ok {
		if ms := optInt(raw, "max_wall_ms", 0); ms > 0 {
			limits.MaxWall = time.Duration(ms) * time.Millisecond
		}
		if n := optInt(raw, "max_stdout_bytes", 0); n > 0 {
			limits.MaxStdoutBytes = n
		}
		if n := optInt(raw, "max_stderr_bytes", 0); n > 0 {
			limits.MaxStderrBytes = n
		}
	}

	var result ExecResult
	err := retry(ctx, c.retry, transientSpawnError, func() error {
		r, err := c.spawn(ctx, cmd, args, env, cwd, limits)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, hosterrors.ConnectorError("exec", "spawn failed", transientSpawnError(err), err)
	}
	hostcall.UsageFromContext(ctx).AddBytesRead(int64(len(result.Stdout) + len(result.Stderr)))
	return map[string]any{
		"exit":      result.Exit,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"timed_out": result.TimedOut,
	}, nil
}

func (c *ExecConnector) allowedExecutable(cmd string) bool {
	if c.allowed[cmd] {
		return true
	}
	// Absolute paths are matched on the final path element so an allow-list
	// of bare names covers both forms.
	if idx := strings.LastIndex(cmd, "/"); idx >= 0 {
		return c.allowed[cmd[idx+1:]]
	}
	return false
}

func (c *ExecConnector) spawn(ctx context.Context, cmd string, args []string, env map[string]string, cwd string, limits ExecLimits) (ExecResult, error) {
	spawnCtx := ctx
	if limits.MaxWall > 0 {
		var cancel context.CancelFunc
		spawnCtx, cancel = context.WithTimeout(ctx, limits.MaxWall)
		defer cancel()
	}

	// exec.CommandContext with a discrete argv: no shell, no expansion.
	child := exec.CommandContext(spawnCtx, cmd, args...)
	if cwd != "" {
		child.Dir = cwd
	}
	// Only the declared env subset is passed; the host environment never
	// leaks into the child.
	child.Env = []string{}
	for k, v := range env {
		child.Env = append(child.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	child.Stdout = &cappedWriter{buf: &stdout, max: limits.MaxStdoutBytes}
	child.Stderr = &cappedWriter{buf: &stderr, max: limits.MaxStderrBytes}

	err := child.Run()
	if ctx.Err() != nil {
		// The caller's deadline fired, not the connector's own wall cap;
		// surface it so the dispatcher records timed_out/cancelled.
		return ExecResult{}, ctx.Err()
	}
	timedOut := spawnCtx.Err() == context.DeadlineExceeded

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}
	if child.ProcessState != nil {
		result.Exit = child.ProcessState.ExitCode()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || timedOut {
			// Non-zero exit and wall-clock kill are results, not errors: the
			// extension reads exit/timed_out from the returned record.
			return result, nil
		}
		return ExecResult{}, err
	}
	return result, nil
}

// transientSpawnError reports whether a spawn failure is worth retrying
// (resource exhaustion rather than a missing or denied executable).
func transientSpawnError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOMEM)
}

// cappedWriter writes up to max bytes and silently discards the rest, so a
// runaway child cannot grow the host's buffers unboundedly.
type cappedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.max - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
