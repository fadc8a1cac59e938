package hostcall

import (
	"context"
	"sync/atomic"
)

// Usage accumulates the bytes a connector actually moved during one call.
// The dispatcher installs one per call on the context; the exec and http
// connectors add to it as they read and write. Atomics cover the drop-late-
// completion path, where a timed-out connector may still be writing while
// the dispatcher reads the totals.
type Usage struct {
	bytesRead    int64
	bytesWritten int64
}

// AddBytesRead records bytes read from the call's resource (child stdout/
// stderr, an HTTP response body).
func (u *Usage) AddBytesRead(n int64) {
	if u != nil && n > 0 {
		atomic.AddInt64(&u.bytesRead, n)
	}
}

// AddBytesWritten records bytes written to the call's resource (an HTTP
// request body).
func (u *Usage) AddBytesWritten(n int64) {
	if u != nil && n > 0 {
		atomic.AddInt64(&u.bytesWritten, n)
	}
}

// BytesRead returns the accumulated read total.
func (u *Usage) BytesRead() int64 {
	if u == nil {
		return 0
	}
	return atomic.LoadInt64(&u.bytesRead)
}

// BytesWritten returns the accumulated write total.
func (u *Usage) BytesWritten() int64 {
	if u == nil {
		return 0
	}
	return atomic.LoadInt64(&u.bytesWritten)
}

type usageKey struct{}

// WithUsage attaches a per-call Usage accumulator to ctx.
func WithUsage(ctx context.Context, u *Usage) context.Context {
	return context.WithValue(ctx, usageKey{}, u)
}

// UsageFromContext returns the call's Usage accumulator, or nil when the
// caller did not install one (every Usage method is nil-safe).
func UsageFromContext(ctx context.Context) *Usage {
	u, _ := ctx.Value(usageKey{}).(*Usage)
	return u
}
