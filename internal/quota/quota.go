package quota

import (
	"fmt"
	"sync"
	"time"
)

// Limits are the per-dimension caps configured for a profile, overridable
// per extension (§4.3 "Dimensions and their default caps are part of the
// configured profile and must be overridable per extension").
type Limits struct {
	CallsPerSecond   int
	CallsPer10Seconds int
	MaxBytesRead     int64
	MaxBytesWritten  int64
	MaxWallNS        int64
	PerCapability    map[string]int // lifetime calls cap keyed by capability name
}

// DefaultLimits mirrors the order of magnitude of
// infrastructure/ratelimit.DefaultConfig (100 rps / 200 burst), scaled to
// the spec's explicit 1s/10s windows, plus generous byte/wall-time caps.
func DefaultLimits() Limits {
	return Limits{
		CallsPerSecond:    1000,
		CallsPer10Seconds: 5000,
		MaxBytesRead:      64 << 20,
		MaxBytesWritten:   64 << 20,
		MaxWallNS:         int64(30 * time.Second),
	}
}

// Dimension names as surfaced on QuotaExceeded{dimension}.
const (
	DimCallsTotal    = "calls_total"
	DimCallsPerCap   = "calls_by_capability"
	DimBytesRead     = "bytes_read"
	DimBytesWritten  = "bytes_written"
	DimWallNS        = "wall_ns"
	DimCallsPer1s    = "calls_per_1s"
	DimCallsPer10s   = "calls_per_10s"
)

// Budget is one extension's Quota Budget (§3): lifetime counters plus the
// two sliding windows. Charges are tentative-then-commit: TryAdmit checks
// every limit without mutating state; Commit applies the increment only on
// successful admission to execution (§4.3 quota enforcement).
type Budget struct {
	mu sync.Mutex

	limits Limits

	callsTotal       int64
	callsByCap       map[string]int64
	bytesRead        int64
	bytesWritten     int64
	wallNS           int64
	window1s         *tumblingWindow
	window10s        *tumblingWindow
}

// NewBudget creates a Budget for one extension with the given limits.
func NewBudget(limits Limits) *Budget {
	return &Budget{
		limits:     limits,
		callsByCap: make(map[string]int64),
		window1s:   newTumblingWindow(time.Second),
		window10s:  newTumblingWindow(10 * time.Second),
	}
}

// Exceeded is returned by TryAdmit naming the offending dimension.
type Exceeded struct {
	Dimension string
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf("quota dimension exceeded: %s", e.Dimension)
}

// TryAdmit checks whether one more call of the given capability, with the
// given estimated bytes read/written and wall time, would breach any limit.
// It does not mutate counters (§4.3: "tentatively increment; if any limit
// would be exceeded, reject ... and do not commit the increment").
func (b *Budget) TryAdmit(now time.Time, capability string, estBytesRead, estBytesWritten, estWallNS int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limits.CallsPerSecond > 0 && b.window1s.Count(now)+1 > b.limits.CallsPerSecond {
		return &Exceeded{Dimension: DimCallsPer1s}
	}
	if b.limits.CallsPer10Seconds > 0 && b.window10s.Count(now)+1 > b.limits.CallsPer10Seconds {
		return &Exceeded{Dimension: DimCallsPer10s}
	}
	if b.limits.MaxBytesRead > 0 && b.bytesRead+estBytesRead > b.limits.MaxBytesRead {
		return &Exceeded{Dimension: DimBytesRead}
	}
	if b.limits.MaxBytesWritten > 0 && b.bytesWritten+estBytesWritten > b.limits.MaxBytesWritten {
		return &Exceeded{Dimension: DimBytesWritten}
	}
	if b.limits.MaxWallNS > 0 && b.wallNS+estWallNS > b.limits.MaxWallNS {
		return &Exceeded{Dimension: DimWallNS}
	}
	if cap, ok := b.limits.PerCapability[capability]; ok && cap > 0 {
		if b.callsByCap[capability]+1 > int64(cap) {
			return &Exceeded{Dimension: DimCallsPerCap}
		}
	}
	return nil
}

// Commit applies the increment for an admitted call. Call only after
// TryAdmit succeeded and the call has been admitted to execution.
func (b *Budget) Commit(now time.Time, capability string, bytesRead, bytesWritten, wallNS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.callsTotal++
	b.callsByCap[capability]++
	b.bytesRead += bytesRead
	b.bytesWritten += bytesWritten
	b.wallNS += wallNS
	b.window1s.Add(now)
	b.window10s.Add(now)
}

// AddUsage settles a call's actual byte/wall consumption after execution,
// without touching the call counters or windows (those committed at
// admission). The next TryAdmit sees the accumulated totals, so the byte
// and wall dimensions gate on what calls really moved rather than on
// estimates alone.
func (b *Budget) AddUsage(bytesRead, bytesWritten, wallNS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bytesRead += bytesRead
	b.bytesWritten += bytesWritten
	b.wallNS += wallNS
}

// Snapshot is a point-in-time read of a Budget's counters, used for
// telemetry and the sequence context's burst_count fields (§4.4).
type Snapshot struct {
	CallsTotal int64
	CallsByCap map[string]int64
	BytesRead  int64
	BytesWritten int64
	WallNS     int64
	Burst1s    int
	Burst10s   int
}

// Snapshot reads the current counters without mutating them.
func (b *Budget) Snapshot(now time.Time) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	byCap := make(map[string]int64, len(b.callsByCap))
	for k, v := range b.callsByCap {
		byCap[k] = v
	}
	return Snapshot{
		CallsTotal:   b.callsTotal,
		CallsByCap:   byCap,
		BytesRead:    b.bytesRead,
		BytesWritten: b.bytesWritten,
		WallNS:       b.wallNS,
		Burst1s:      b.window1s.Count(now),
		Burst10s:     b.window10s.Count(now),
	}
}
