package risk

import (
	"sync"
	"time"
)

// DefaultWindowSize is the default window_size for recent_mean_score /
// recent_error_rate (§4.3: "default 64").
const DefaultWindowSize = 64

// DefaultExtractionBudget is the default per-call extraction budget
// (§4.3: "default 250 µs").
const DefaultExtractionBudget = 250 * time.Microsecond

// History is one extension's bounded recent-call history, the ring-buffer
// bookkeeping the extractor reads from, grounded on SecurityAuditor's
// bounded event ring (system/sandbox/sandbox.go), generalized from
// security events to (score, error, prompt) triples.
type History struct {
	mu         sync.Mutex
	windowSize int
	scores     []float64
	errors     []bool
	prompts    []bool
}

// NewHistory creates a History bounded to windowSize recent calls.
func NewHistory(windowSize int) *History {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &History{windowSize: windowSize}
}

// Record appends one completed call's outcome to the ring, evicting the
// oldest entry once the window is full.
func (h *History) Record(score float64, isError bool, wasPrompt bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scores = append(h.scores, score)
	h.errors = append(h.errors, isError)
	h.prompts = append(h.prompts, wasPrompt)
	if len(h.scores) > h.windowSize {
		h.scores = h.scores[1:]
		h.errors = h.errors[1:]
		h.prompts = h.prompts[1:]
	}
}

func (h *History) snapshot() (meanScore, errorRate, promptBias float64, streak int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.scores)
	if n == 0 {
		return 0, 0, 0, 0
	}
	var sum float64
	var errCount, promptCount int
	for _, s := range h.scores {
		sum += s
	}
	for _, e := range h.errors {
		if e {
			errCount++
		}
	}
	for _, p := range h.prompts {
		if p {
			promptCount++
		}
	}
	// Trailing failure streak: consecutive errors counting back from the
	// most recent call.
	for i := n - 1; i >= 0; i-- {
		if h.errors[i] {
			streak++
		} else {
			break
		}
	}
	return sum / float64(n), float64(errCount) / float64(n), float64(promptCount) / float64(n), streak
}

// Stats exposes the window bookkeeping the dispatcher copies into each
// call's sequence context (§4.4): recent error count, recent window count,
// and the trailing failure streak.
func (h *History) Stats() (errorCount, windowCount, streak int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	windowCount = len(h.errors)
	for _, e := range h.errors {
		if e {
			errorCount++
		}
	}
	for i := len(h.errors) - 1; i >= 0; i-- {
		if h.errors[i] {
			streak++
		} else {
			break
		}
	}
	return errorCount, windowCount, streak
}

// Input is everything the Extractor needs beyond history to compute a
// Vector for one hostcall (§4.4 Sequence Context plus the call's own
// properties).
type Input struct {
	BaseScore           float64 // prior calibration signal, e.g. a per-capability prior
	Burst1s             int
	Burst10s            int
	Cap1s               int
	Cap10s              int
	DangerousCapability bool
	TimeoutRequested    bool
}

// Extractor derives a Vector per call in O(1), budget-gated (§4.3 Feature
// extraction).
type Extractor struct {
	budget     time.Duration
	histories  map[string]*History
	mu         sync.Mutex
	windowSize int
}

// NewExtractor creates an Extractor with the given window size and
// extraction budget (zero values fall back to the §4.3 defaults).
func NewExtractor(windowSize int, budget time.Duration) *Extractor {
	if budget <= 0 {
		budget = DefaultExtractionBudget
	}
	return &Extractor{budget: budget, histories: make(map[string]*History), windowSize: windowSize}
}

// HistoryFor returns (creating if needed) the History for an extension.
func (e *Extractor) HistoryFor(extensionID string) *History {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[extensionID]
	if !ok {
		h = NewHistory(e.windowSize)
		e.histories[extensionID] = h
	}
	return h
}

// Extract computes the nine-field Vector for one hostcall, timing itself
// against the configured budget. On overshoot, the (still fully computed,
// since this is O(1)) vector is returned with Partial=true rather than
// truncated — the §4.3 requirement is that scoring proceeds regardless,
// not that computation is abandoned mid-flight.
func (e *Extractor) Extract(extensionID string, in Input) (Vector, time.Duration) {
	start := time.Now()
	h := e.HistoryFor(extensionID)
	meanScore, errRate, promptBias, streak := h.snapshot()

	density1s := normalize(in.Burst1s, in.Cap1s)
	density10s := normalize(in.Burst10s, in.Cap10s)
	streakNorm := normalize(streak, 10)

	v := Vector{
		BaseScore:             in.BaseScore,
		RecentMeanScore:        meanScore,
		RecentErrorRate:        errRate,
		BurstDensity1s:         density1s,
		BurstDensity10s:        density10s,
		PriorFailureStreakNorm: streakNorm,
		DangerousCapability:    boolToFloat(in.DangerousCapability),
		TimeoutRequested:       boolToFloat(in.TimeoutRequested),
		PolicyPromptBias:       promptBias,
	}

	elapsed := time.Since(start)
	if elapsed > e.budget {
		v.Partial = true
	}
	return v, elapsed
}

func normalize(count, cap int) float64 {
	if cap <= 0 {
		return 0
	}
	f := float64(count) / float64(cap)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
