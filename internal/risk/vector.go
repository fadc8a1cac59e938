// Package risk implements the deterministic feature extractor, calibrated
// linear scorer, and decision engine of §4.3 "Runtime risk", grounded on
// system/sandbox/sandbox.go's SecurityAuditor bounded ring buffer (for the
// recent-window bookkeeping the extractor reads) and
// infrastructure/resilience/circuit_breaker.go's Config{..., OnStateChange}
// branch-on-state-transition shape (for the decision-timeout/fail-closed
// branch). No teacher file implements a calibrated risk scorer; this
// package's scoring logic is new code built to the spec's exact field
// list and thresholds.
package risk

// Vector is the fixed nine-field feature vector of §4.3.
type Vector struct {
	BaseScore              float64
	RecentMeanScore         float64
	RecentErrorRate         float64
	BurstDensity1s          float64
	BurstDensity10s         float64
	PriorFailureStreakNorm  float64
	DangerousCapability     float64 // 0 or 1
	TimeoutRequested        float64 // 0 or 1
	PolicyPromptBias        float64

	// Partial is true when extraction overshot its time budget
	// (extraction_budget_exceeded); the fields are still fully computed.
	// Open Question decision (DESIGN.md): partial vectors still participate
	// in scoring but are excluded from retraining by default.
	Partial bool
}

// FieldNames lists the nine fields in the order used for explanation
// contributor codes, so contributor Code values are stable across runs
// (Testable Property 2: determinism).
var FieldNames = [9]string{
	"base_score",
	"recent_mean_score",
	"recent_error_rate",
	"burst_density_1s",
	"burst_density_10s",
	"prior_failure_streak_norm",
	"dangerous_capability",
	"timeout_requested",
	"policy_prompt_bias",
}

// Values returns the nine fields in FieldNames order.
func (v Vector) Values() [9]float64 {
	return [9]float64{
		v.BaseScore, v.RecentMeanScore, v.RecentErrorRate,
		v.BurstDensity1s, v.BurstDensity10s, v.PriorFailureStreakNorm,
		v.DangerousCapability, v.TimeoutRequested, v.PolicyPromptBias,
	}
}

// AsMap returns the vector as a map for ledger/telemetry serialization.
func (v Vector) AsMap() map[string]any {
	vals := v.Values()
	m := make(map[string]any, len(FieldNames)+1)
	for i, name := range FieldNames {
		m[name] = vals[i]
	}
	m["extraction_budget_exceeded"] = v.Partial
	return m
}
