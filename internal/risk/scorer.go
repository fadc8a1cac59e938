package risk

import "math"

// ModelVersion is stamped on every ledger entry and telemetry record so a
// replay tool can reproduce a historical decision bit-for-bit (§4.3
// "Coefficients and τ are versioned; the version is stamped on every
// entry").
const ModelVersion = "risk-model.v1"

// Coefficients is a linear model over the nine Vector fields plus a bias
// term. Calibrated by hand to weight error rate, failure streak, and the
// dangerous-capability flag most heavily, matching the intuitive priority
// order a security reviewer would assign.
type Coefficients struct {
	Weights [9]float64
	Bias    float64
}

// DefaultCoefficients is risk-model.v1's calibration. The bias puts a
// quiet call near 0.02; the weights are scaled so the thresholds derived
// from the default α=0.05 (tau_prompt=0.75, tau_deny=0.95) are reachable:
// a dangerous call under near-cap burst, or a call following a sustained
// failure streak, lands above tau_prompt, and only the combination of
// several maxed factors clears tau_deny.
func DefaultCoefficients() Coefficients {
	return Coefficients{
		Weights: [9]float64{
			2.0, // base_score
			1.5, // recent_mean_score
			3.5, // recent_error_rate
			1.5, // burst_density_1s
			1.0, // burst_density_10s
			2.5, // prior_failure_streak_norm
			2.5, // dangerous_capability
			0.5, // timeout_requested
			1.0, // policy_prompt_bias
		},
		Bias: -4.0,
	}
}

// Scorer computes score = sigmoid(w . x + b), clamped to [0,1], and the
// α-derived decision thresholds.
type Scorer struct {
	coef    Coefficients
	version string
}

// NewScorer creates a Scorer with the given coefficients and version
// label; pass DefaultCoefficients()/ModelVersion for the built-in model.
func NewScorer(coef Coefficients, version string) *Scorer {
	return &Scorer{coef: coef, version: version}
}

// Version returns the scorer's model version string.
func (s *Scorer) Version() string { return s.version }

// Score computes a calibrated score in [0,1] for the given vector.
func (s *Scorer) Score(v Vector) float64 {
	values := v.Values()
	sum := s.coef.Bias
	for i, w := range s.coef.Weights {
		sum += w * values[i]
	}
	return sigmoid(sum)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// Thresholds returns (τ_prompt, τ_deny) as a function of the configured
// false-positive target α (§4.3 "The chosen threshold τ is a function of
// the configured false-positive target α (default α = 0.05)"). Smaller α
// (less tolerance for false positives) pushes both thresholds higher, so
// fewer calls are flagged.
func Thresholds(alpha float64) (tauPrompt, tauDeny float64) {
	if alpha <= 0 {
		alpha = 0.05
	}
	if alpha > 1 {
		alpha = 1
	}
	tauDeny = 1 - alpha
	tauPrompt = tauDeny - 0.2
	if tauPrompt < 0 {
		tauPrompt = 0
	}
	return tauPrompt, tauDeny
}
