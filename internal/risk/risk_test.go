package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRiskPromptOnElevatedBurstAndDangerousCapability(t *testing.T) {
	// S3: a call with a dangerous capability and a near-cap burst should
	// score high enough to land at or above tau_prompt.
	extractor := NewExtractor(DefaultWindowSize, DefaultExtractionBudget)
	scorer := NewScorer(DefaultCoefficients(), ModelVersion)
	explainer := NewExplainer(DefaultExplanationBudget, DefaultMaxTerms)
	ctrl := NewController(DefaultConfig(), extractor, scorer, explainer)

	d := ctrl.Evaluate("ext-risky", Input{
		BaseScore:           0.4,
		Burst1s:             9,
		Cap1s:               10,
		Burst10s:            45,
		Cap10s:              50,
		DangerousCapability: true,
		TimeoutRequested:    false,
	})

	require.False(t, d.TimedOut)
	require.NotEqual(t, ActionAllow, d.Action, "expected prompt or deny, got allow with score %.3f (tau_prompt=%.3f)", d.Score, d.TauPrompt)
	require.NotEmpty(t, d.Explanation.Summary)
}

func TestDecisionTimeoutFailsClosed(t *testing.T) {
	// S4: a decision that exceeds decision_timeout_ms with fail_closed=true
	// must resolve to deny, never allow.
	extractor := NewExtractor(DefaultWindowSize, DefaultExtractionBudget)
	scorer := NewScorer(DefaultCoefficients(), ModelVersion)
	explainer := NewExplainer(DefaultExplanationBudget, DefaultMaxTerms)
	cfg := DefaultConfig()
	cfg.DecisionTimeout = 1 // effectively always times out
	ctrl := NewController(cfg, extractor, scorer, explainer)

	d := ctrl.Evaluate("ext-slow", Input{BaseScore: 0.1})

	require.True(t, d.TimedOut)
	require.Equal(t, ActionDeny, d.Action)
}

func TestDecisionTimeoutFailsOpenWhenConfigured(t *testing.T) {
	extractor := NewExtractor(DefaultWindowSize, DefaultExtractionBudget)
	scorer := NewScorer(DefaultCoefficients(), ModelVersion)
	explainer := NewExplainer(DefaultExplanationBudget, DefaultMaxTerms)
	cfg := DefaultConfig()
	cfg.DecisionTimeout = 1
	cfg.FailClosed = false
	ctrl := NewController(cfg, extractor, scorer, explainer)

	d := ctrl.Evaluate("ext-slow-open", Input{BaseScore: 0.1})

	require.True(t, d.TimedOut)
	require.Equal(t, ActionAllow, d.Action)
}

func TestScoringIsDeterministicAcrossRuns(t *testing.T) {
	// S6: the same vector must produce the same score and contributor
	// ranking on every evaluation, with no reliance on wall-clock or
	// randomness.
	scorer := NewScorer(DefaultCoefficients(), ModelVersion)
	explainer := NewExplainer(DefaultExplanationBudget, DefaultMaxTerms)
	v := Vector{
		BaseScore: 0.3, RecentMeanScore: 0.2, RecentErrorRate: 0.5,
		BurstDensity1s: 0.8, BurstDensity10s: 0.4, PriorFailureStreakNorm: 0.6,
		DangerousCapability: 1, TimeoutRequested: 0, PolicyPromptBias: 0.1,
	}

	var firstScore float64
	var firstContributors []string
	for i := 0; i < 5; i++ {
		score := scorer.Score(v)
		tauPrompt, tauDeny := Thresholds(0.05)
		expl := explainer.Explain(v, DefaultCoefficients(), score, tauPrompt, tauDeny)
		codes := make([]string, len(expl.TopContributors))
		for j, c := range expl.TopContributors {
			codes[j] = c.Code
		}
		if i == 0 {
			firstScore = score
			firstContributors = codes
			continue
		}
		require.Equal(t, firstScore, score)
		require.Equal(t, firstContributors, codes)
	}
}

func TestHistoryRecordsTrailingFailureStreak(t *testing.T) {
	h := NewHistory(8)
	h.Record(0.1, false, false)
	h.Record(0.2, true, false)
	h.Record(0.3, true, false)
	h.Record(0.4, true, true)
	_, errRate, promptBias, streak := h.snapshot()
	require.Equal(t, 3, streak)
	require.InDelta(t, 0.75, errRate, 0.001)
	require.InDelta(t, 0.25, promptBias, 0.001)
}

func TestExtractorMarksPartialOnBudgetOvershoot(t *testing.T) {
	extractor := NewExtractor(DefaultWindowSize, 0)
	extractor.budget = time.Nanosecond // guarantee overshoot
	v, _ := extractor.Extract("ext-budget", Input{BaseScore: 0.1, Cap1s: 10, Cap10s: 50})
	require.True(t, v.Partial)
}

func TestExplanationBudgetExhaustionFallsBack(t *testing.T) {
	// Property 6: when the explanation budget is exhausted, fallback mode
	// is set and no speculative contributor terms are emitted.
	ex := NewExplainer(time.Nanosecond, DefaultMaxTerms)
	v := Vector{BaseScore: 0.3, DangerousCapability: 1}
	score := NewScorer(DefaultCoefficients(), ModelVersion).Score(v)
	expl := ex.Explain(v, DefaultCoefficients(), score, 0.55, 0.95)

	require.True(t, expl.FallbackMode)
	require.Empty(t, expl.TopContributors)
	require.NotEmpty(t, expl.Summary)
}
