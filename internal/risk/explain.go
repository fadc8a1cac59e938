package risk

import (
	"fmt"
	"time"

	"github.com/pi-cli/exthost/internal/ledger"
)

// DefaultExplanationBudget bounds how long Explainer.Explain may spend
// building the contributor breakdown before it falls back to a bare
// summary (Testable Property 6: "explanation time/term budget with
// fallback summary + budget_state.exhausted=true on overshoot").
const DefaultExplanationBudget = 200 * time.Microsecond

// DefaultMaxTerms caps how many contributors are named, matching the
// dispatcher's "top_contributors" field width.
const DefaultMaxTerms = 5

// Explainer builds the machine-readable explanation attached to a risk
// Decision, grounded on the same determinism requirement that already
// drives policy.Resolver.Explain: a fixed field order and a stable
// tie-break rule so two runs over the same vector produce byte-identical
// output (Testable Property 2).
type Explainer struct {
	budget   time.Duration
	maxTerms int
}

// NewExplainer creates an Explainer; zero values fall back to the
// package defaults.
func NewExplainer(budget time.Duration, maxTerms int) *Explainer {
	if budget <= 0 {
		budget = DefaultExplanationBudget
	}
	if maxTerms <= 0 {
		maxTerms = DefaultMaxTerms
	}
	return &Explainer{budget: budget, maxTerms: maxTerms}
}

// Explain computes each field's signed contribution (weight * value) to
// the final score, sorts them by descending magnitude (tie-broken by
// field code), and keeps the top maxTerms. If building the breakdown
// overshoots the explanation budget, it returns a fallback summary-only
// Explanation with FallbackMode=true instead of a partial ranking.
func (ex *Explainer) Explain(v Vector, coef Coefficients, score, tauPrompt, tauDeny float64) ledger.Explanation {
	start := time.Now()

	values := v.Values()
	contributors := make([]ledger.Contributor, 0, len(FieldNames))
	for i, name := range FieldNames {
		contributors = append(contributors, ledger.Contributor{
			Code:         name,
			Contribution: coef.Weights[i] * values[i],
		})
	}
	ledger.SortContributors(contributors)

	if time.Since(start) > ex.budget {
		return ledger.Explanation{
			Summary:      fallbackSummary(score, tauPrompt, tauDeny),
			FallbackMode: true,
		}
	}

	if len(contributors) > ex.maxTerms {
		contributors = contributors[:ex.maxTerms]
	}

	return ledger.Explanation{
		TopContributors: contributors,
		Summary:         summarize(score, tauPrompt, tauDeny, contributors),
		FallbackMode:    false,
	}
}

func summarize(score, tauPrompt, tauDeny float64, top []ledger.Contributor) string {
	lead := "below thresholds"
	switch {
	case score >= tauDeny:
		lead = "at or above deny threshold"
	case score >= tauPrompt:
		lead = "at or above prompt threshold"
	}
	if len(top) == 0 {
		return fmt.Sprintf("score %.3f %s", score, lead)
	}
	return fmt.Sprintf("score %.3f %s; top factor %s", score, lead, top[0].Code)
}

func fallbackSummary(score, tauPrompt, tauDeny float64) string {
	return fmt.Sprintf("score %.3f vs tau_prompt=%.3f tau_deny=%.3f (explanation budget exceeded)", score, tauPrompt, tauDeny)
}
