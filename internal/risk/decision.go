package risk

import (
	"time"

	"github.com/pi-cli/exthost/internal/ledger"
)

// DefaultDecisionTimeout bounds decision latency (§4.3: "Decision latency
// is bounded by decision_timeout_ms (default 25 ms)").
const DefaultDecisionTimeout = 25 * time.Millisecond

// Action is the runtime-risk decision outcome.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionPrompt Action = "prompt"
	ActionDeny   Action = "deny"
)

// Config bounds a Controller's behavior, grounded on
// infrastructure/resilience/circuit_breaker.go's Config shape (timeout +
// fail-open/fail-closed branch on a state transition).
type Config struct {
	Alpha             float64       // false-positive target, default 0.05
	Enforce           bool          // if false, deny decisions are downgraded to prompt
	DecisionTimeout   time.Duration // default DefaultDecisionTimeout
	FailClosed        bool          // behavior on decision-timeout: true=deny, false=allow
}

// DefaultConfig returns the §4.3 defaults: α=0.05, enforce=true,
// decision_timeout_ms=25, fail_closed=true (a timed-out risk decision must
// not silently grant access).
func DefaultConfig() Config {
	return Config{
		Alpha:           0.05,
		Enforce:         true,
		DecisionTimeout: DefaultDecisionTimeout,
		FailClosed:      true,
	}
}

// Decision is the full output of one risk evaluation, carrying everything
// the dispatcher needs to populate a ledger entry and telemetry record.
type Decision struct {
	Action          Action
	Score           float64
	ModelVersion    string
	TauPrompt       float64
	TauDeny         float64
	Vector          Vector
	TimedOut        bool
	ExtractionTime  time.Duration
	Explanation     ledger.Explanation
}

// Controller evaluates runtime risk for one hostcall: extract the feature
// vector, score it, compare against α-derived thresholds, and bound the
// whole evaluation by decision_timeout_ms.
type Controller struct {
	cfg       Config
	extractor *Extractor
	scorer    *Scorer
	explainer *Explainer
}

// NewController wires an Extractor, Scorer, and Explainer into one
// decision pipeline.
func NewController(cfg Config, extractor *Extractor, scorer *Scorer, explainer *Explainer) *Controller {
	return &Controller{cfg: cfg, extractor: extractor, scorer: scorer, explainer: explainer}
}

// Evaluate runs the full risk pipeline for one call, bounding its own
// latency by cfg.DecisionTimeout. On timeout, the returned Decision.Action
// is governed by cfg.FailClosed ("deny" when true, "allow" when false) and
// TimedOut is set so the caller can record it.
func (c *Controller) Evaluate(extensionID string, in Input) Decision {
	type result struct {
		v       Vector
		elapsed time.Duration
		score   float64
		expl    ledger.Explanation
	}
	done := make(chan result, 1)
	go func() {
		v, elapsed := c.extractor.Extract(extensionID, in)
		score := c.scorer.Score(v)
		tauPrompt, tauDeny := Thresholds(c.cfg.Alpha)
		expl := c.explainer.Explain(v, c.scorer.coef, score, tauPrompt, tauDeny)
		done <- result{v: v, elapsed: elapsed, score: score, expl: expl}
	}()

	select {
	case r := <-done:
		tauPrompt, tauDeny := Thresholds(c.cfg.Alpha)
		return Decision{
			Action:         decide(r.score, tauPrompt, tauDeny, c.cfg.Enforce),
			Score:          r.score,
			ModelVersion:   c.scorer.Version(),
			TauPrompt:      tauPrompt,
			TauDeny:        tauDeny,
			Vector:         r.v,
			ExtractionTime: r.elapsed,
			Explanation:    r.expl,
		}
	case <-time.After(c.cfg.DecisionTimeout):
		action := ActionAllow
		if c.cfg.FailClosed {
			action = ActionDeny
		}
		tauPrompt, tauDeny := Thresholds(c.cfg.Alpha)
		return Decision{
			Action:       action,
			ModelVersion: c.scorer.Version(),
			TauPrompt:    tauPrompt,
			TauDeny:      tauDeny,
			TimedOut:     true,
		}
	}
}

func decide(score, tauPrompt, tauDeny float64, enforce bool) Action {
	if score >= tauDeny {
		if enforce {
			return ActionDeny
		}
		return ActionPrompt
	}
	if score >= tauPrompt {
		return ActionPrompt
	}
	return ActionAllow
}
