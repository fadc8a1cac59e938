package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/pi-cli/exthost/internal/ledger"
	"github.com/pi-cli/exthost/internal/risk"
)

// replayReport is the machine-readable output of ledger replay.
type replayReport struct {
	Path         string `json:"path"`
	Valid        bool   `json:"valid"`
	EntriesRead  int    `json:"entries_read"`
	FirstBroken  int    `json:"first_broken,omitempty"`
	BrokenReason string `json:"broken_reason,omitempty"`
	Replayed     int    `json:"replayed"`
	Mismatches   []replayMismatch `json:"mismatches,omitempty"`
	SeqGaps      []uint64         `json:"seq_gaps,omitempty"`
}

type replayMismatch struct {
	Seq      uint64  `json:"seq"`
	Stored   float64 `json:"stored_score"`
	Computed float64 `json:"computed_score"`
}

// runLedgerReplay validates a ledger file's hash chain, refuses to replay
// past the first broken entry, detects sequence gaps, and recomputes every
// stored risk score from its persisted feature vector plus model version,
// reporting any entry the model cannot reproduce bit-for-bit.
func runLedgerReplay(args []string) error {
	fs := flag.NewFlagSet("ledger replay", flag.ExitOnError)
	path := fs.String("ledger", "ledger.jsonl", "path to the ledger file")
	asJSON := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, validation, err := ledger.Replay(*path)
	if err != nil {
		return err
	}

	report := replayReport{
		Path:        *path,
		Valid:       validation.Valid,
		EntriesRead: validation.EntriesRead,
		Replayed:    len(entries),
	}
	if !validation.Valid {
		report.FirstBroken = validation.FirstBroken
		report.BrokenReason = validation.BrokenReason
	}

	scorer := risk.NewScorer(risk.DefaultCoefficients(), risk.ModelVersion)
	var prevSeq uint64
	for i, e := range entries {
		if i > 0 && e.Seq != prevSeq+1 {
			report.SeqGaps = append(report.SeqGaps, e.Seq)
		}
		prevSeq = e.Seq

		if e.RiskScore == nil || e.Features == nil || e.ModelVersion != risk.ModelVersion {
			continue
		}
		v := vectorFromFeatures(e.Features)
		computed := scorer.Score(v)
		if math.Abs(computed-*e.RiskScore) > 1e-12 {
			report.Mismatches = append(report.Mismatches, replayMismatch{
				Seq: e.Seq, Stored: *e.RiskScore, Computed: computed,
			})
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if report.Valid {
		fmt.Printf("chain valid: %d entries\n", report.EntriesRead)
	} else {
		fmt.Printf("chain BROKEN at entry %d: %s\n", report.FirstBroken, report.BrokenReason)
		fmt.Printf("replay stops before the broken entry (%d entries replayed)\n", report.Replayed)
	}
	if len(report.SeqGaps) > 0 {
		fmt.Printf("sequence gaps before seq: %v\n", report.SeqGaps)
	}
	if len(report.Mismatches) == 0 {
		fmt.Printf("all %d stored risk decisions reproduce bit-for-bit\n", report.Replayed)
	} else {
		for _, m := range report.Mismatches {
			fmt.Printf("seq %d: stored %.12f != computed %.12f\n", m.Seq, m.Stored, m.Computed)
		}
		return fmt.Errorf("%d decision(s) failed to reproduce", len(report.Mismatches))
	}
	return nil
}

// vectorFromFeatures rebuilds a feature vector from a ledger entry's
// persisted feature map.
func vectorFromFeatures(features map[string]any) risk.Vector {
	get := func(name string) float64 {
		if f, ok := features[name].(float64); ok {
			return f
		}
		return 0
	}
	v := risk.Vector{
		BaseScore:              get("base_score"),
		RecentMeanScore:        get("recent_mean_score"),
		RecentErrorRate:        get("recent_error_rate"),
		BurstDensity1s:         get("burst_density_1s"),
		BurstDensity10s:        get("burst_density_10s"),
		PriorFailureStreakNorm: get("prior_failure_streak_norm"),
		DangerousCapability:    get("dangerous_capability"),
		TimeoutRequested:       get("timeout_requested"),
		PolicyPromptBias:       get("policy_prompt_bias"),
	}
	if b, ok := features["extraction_budget_exceeded"].(bool); ok {
		v.Partial = b
	}
	return v
}
