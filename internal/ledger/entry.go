// Package ledger implements the append-only, hash-chained hostcall record
// described in §3 (Ledger Entry) and §6 (persisted layout). The hashing
// primitive is the same sha256+hex idiom sandbox.GenerateServiceID uses for
// identity hashing; the bounded, rotate-to-cold-storage shape is grounded
// on system/sandbox/sandbox.go's SecurityAuditor ring buffer, generalized
// from drop-oldest to rotate-oldest-to-file.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ZeroHash is the 32 zero-byte prev_hash of entry 1 (hex-encoded).
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

func init() {
	// ZeroHash above is intentionally 64 hex chars (32 zero bytes); this
	// sanity check keeps the literal honest if ever edited.
	if len(ZeroHash) != 64 {
		panic(fmt.Sprintf("ledger: ZeroHash must be 64 hex chars, got %d", len(ZeroHash)))
	}
}

// Entry is one completed hostcall record (§3 Ledger Entry).
type Entry struct {
	Seq            uint64         `json:"seq"`
	PrevHash       string         `json:"prev_hash"`
	EntryHash      string         `json:"entry_hash"`
	Extension      string         `json:"ext"`
	Capability     string         `json:"cap"`
	Method         string         `json:"method"`
	ArgsShapeHash  string         `json:"args_shape_hash"`
	ParamsHash     string         `json:"params_hash"`
	PolicyDecision string         `json:"policy_decision"`
	PolicyRule     string         `json:"policy_rule,omitempty"`
	RiskScore      *float64       `json:"risk_score"`
	ModelVersion   string         `json:"model_version,omitempty"`
	Features       map[string]any `json:"features,omitempty"`
	Outcome        string         `json:"outcome"`
	ErrorCode      string         `json:"error_code,omitempty"`
	LatencyNS      int64          `json:"latency_ns"`
	Explanation    *Explanation   `json:"explanation,omitempty"`
}

// Explanation carries the top-contributor summary for a risk decision.
type Explanation struct {
	TopContributors []Contributor `json:"top_contributors"`
	Summary         string        `json:"summary"`
	FallbackMode    bool          `json:"fallback_mode"`
}

// Contributor is one scored feature contribution, sorted by descending
// magnitude, tie-broken by stable code (§4.3 Explanation).
type Contributor struct {
	Code        string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

// SortContributors orders contributors by descending |contribution|,
// tie-broken by ascending Code, matching the spec's determinism
// requirement (§4.2) for byte-identical top_contributors ordering.
func SortContributors(cs []Contributor) {
	sort.Slice(cs, func(i, j int) bool {
		ai, aj := abs(cs[i].Contribution), abs(cs[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return cs[i].Code < cs[j].Code
	})
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// entryWithoutHashes is the canonical payload hashed into EntryHash; it
// excludes PrevHash and EntryHash themselves so the hash is reproducible
// from the entry's own content plus the chain link.
type entryWithoutHashes struct {
	Seq            uint64         `json:"seq"`
	Extension      string         `json:"ext"`
	Capability     string         `json:"cap"`
	Method         string         `json:"method"`
	ArgsShapeHash  string         `json:"args_shape_hash"`
	ParamsHash     string         `json:"params_hash"`
	PolicyDecision string         `json:"policy_decision"`
	PolicyRule     string         `json:"policy_rule,omitempty"`
	RiskScore      *float64       `json:"risk_score"`
	ModelVersion   string         `json:"model_version,omitempty"`
	Features       map[string]any `json:"features,omitempty"`
	Outcome        string         `json:"outcome"`
	ErrorCode      string         `json:"error_code,omitempty"`
	LatencyNS      int64          `json:"latency_ns"`
}

// ComputeHash computes entry_hash = H(prev_hash || canonical(entry_without_hashes)).
func ComputeHash(prevHash string, e Entry) (string, error) {
	payload := entryWithoutHashes{
		Seq: e.Seq, Extension: e.Extension, Capability: e.Capability, Method: e.Method,
		ArgsShapeHash: e.ArgsShapeHash, ParamsHash: e.ParamsHash,
		PolicyDecision: e.PolicyDecision, PolicyRule: e.PolicyRule,
		RiskScore: e.RiskScore, ModelVersion: e.ModelVersion, Features: e.Features,
		Outcome: e.Outcome, ErrorCode: e.ErrorCode, LatencyNS: e.LatencyNS,
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
