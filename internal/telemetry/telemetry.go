// Package telemetry emits the per-hostcall runtime telemetry artifact
// (pi.ext.hostcall_telemetry.v1). Exactly one record is emitted per
// completed call, carrying the same seq as the call's ledger entry
// (Testable Property 1). Raw params never appear in a record; only the
// two derived hashes do.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pi-cli/exthost/internal/obs/logging"
)

// SchemaVersion names the artifact schema. The schema is additive;
// missing newer fields default on read.
const SchemaVersion = "pi.ext.hostcall_telemetry.v1"

// ExplanationLevel controls how much of the contributor breakdown a
// record carries.
type ExplanationLevel string

const (
	LevelCompact  ExplanationLevel = "compact"
	LevelStandard ExplanationLevel = "standard"
	LevelFull     ExplanationLevel = "full"
)

// Sequence is the pre-call sequence snapshot attached to each record.
type Sequence struct {
	SequenceID           uint64 `json:"sequence_id"`
	PreviousCallIdentity string `json:"previous_call_identity,omitempty"`
	BurstCount1s         int    `json:"burst_count_1s"`
	BurstCount10s        int    `json:"burst_count_10s"`
	RecentErrorCount     int    `json:"recent_error_count"`
	RecentWindowCount    int    `json:"recent_window_count"`
	PriorFailureStreak   int    `json:"prior_failure_streak"`
}

// Contributor is one explanation term, ordered by descending magnitude.
type Contributor struct {
	Code         string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

// BudgetState records how the explanation budget was spent.
type BudgetState struct {
	TimeBudgetMS float64 `json:"time_budget_ms"`
	ElapsedMS    float64 `json:"elapsed_ms"`
	TermBudget   int     `json:"term_budget"`
	TermsEmitted int     `json:"terms_emitted"`
	Exhausted    bool    `json:"exhausted"`
	FallbackMode bool    `json:"fallback_mode"`
}

// Record is one pi.ext.hostcall_telemetry.v1 record.
type Record struct {
	Schema              string           `json:"schema"`
	ExtensionID         string           `json:"extension_id"`
	Capability          string           `json:"capability"`
	Method              string           `json:"method"`
	ArgsShapeHash       string           `json:"args_shape_hash"`
	ParamsHash          string           `json:"params_hash"`
	ResourceTargetClass string           `json:"resource_target_class,omitempty"`
	PolicyProfile       string           `json:"policy_profile"`
	PolicyReason        string           `json:"policy_reason"`
	RiskScore           *float64         `json:"risk_score"`
	LatencyMS           float64          `json:"latency_ms"`
	Outcome             string           `json:"outcome"`
	OutcomeErrorCode    string           `json:"outcome_error_code,omitempty"`
	Sequence            Sequence         `json:"sequence"`
	Features            map[string]any   `json:"features"`
	ExplanationLevel    ExplanationLevel `json:"explanation_level"`
	ExplanationSummary  string           `json:"explanation_summary"`
	TopContributors     []Contributor    `json:"top_contributors"`
	BudgetState         BudgetState      `json:"budget_state"`
	RedactionSummary    string           `json:"redaction_summary,omitempty"`
	ExtractionLatencyUS int64            `json:"extraction_latency_us"`
	ExtractionBudgetUS  int64            `json:"extraction_budget_us"`
	ExtractionBudgetExceeded bool        `json:"extraction_budget_exceeded"`
	ModelVersionStamp   string           `json:"model_version,omitempty"`
}

// Emitter receives one record per completed hostcall.
type Emitter interface {
	Emit(rec Record) error
	Close() error
}

// FileEmitter appends records as JSON lines, one per call, mirroring the
// ledger's jsonl persistence idiom.
type FileEmitter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewFileEmitter opens (appending) a telemetry jsonl file.
func NewFileEmitter(path string) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}
	return &FileEmitter{file: f, writer: bufio.NewWriter(f)}, nil
}

// Emit appends one record.
func (e *FileEmitter) Emit(rec Record) error {
	rec.Schema = SchemaVersion
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal telemetry record: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.writer.Write(line); err != nil {
		return fmt.Errorf("write telemetry record: %w", err)
	}
	if _, err := e.writer.WriteString("\n"); err != nil {
		return err
	}
	return e.writer.Flush()
}

// Close flushes and closes the underlying file.
func (e *FileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.Flush(); err != nil {
		return err
	}
	return e.file.Close()
}

// LogEmitter routes records through the ambient structured logger instead
// of a file, for sessions that don't persist telemetry.
type LogEmitter struct {
	logger *logging.Logger
}

// NewLogEmitter creates a LogEmitter over the given logger.
func NewLogEmitter(logger *logging.Logger) *LogEmitter {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit logs one record at debug level.
func (e *LogEmitter) Emit(rec Record) error {
	rec.Schema = SchemaVersion
	e.logger.WithFields(map[string]interface{}{
		"schema":       rec.Schema,
		"extension_id": rec.ExtensionID,
		"capability":   rec.Capability,
		"method":       rec.Method,
		"seq":          rec.Sequence.SequenceID,
		"outcome":      rec.Outcome,
		"risk_score":   rec.RiskScore,
	}).Debug("hostcall telemetry")
	return nil
}

// Close is a no-op for LogEmitter.
func (e *LogEmitter) Close() error { return nil }

// MemoryEmitter collects records in memory; used by tests, including their
// byte-identity comparisons across runs.
type MemoryEmitter struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryEmitter creates an empty MemoryEmitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// Emit stores one record.
func (e *MemoryEmitter) Emit(rec Record) error {
	rec.Schema = SchemaVersion
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
	return nil
}

// Records returns a copy of every record emitted so far.
func (e *MemoryEmitter) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.records))
	copy(out, e.records)
	return out
}

// Close is a no-op for MemoryEmitter.
func (e *MemoryEmitter) Close() error { return nil }
