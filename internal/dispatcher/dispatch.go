package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/pi-cli/exthost/internal/connectors"
	"github.com/pi-cli/exthost/internal/hostcall"
	"github.com/pi-cli/exthost/internal/ledger"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
	"github.com/pi-cli/exthost/internal/obs/logging"
	"github.com/pi-cli/exthost/internal/policy"
	"github.com/pi-cli/exthost/internal/quota"
	"github.com/pi-cli/exthost/internal/risk"
	"github.com/pi-cli/exthost/internal/telemetry"
)

// callState accumulates one call's pipeline results so the terminal step
// can build exactly one ledger entry and one telemetry record.
type callState struct {
	req       hostcall.Request
	chain     *ledger.Chain
	started   time.Time
	shapeHash string
	paramsHash string
	redaction string
	seqCtx    hostcall.SequenceContext
	policyDecision string
	policyRule     string
	riskDecision   *risk.Decision
	outcome   hostcall.Outcome
	errCode   hosterrors.Code
	result    any
	err       error
}

// Dispatch routes one hostcall through the full pipeline and returns the
// connector's result. All terminal states — completed, rejected, timed out,
// cancelled, failed — produce exactly one ledger entry and one telemetry
// record carrying the same seq.
func (d *Dispatcher) Dispatch(ctx context.Context, req hostcall.Request) (any, error) {
	// Per-extension serialization: ledger order equals admission order for
	// a single extension; cross-extension calls proceed in parallel.
	// Acquisition is deadline-bounded so a nested hostcall issued from
	// inside a tool invocation degrades to TimedOut instead of wedging the
	// extension's executor forever.
	lock := d.extLock(req.ExtensionID)
	acquireCtx := ctx
	if acquireCtx == nil {
		acquireCtx = context.Background()
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithDeadline(acquireCtx, req.Deadline)
		defer cancel()
	}
	select {
	case lock <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, hosterrors.TimedOut()
	}
	defer func() { <-lock }()

	chain, err := d.chainFor(req.ExtensionID)
	if err != nil {
		return nil, hosterrors.Wrap(hosterrors.CodeConnectorError, "open ledger", hosterrors.SeverityFatal, err)
	}

	st := &callState{req: req, chain: chain, started: time.Now()}

	// (b) fingerprint before anything can reject, so every entry carries
	// the two derived hashes and never the raw params.
	st.shapeHash = hostcall.ShapeHash(req.Params)
	st.paramsHash = hostcall.ParamsHash(req.Params, d.redactor)
	st.redaction = d.redactor.Summary(req.Params)

	// (c) assign seq and build the pre-call sequence snapshot.
	st.req.Seq = chain.NextSeq()
	st.seqCtx = d.sequenceContext(st.req)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.WithExtensionID(ctx, req.ExtensionID)
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	d.runPipeline(ctx, st)
	return d.finish(ctx, st)
}

func (d *Dispatcher) runPipeline(ctx context.Context, st *callState) {
	req := st.req

	if reason, quarantined := d.quarantineReason(req.ExtensionID); quarantined {
		st.reject(hosterrors.ExtensionQuarantined(reason))
		return
	}

	// (a) validate the capability/method pair.
	d.mu.Lock()
	conn, ok := d.conns[req.Capability]
	slot := d.slots[req.Capability]
	d.mu.Unlock()
	if !ok {
		st.reject(hosterrors.CapabilityUnknown(string(req.Capability)))
		return
	}
	if !methodKnown(conn.Methods(), req.Method) {
		st.reject(hosterrors.MethodUnknown(string(req.Capability), req.Method))
		return
	}

	// (d) policy.
	decision := d.resolver.Resolve(string(req.Capability), req.Method, req.ExtensionID)
	st.policyDecision = string(decision.Effect)
	st.policyRule = decision.Rule
	d.logger.LogPolicyDecision(ctx, string(req.Capability), req.Method, string(decision.Effect), decision.Rule)
	if d.metrics != nil {
		d.metrics.PolicyDecisions.WithLabelValues(string(req.Capability), string(decision.Effect)).Inc()
	}
	switch decision.Effect {
	case "deny":
		st.reject(hosterrors.PolicyDenied(string(d.cfg.Profile), decision.Rule))
		return
	case "prompt":
		if err := d.prompt(ctx, req.ExtensionID, decision.Rule); err != nil {
			st.reject(err)
			return
		}
	}

	// (e) quota: tentative check against the declared payload size; the
	// call-count commit is deferred to admission, and actual byte/wall
	// consumption settles after execution.
	if err := d.quota.TryAdmit(req.ExtensionID, string(req.Capability), 0, estimateWriteBytes(req.Params), 0); err != nil {
		dim := "unknown"
		var qe *quota.Exceeded
		if errors.As(err, &qe) {
			dim = qe.Dimension
		}
		d.logger.LogQuotaReject(ctx, dim)
		if d.metrics != nil {
			d.metrics.QuotaRejections.WithLabelValues(dim).Inc()
		}
		st.reject(hosterrors.QuotaExceeded(dim))
		return
	}

	// (f) risk.
	rd := d.riskCtl.Evaluate(req.ExtensionID, risk.Input{
		BaseScore:           baseScores[req.Capability],
		Burst1s:             st.seqCtx.BurstCount1s,
		Burst10s:            st.seqCtx.BurstCount10s,
		Cap1s:               d.cfg.QuotaLimits.CallsPerSecond,
		Cap10s:              d.cfg.QuotaLimits.CallsPer10Seconds,
		DangerousCapability: isDangerousCall(req),
		TimeoutRequested:    !req.Deadline.IsZero(),
	})
	st.riskDecision = &rd
	d.logger.LogRiskDecision(ctx, string(rd.Action), rd.Score, rd.ModelVersion)
	if d.metrics != nil {
		d.metrics.RiskScore.WithLabelValues(string(rd.Action)).Observe(rd.Score)
	}

	if rd.TimedOut {
		if rd.Action == risk.ActionDeny {
			st.reject(hosterrors.RiskDecisionTimeout())
			return
		}
		// fail-open path: recorded, then the call proceeds.
	} else {
		switch rd.Action {
		case risk.ActionDeny:
			st.reject(hosterrors.RiskDenied(rd.Score, rd.ModelVersion))
			return
		case risk.ActionPrompt:
			if err := d.prompt(ctx, req.ExtensionID, "risk:"+rd.ModelVersion); err != nil {
				st.reject(err)
				return
			}
		}
	}

	// Backpressure: admission to the connector queue never blocks.
	select {
	case slot <- struct{}{}:
	default:
		st.reject(hosterrors.BackpressureRejected(string(req.Capability)))
		return
	}
	defer func() { <-slot }()

	// Admitted: commit the call-count charge, then execute with a usage
	// accumulator the connector reports real byte movement into.
	d.quota.Commit(req.ExtensionID, string(req.Capability), 0, 0, 0)
	usage := &hostcall.Usage{}
	execStart := time.Now()
	d.execute(hostcall.WithUsage(ctx, usage), conn, st)
	d.quota.AddUsage(req.ExtensionID, usage.BytesRead(), usage.BytesWritten(), time.Since(execStart).Nanoseconds())
}

// estimateWriteBytes derives the tentative bytes_written charge from the
// one param that declares an outbound payload up front.
func estimateWriteBytes(params map[string]any) int64 {
	if body, ok := params["body"].(string); ok {
		return int64(len(body))
	}
	return 0
}

// execute runs the connector with the deadline carried end-to-end, giving a
// deadline-hit connector one grace window to cancel cooperatively before
// its eventual completion is dropped.
func (d *Dispatcher) execute(ctx context.Context, conn connectors.Connector, st *callState) {
	type invokeResult struct {
		value any
		err   error
	}
	done := make(chan invokeResult, 1)
	go func() {
		v, err := conn.Invoke(ctx, st.req)
		done <- invokeResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				st.deadline(ctx)
				return
			}
			st.fail(r.err)
			return
		}
		st.outcome = hostcall.OutcomeCompleted
		st.result = r.value
	case <-ctx.Done():
		select {
		case <-done:
			// Cancelled cooperatively within the grace window.
			st.deadline(ctx)
		case <-time.After(d.cfg.GraceWindow):
			// Completion, if it ever arrives, is dropped.
			st.outcome = hostcall.OutcomeTimedOut
			st.errCode = hosterrors.CodeTimedOut
			st.err = hosterrors.TimedOut()
		}
	}
}

// finish appends the single ledger entry, emits the single telemetry
// record, updates history and metrics, and returns the call's result.
func (d *Dispatcher) finish(ctx context.Context, st *callState) (any, error) {
	latency := time.Since(st.started)

	var scorePtr *float64
	var features map[string]any
	modelVersion := ""
	explanation := ledger.Explanation{}
	extractionLatencyUS := int64(0)
	extractionExceeded := false
	if rd := st.riskDecision; rd != nil {
		modelVersion = rd.ModelVersion
		explanation = rd.Explanation
		extractionLatencyUS = rd.ExtractionTime.Microseconds()
		if !rd.TimedOut {
			score := rd.Score
			scorePtr = &score
			features = rd.Vector.AsMap()
			extractionExceeded = rd.Vector.Partial
		}

		isError := st.outcome != hostcall.OutcomeCompleted
		wasPrompt := st.policyDecision == "prompt" || rd.Action == risk.ActionPrompt
		recordedScore := 0.0
		if scorePtr != nil {
			recordedScore = *scorePtr
		}
		d.extractor.HistoryFor(st.req.ExtensionID).Record(recordedScore, isError, wasPrompt)
	} else {
		// Rejected before risk ran; still feed the failure into history so
		// streak features see policy/quota rejections.
		d.extractor.HistoryFor(st.req.ExtensionID).Record(0, true, st.policyDecision == "prompt")
	}

	entry := ledger.Entry{
		Seq:            st.req.Seq,
		Extension:      st.req.ExtensionID,
		Capability:     string(st.req.Capability),
		Method:         st.req.Method,
		ArgsShapeHash:  st.shapeHash,
		ParamsHash:     st.paramsHash,
		PolicyDecision: st.policyDecision,
		PolicyRule:     st.policyRule,
		RiskScore:      scorePtr,
		ModelVersion:   modelVersion,
		Features:       features,
		Outcome:        string(st.outcome),
		ErrorCode:      string(st.errCode),
		LatencyNS:      latency.Nanoseconds(),
	}
	if len(explanation.TopContributors) > 0 || explanation.Summary != "" {
		e := explanation
		entry.Explanation = &e
	}

	appendStart := time.Now()
	appended, err := st.chain.Append(entry)
	if err != nil {
		d.logger.WithError(err).Error("ledger append failed")
	} else {
		d.logger.LogLedgerAppend(ctx, appended.Seq, appended.EntryHash)
		if d.metrics != nil {
			d.metrics.LedgerAppendLat.Observe(time.Since(appendStart).Seconds())
		}
	}

	d.setPrevIdentity(st.req.ExtensionID, string(st.req.Capability)+"."+st.req.Method)

	rec := d.buildTelemetry(st, latency, scorePtr, features, modelVersion, explanation, extractionLatencyUS, extractionExceeded)
	if err := d.emitter.Emit(rec); err != nil {
		d.logger.WithError(err).Warn("telemetry emit failed")
	}

	d.logger.LogHostcall(ctx, string(st.req.Capability), st.req.Method, st.req.Seq, string(st.outcome), latency)
	if d.metrics != nil {
		d.metrics.HostcallsTotal.WithLabelValues(string(st.req.Capability), st.req.Method, string(st.outcome)).Inc()
		d.metrics.HostcallDuration.WithLabelValues(string(st.req.Capability), st.req.Method).Observe(latency.Seconds())
	}

	return st.result, st.err
}

func (d *Dispatcher) buildTelemetry(st *callState, latency time.Duration, scorePtr *float64, features map[string]any, modelVersion string, explanation ledger.Explanation, extractionLatencyUS int64, extractionExceeded bool) telemetry.Record {
	contributors := make([]telemetry.Contributor, 0, len(explanation.TopContributors))
	for _, c := range explanation.TopContributors {
		contributors = append(contributors, telemetry.Contributor{Code: c.Code, Contribution: c.Contribution})
	}
	if features == nil {
		features = map[string]any{}
	}
	return telemetry.Record{
		ExtensionID:         st.req.ExtensionID,
		Capability:          string(st.req.Capability),
		Method:              st.req.Method,
		ArgsShapeHash:       st.shapeHash,
		ParamsHash:          st.paramsHash,
		ResourceTargetClass: resourceTargetClass(st.req),
		PolicyProfile:       string(d.cfg.Profile),
		PolicyReason:        st.policyRule,
		RiskScore:           scorePtr,
		LatencyMS:           float64(latency.Microseconds()) / 1000.0,
		Outcome:             string(st.outcome),
		OutcomeErrorCode:    string(st.errCode),
		Sequence: telemetry.Sequence{
			SequenceID:           st.seqCtx.SequenceID,
			PreviousCallIdentity: st.seqCtx.PreviousCallIdentity,
			BurstCount1s:         st.seqCtx.BurstCount1s,
			BurstCount10s:        st.seqCtx.BurstCount10s,
			RecentErrorCount:     st.seqCtx.RecentErrorCount,
			RecentWindowCount:    st.seqCtx.RecentWindowCount,
			PriorFailureStreak:   st.seqCtx.PriorFailureStreak,
		},
		Features:           features,
		ExplanationLevel:   telemetry.LevelStandard,
		ExplanationSummary: explanation.Summary,
		TopContributors:    contributors,
		BudgetState: telemetry.BudgetState{
			TimeBudgetMS: float64(risk.DefaultExplanationBudget.Microseconds()) / 1000.0,
			TermBudget:   risk.DefaultMaxTerms,
			TermsEmitted: len(contributors),
			Exhausted:    explanation.FallbackMode,
			FallbackMode: explanation.FallbackMode,
		},
		RedactionSummary:         st.redaction,
		ExtractionLatencyUS:      extractionLatencyUS,
		ExtractionBudgetUS:       risk.DefaultExtractionBudget.Microseconds(),
		ExtractionBudgetExceeded: extractionExceeded,
		ModelVersionStamp:        modelVersion,
	}
}

// sequenceContext builds the §4.4 pre-call snapshot from the quota windows
// and the risk history.
func (d *Dispatcher) sequenceContext(req hostcall.Request) hostcall.SequenceContext {
	snap := d.quota.Budget(req.ExtensionID).Snapshot(time.Now())
	errCount, windowCount, streak := d.extractor.HistoryFor(req.ExtensionID).Stats()
	return hostcall.SequenceContext{
		SequenceID:           req.Seq,
		PreviousCallIdentity: d.getPrevIdentity(req.ExtensionID),
		BurstCount1s:         snap.Burst1s,
		BurstCount10s:        snap.Burst10s,
		RecentErrorCount:     errCount,
		RecentWindowCount:    windowCount,
		PriorFailureStreak:   streak,
	}
}

func (d *Dispatcher) prompt(ctx context.Context, extensionID, reason string) *hosterrors.Error {
	if d.prompter == nil {
		return hosterrors.PolicyPromptDenied()
	}
	err := d.prompter.Prompt(ctx, extensionID, reason)
	if err == nil {
		return nil
	}
	if he, ok := hosterrors.As(err); ok {
		return he
	}
	return hosterrors.PolicyPromptDenied()
}

func (d *Dispatcher) quarantineReason(extensionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.quarantined[extensionID]
	return reason, ok
}

func (d *Dispatcher) getPrevIdentity(extensionID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prevIdentity[extensionID]
}

func (d *Dispatcher) setPrevIdentity(extensionID, identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prevIdentity[extensionID] = identity
}

func (st *callState) reject(err *hosterrors.Error) {
	st.outcome = hostcall.OutcomeRejected
	st.errCode = err.Code
	st.err = err
}

func (st *callState) fail(err error) {
	st.outcome = hostcall.OutcomeFailed
	if he, ok := hosterrors.As(err); ok {
		st.errCode = he.Code
	} else {
		st.errCode = hosterrors.CodeConnectorError
		err = hosterrors.ConnectorError(string(st.req.Capability), "connector execution failed", false, err)
	}
	st.err = err
}

func (st *callState) deadline(ctx context.Context) {
	if ctx.Err() == context.Canceled {
		st.outcome = hostcall.OutcomeCancelled
	} else {
		st.outcome = hostcall.OutcomeTimedOut
	}
	st.errCode = hosterrors.CodeTimedOut
	st.err = hosterrors.TimedOut()
}

func methodKnown(methods []string, method string) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func isDangerousCall(req hostcall.Request) bool {
	return policy.IsDangerous(string(req.Capability), req.Method)
}

// resourceTargetClass classifies what the call touches, for telemetry.
func resourceTargetClass(req hostcall.Request) string {
	switch req.Capability {
	case hostcall.CapExec:
		return "process"
	case hostcall.CapHTTP:
		if req.Method == "request_private_network" {
			return "network.private"
		}
		return "network.public"
	case hostcall.CapSession:
		return "session"
	case hostcall.CapUI:
		return "ui"
	case hostcall.CapEvents:
		return "bus"
	case hostcall.CapTool:
		return "tool"
	case hostcall.CapLog:
		return "log"
	default:
		return ""
	}
}
