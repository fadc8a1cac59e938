// Package dispatcher is the single choke point every hostcall passes
// through: fingerprint, sequence, validate, policy, quota, risk, execute,
// ledger, telemetry — in that order, always. The pipeline generalizes the
// sandbox IPC manager's Call path (identity check → target lookup →
// permission → rate limit → audit → timeout-bounded handler invoke) to the
// extension host's capability/connector model.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/pi-cli/exthost/internal/connectors"
	"github.com/pi-cli/exthost/internal/hostcall"
	"github.com/pi-cli/exthost/internal/ledger"
	"github.com/pi-cli/exthost/internal/obs/logging"
	"github.com/pi-cli/exthost/internal/obs/metrics"
	"github.com/pi-cli/exthost/internal/policy"
	"github.com/pi-cli/exthost/internal/quota"
	"github.com/pi-cli/exthost/internal/risk"
	"github.com/pi-cli/exthost/internal/telemetry"
)

// DefaultGraceWindow is how long a deadline-hit connector gets to cancel
// cooperatively before its call is marked timed out and any late completion
// is dropped.
const DefaultGraceWindow = 500 * time.Millisecond

// DefaultQueueBound caps each connector's in-flight calls; admissions past
// the bound fail fast with BackpressureRejected.
const DefaultQueueBound = 64

// Prompter resolves a prompt policy/risk decision against the user. The UI
// connector implements it; a nil error means the user approved.
type Prompter interface {
	Prompt(ctx context.Context, extensionID, reason string) error
}

// Config assembles the dispatcher's collaborators and bounds.
type Config struct {
	Profile      policy.Profile
	Policy       *policy.Config
	QuotaLimits  quota.Limits
	Risk         risk.Config
	RiskWindow   int
	LedgerDir    string
	LedgerLimit  int
	Fsync        bool
	QueueBound   int
	GraceWindow  time.Duration
}

// baseScores is the per-capability prior feeding the feature vector's
// base_score field. The log capability is pinned to zero: it is the one
// side channel that never counts as risky.
var baseScores = map[hostcall.Capability]float64{
	hostcall.CapTool:    0.15,
	hostcall.CapExec:    0.60,
	hostcall.CapHTTP:    0.40,
	hostcall.CapSession: 0.30,
	hostcall.CapUI:      0.15,
	hostcall.CapEvents:  0.20,
	hostcall.CapLog:     0.0,
}

// Dispatcher routes every hostcall through the (a)–(i) pipeline of the
// capability dispatcher design and owns the per-extension ledger chains.
type Dispatcher struct {
	cfg      Config
	resolver *policy.Resolver
	quota    *quota.Engine
	extractor *risk.Extractor
	riskCtl  *risk.Controller
	redactor *hostcall.Redactor
	emitter  telemetry.Emitter
	prompter Prompter
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	conns       map[hostcall.Capability]connectors.Connector
	slots       map[hostcall.Capability]chan struct{}
	chains      map[string]*ledger.Chain
	perExt      map[string]chan struct{}
	prevIdentity map[string]string
	quarantined map[string]string
}

// New assembles a Dispatcher. The prompter may be nil, in which case every
// prompt decision resolves to denied.
func New(cfg Config, emitter telemetry.Emitter, prompter Prompter, logger *logging.Logger) *Dispatcher {
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = DefaultQueueBound
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if logger == nil {
		logger = logging.Default()
	}
	if emitter == nil {
		emitter = telemetry.NewLogEmitter(logger)
	}

	extractor := risk.NewExtractor(cfg.RiskWindow, risk.DefaultExtractionBudget)
	scorer := risk.NewScorer(risk.DefaultCoefficients(), risk.ModelVersion)
	explainer := risk.NewExplainer(0, 0)

	var m *metrics.Metrics
	if metrics.Enabled() {
		m = metrics.Global()
	}

	return &Dispatcher{
		cfg:       cfg,
		resolver:  policy.NewResolver(cfg.Policy, cfg.Profile),
		quota:     quota.NewEngine(cfg.QuotaLimits),
		extractor: extractor,
		riskCtl:   risk.NewController(cfg.Risk, extractor, scorer, explainer),
		redactor:  hostcall.DefaultRedactor(),
		emitter:   emitter,
		prompter:  prompter,
		logger:    logger,
		metrics:   m,
		conns:     make(map[hostcall.Capability]connectors.Connector),
		slots:     make(map[hostcall.Capability]chan struct{}),
		chains:    make(map[string]*ledger.Chain),
		perExt:    make(map[string]chan struct{}),
		prevIdentity: make(map[string]string),
		quarantined:  make(map[string]string),
	}
}

// RegisterConnector installs one connector and its backpressure bound.
func (d *Dispatcher) RegisterConnector(c connectors.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[c.Capability()] = c
	d.slots[c.Capability()] = make(chan struct{}, d.cfg.QueueBound)
}

// Quarantine suspends an extension for the remainder of the session; every
// subsequent hostcall from it is rejected with ExtensionQuarantined.
// Quarantine is in-memory only and does not survive a restart.
func (d *Dispatcher) Quarantine(extensionID, reason string) {
	d.mu.Lock()
	d.quarantined[extensionID] = reason
	d.mu.Unlock()
	d.logger.LogQuarantine(logging.WithExtensionID(context.Background(), extensionID), reason)
	if d.metrics != nil {
		d.metrics.QuarantinedTotal.WithLabelValues(reason).Inc()
	}
}

// IsQuarantined reports whether an extension is suspended.
func (d *Dispatcher) IsQuarantined(extensionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.quarantined[extensionID]
	return ok
}

// DropExtension releases dispatcher-held state for an unloaded extension.
func (d *Dispatcher) DropExtension(extensionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.prevIdentity, extensionID)
	for _, c := range d.conns {
		switch conn := c.(type) {
		case *connectors.ToolConnector:
			conn.DropExtension(extensionID)
		case *connectors.EventsConnector:
			conn.DropExtension(extensionID)
		}
	}
}

func (d *Dispatcher) extLock(extensionID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.perExt[extensionID]
	if !ok {
		m = make(chan struct{}, 1)
		d.perExt[extensionID] = m
	}
	return m
}

func (d *Dispatcher) chainFor(extensionID string) (*ledger.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.chains[extensionID]; ok {
		return c, nil
	}
	c, err := ledger.Open(ledger.StoreConfig{
		Dir:         d.cfg.LedgerDir,
		LedgerLimit: d.cfg.LedgerLimit,
		Fsync:       d.cfg.Fsync,
	}, extensionID)
	if err != nil {
		return nil, err
	}
	d.chains[extensionID] = c
	return c, nil
}

// Chain exposes an extension's ledger chain for tests and the replay tool.
func (d *Dispatcher) Chain(extensionID string) (*ledger.Chain, error) {
	return d.chainFor(extensionID)
}

// Close closes every open ledger chain and the telemetry emitter.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	chains := make([]*ledger.Chain, 0, len(d.chains))
	for _, c := range d.chains {
		chains = append(chains, c)
	}
	d.mu.Unlock()
	for _, c := range chains {
		_ = c.Close()
	}
	return d.emitter.Close()
}
