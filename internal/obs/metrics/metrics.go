// Package metrics provides Prometheus metrics collection for the extension host.
package metrics

import (
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector exposed by the core.
type Metrics struct {
	HostcallsTotal    *prometheus.CounterVec
	HostcallDuration  *prometheus.HistogramVec
	RiskScore         *prometheus.HistogramVec
	QuotaRejections   *prometheus.CounterVec
	PolicyDecisions   *prometheus.CounterVec
	LedgerAppendLat   prometheus.Histogram
	QuarantinedTotal  *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance against a custom registerer, useful for tests.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HostcallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_hostcalls_total",
				Help: "Total number of hostcalls routed through the dispatcher",
			},
			[]string{"capability", "method", "outcome"},
		),
		HostcallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_hostcall_duration_seconds",
				Help:    "Hostcall duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"capability", "method"},
		),
		RiskScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exthost_risk_score",
				Help:    "Distribution of risk scores emitted by the risk controller",
				Buckets: prometheus.LinearBuckets(0, 0.1, 10),
			},
			[]string{"decision"},
		),
		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_quota_rejections_total",
				Help: "Total number of hostcalls rejected by the quota engine",
			},
			[]string{"dimension"},
		),
		PolicyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_policy_decisions_total",
				Help: "Total number of policy decisions by resolved effect",
			},
			[]string{"capability", "decision"},
		),
		LedgerAppendLat: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "exthost_ledger_append_latency_seconds",
				Help:    "Latency of ledger append operations",
				Buckets: prometheus.DefBuckets,
			},
		),
		QuarantinedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exthost_extensions_quarantined_total",
				Help: "Total number of extensions quarantined for the session",
			},
			[]string{"reason"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.HostcallsTotal,
			m.HostcallDuration,
			m.RiskScore,
			m.QuotaRejections,
			m.PolicyDecisions,
			m.LedgerAppendLat,
			m.QuarantinedTotal,
		)
	}

	return m
}

// Enabled reports whether metrics should be collected, gated by METRICS_ENABLED.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (once) and returns the global Metrics instance.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// Global returns the global Metrics instance, creating one if needed.
func Global() *Metrics {
	return Init()
}
