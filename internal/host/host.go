// Package host assembles the extension host for one session lifetime:
// environment configuration, policy resolution, quota, risk, ledger,
// telemetry, the seven connectors, and the script bridge, wired in the
// dependency order the dispatcher expects.
package host

import (
	"fmt"
	"time"

	"github.com/pi-cli/exthost/internal/bridge"
	"github.com/pi-cli/exthost/internal/connectors"
	"github.com/pi-cli/exthost/internal/dispatcher"
	"github.com/pi-cli/exthost/internal/ledger"
	"github.com/pi-cli/exthost/internal/obs/config"
	"github.com/pi-cli/exthost/internal/obs/logging"
	"github.com/pi-cli/exthost/internal/policy"
	"github.com/pi-cli/exthost/internal/quota"
	"github.com/pi-cli/exthost/internal/risk"
	"github.com/pi-cli/exthost/internal/telemetry"
)

// Options configures one session's host beyond what the environment
// provides.
type Options struct {
	LedgerDir          string
	PolicyPath         string
	TelemetryPath      string // empty routes telemetry to the logger
	UIHost             connectors.UIHost
	AllowedExecutables []string
	AllowedHTTPHosts   []string
	QuotaLimits        *quota.Limits // nil uses defaults
	Fsync              bool
}

// Session is a fully wired extension host for one session.
type Session struct {
	Dispatcher *dispatcher.Dispatcher
	Bridge     *bridge.Host
	UI         *connectors.UIConnector
	Events     *connectors.EventsConnector
	Tools      *connectors.ToolConnector
	Sessions   *connectors.SessionConnector
	HTTP       *connectors.HTTPConnector
	logger     *logging.Logger
}

// NewSession builds a Session from the environment plus the given options.
// Profile and risk settings come from the EXTENSION_* variables; the policy
// file, when configured, layers on top of the built-in profiles.
func NewSession(opts Options) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.InitDefault("exthost", cfg.LogLevel, cfg.LogFormat)
	logger := logging.Default()

	policyCfg, err := policy.Load(opts.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	policyCfg.AllowDangerous = policyCfg.AllowDangerous || cfg.AllowDangerous

	limits := quota.DefaultLimits()
	if opts.QuotaLimits != nil {
		limits = *opts.QuotaLimits
	}

	ledgerLimit := cfg.RiskLedgerLimit
	if ledgerLimit <= 0 {
		ledgerLimit = ledger.DefaultLedgerLimit
	}

	var emitter telemetry.Emitter
	if opts.TelemetryPath != "" {
		emitter, err = telemetry.NewFileEmitter(opts.TelemetryPath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry: %w", err)
		}
	} else {
		emitter = telemetry.NewLogEmitter(logger)
	}

	ui := connectors.NewUIConnector(opts.UIHost, connectors.DefaultPromptExpiry)

	disp := dispatcher.New(dispatcher.Config{
		Profile:     policy.Profile(cfg.PolicyProfile),
		Policy:      policyCfg,
		QuotaLimits: limits,
		Risk: risk.Config{
			Alpha:           cfg.RiskAlpha,
			Enforce:         cfg.RiskEnforce,
			DecisionTimeout: time.Duration(cfg.RiskDecisionTimeoutMS) * time.Millisecond,
			FailClosed:      cfg.RiskFailClosed,
		},
		RiskWindow:  cfg.RiskWindow,
		LedgerDir:   opts.LedgerDir,
		LedgerLimit: ledgerLimit,
		Fsync:       opts.Fsync,
	}, emitter, ui, logger)

	if opts.LedgerDir != "" {
		if _, err := risk.SaveModel(opts.LedgerDir, risk.DefaultCoefficients(), risk.ModelVersion, cfg.RiskAlpha); err != nil {
			return nil, fmt.Errorf("persist risk model: %w", err)
		}
	}

	br := bridge.NewHost(disp, logger)

	tools := connectors.NewToolConnector(br.RunTool)
	events := connectors.NewEventsConnector()
	sessions := connectors.NewSessionConnector()
	httpConn := connectors.NewHTTPConnector(connectors.HTTPConfig{
		AllowedHosts:   opts.AllowedHTTPHosts,
		MaxBodyBytes:   connectors.DefaultHTTPConfig().MaxBodyBytes,
		MaxRedirects:   connectors.DefaultHTTPConfig().MaxRedirects,
		RequestTimeout: connectors.DefaultHTTPConfig().RequestTimeout,
	})
	httpConn.SetAllowPrivateNetwork(policyCfg.AllowDangerous)

	disp.RegisterConnector(tools)
	disp.RegisterConnector(connectors.NewExecConnector(opts.AllowedExecutables, connectors.DefaultExecLimits()))
	disp.RegisterConnector(httpConn)
	disp.RegisterConnector(sessions)
	disp.RegisterConnector(ui)
	disp.RegisterConnector(events)
	disp.RegisterConnector(connectors.NewLogConnector(logger))

	return &Session{
		Dispatcher: disp,
		Bridge:     br,
		UI:         ui,
		Events:     events,
		Tools:      tools,
		Sessions:   sessions,
		HTTP:       httpConn,
		logger:     logger,
	}, nil
}

// Close shuts the session's host down: ledgers flush and close, telemetry
// closes.
func (s *Session) Close() error {
	return s.Dispatcher.Close()
}
