// Package logging provides structured logging for the extension host.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a logger.
type ContextKey string

const (
	// TraceIDKey is the context key for a correlation trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ExtensionIDKey is the context key for the extension a log line concerns.
	ExtensionIDKey ContextKey = "extension_id"
	// SessionIDKey is the context key for the owning session.
	SessionIDKey ContextKey = "session_id"
)

// Logger wraps logrus.Logger with extension-host specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component name.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry pre-populated with trace/extension/session fields found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if extID := ctx.Value(ExtensionIDKey); extID != nil {
		entry = entry.WithField("extension_id", extID)
	}
	if sessID := ctx.Value(SessionIDKey); sessID != nil {
		entry = entry.WithField("session_id", sessID)
	}
	return entry
}

// WithFields returns an entry carrying the component name plus the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError returns an entry carrying the component name plus an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// Domain-specific structured helpers, one per ledger/dispatcher event kind.

// LogHostcall logs a completed hostcall.
func (l *Logger) LogHostcall(ctx context.Context, capability, method string, seq uint64, outcome string, latency time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"capability":  capability,
		"method":      method,
		"seq":         seq,
		"outcome":     outcome,
		"latency_ms":  latency.Milliseconds(),
	}).Info("hostcall")
}

// LogPolicyDecision logs the outcome of a policy resolution.
func (l *Logger) LogPolicyDecision(ctx context.Context, capability, method, decision, rule string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"capability": capability,
		"method":     method,
		"decision":   decision,
		"rule":       rule,
	}).Info("policy decision")
}

// LogQuotaReject logs a quota rejection.
func (l *Logger) LogQuotaReject(ctx context.Context, dimension string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"dimension": dimension,
	}).Warn("quota exceeded")
}

// LogRiskDecision logs a risk controller decision.
func (l *Logger) LogRiskDecision(ctx context.Context, decision string, score float64, modelVersion string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"decision":      decision,
		"score":         score,
		"model_version": modelVersion,
	}).Info("risk decision")
}

// LogLedgerAppend logs a ledger append, including chain position.
func (l *Logger) LogLedgerAppend(ctx context.Context, seq uint64, entryHash string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"seq":        seq,
		"entry_hash": entryHash,
	}).Debug("ledger append")
}

// LogQuarantine logs an extension being quarantined for the remainder of a session.
func (l *Logger) LogQuarantine(ctx context.Context, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"reason": reason,
	}).Error("extension quarantined")
}

// Global default logger, initialized once at process start.
var defaultLogger *Logger

// InitDefault initializes the package-wide default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, constructing a fallback if uninitialized.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("exthost")
	}
	return defaultLogger
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithExtensionID attaches an extension ID to ctx.
func WithExtensionID(ctx context.Context, extensionID string) context.Context {
	return context.WithValue(ctx, ExtensionIDKey, extensionID)
}

// WithSessionID attaches a session ID to ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}
