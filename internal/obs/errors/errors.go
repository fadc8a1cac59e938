// Package errors provides the unified error taxonomy for the extension host.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies one error kind from the extension host taxonomy.
type Code string

const (
	CodeExtensionLoadError     Code = "EXTENSION_LOAD_ERROR"
	CodeExtensionScriptError   Code = "EXTENSION_SCRIPT_ERROR"
	CodeRegistrationConflict   Code = "REGISTRATION_CONFLICT"
	CodeUnsupportedValue       Code = "UNSUPPORTED_VALUE"
	CodeExecutionBudgetExceeded Code = "EXECUTION_BUDGET_EXCEEDED"
	CodeCapabilityUnknown      Code = "CAPABILITY_UNKNOWN"
	CodeMethodUnknown          Code = "METHOD_UNKNOWN"
	CodePolicyDenied           Code = "POLICY_DENIED"
	CodePolicyPromptDenied     Code = "POLICY_PROMPT_DENIED"
	CodePolicyPromptExpired    Code = "POLICY_PROMPT_EXPIRED"
	CodeQuotaExceeded          Code = "QUOTA_EXCEEDED"
	CodeRiskDenied             Code = "RISK_DENIED"
	CodeRiskDecisionTimeout    Code = "RISK_DECISION_TIMEOUT"
	CodeBackpressureRejected   Code = "BACKPRESSURE_REJECTED"
	CodeConnectorError         Code = "CONNECTOR_ERROR"
	CodeTimedOut               Code = "TIMED_OUT"
	CodeExtensionQuarantined   Code = "EXTENSION_QUARANTINED"
)

// Severity classifies how an error should be surfaced upstream.
type Severity string

const (
	SeverityRecoverable Severity = "recoverable"
	SeverityFatal       Severity = "fatal"
)

// Error is the ServiceError-shaped taxonomy type used throughout the host.
type Error struct {
	Code     Code                   `json:"code"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Err      error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches a detail key/value and returns the receiver for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, message string, severity Severity) *Error {
	return &Error{Code: code, Message: message, Severity: severity}
}

// Wrap creates an Error wrapping an existing cause.
func Wrap(code Code, message string, severity Severity, err error) *Error {
	return &Error{Code: code, Message: message, Severity: severity, Err: err}
}

// Constructors, one per taxonomy entry (§7).

func ExtensionLoadError(err error) *Error {
	return Wrap(CodeExtensionLoadError, "failed to load extension source", SeverityFatal, err)
}

func ExtensionScriptError(kind, message string) *Error {
	return New(CodeExtensionScriptError, message, SeverityRecoverable).WithDetails("kind", kind)
}

func RegistrationConflict(key string, late bool) *Error {
	return New(CodeRegistrationConflict, "duplicate or late registration", SeverityRecoverable).
		WithDetails("key", key).
		WithDetails("late", late)
}

func UnsupportedValue(reason string) *Error {
	return New(CodeUnsupportedValue, "value outside the closed marshalling set", SeverityRecoverable).
		WithDetails("reason", reason)
}

func ExecutionBudgetExceeded(streak int) *Error {
	return New(CodeExecutionBudgetExceeded, "execution budget exceeded", SeverityRecoverable).
		WithDetails("streak", streak)
}

func CapabilityUnknown(capability string) *Error {
	return New(CodeCapabilityUnknown, "unknown capability", SeverityRecoverable).
		WithDetails("capability", capability)
}

func MethodUnknown(capability, method string) *Error {
	return New(CodeMethodUnknown, "unknown method", SeverityRecoverable).
		WithDetails("capability", capability).
		WithDetails("method", method)
}

func PolicyDenied(profile, rule string) *Error {
	return New(CodePolicyDenied, "policy resolved to deny", SeverityRecoverable).
		WithDetails("profile", profile).
		WithDetails("rule", rule)
}

func PolicyPromptDenied() *Error {
	return New(CodePolicyPromptDenied, "user denied the prompt", SeverityRecoverable)
}

func PolicyPromptExpired() *Error {
	return New(CodePolicyPromptExpired, "prompt expired before a response arrived", SeverityRecoverable)
}

func QuotaExceeded(dimension string) *Error {
	return New(CodeQuotaExceeded, "quota dimension exceeded", SeverityRecoverable).
		WithDetails("dimension", dimension)
}

func RiskDenied(score float64, version string) *Error {
	return New(CodeRiskDenied, "risk controller denied the call", SeverityRecoverable).
		WithDetails("score", score).
		WithDetails("version", version)
}

func RiskDecisionTimeout() *Error {
	return New(CodeRiskDecisionTimeout, "risk decision did not complete within budget", SeverityRecoverable)
}

func BackpressureRejected(connector string) *Error {
	return New(CodeBackpressureRejected, "connector queue bound hit", SeverityRecoverable).
		WithDetails("connector", connector)
}

func ConnectorError(kind, message string, transient bool, err error) *Error {
	return Wrap(CodeConnectorError, message, SeverityRecoverable, err).
		WithDetails("kind", kind).
		WithDetails("transient", transient)
}

func TimedOut() *Error {
	return New(CodeTimedOut, "call deadline elapsed", SeverityRecoverable)
}

func ExtensionQuarantined(reason string) *Error {
	return New(CodeExtensionQuarantined, "extension suspended for the remainder of the session", SeverityFatal).
		WithDetails("reason", reason)
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsFatal reports whether err is a host Error marked fatal.
func IsFatal(err error) bool {
	if e, ok := As(err); ok {
		return e.Severity == SeverityFatal
	}
	return false
}
