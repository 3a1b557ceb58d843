package util

import "log/slog"

// Alert severities. Critical is reserved for unprotected-exposure failures
// (a filled entry left without a protective order) and fatal store errors.
const (
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alerter delivers operator-visible alerts. Implementations must be safe for
// concurrent use.
type Alerter interface {
	Alert(severity, msg string, args ...any)
}

// LogAlerter emits alerts through a structured logger. Warning maps to Warn,
// everything above to Error with the severity attached.
type LogAlerter struct {
	Log *slog.Logger
}

var _ Alerter = (*LogAlerter)(nil)

// Alert logs the alert with its severity.
func (a *LogAlerter) Alert(severity, msg string, args ...any) {
	args = append([]any{"severity", severity, "alert", true}, args...)
	if severity == SeverityWarning {
		a.Log.Warn(msg, args...)
		return
	}
	a.Log.Error(msg, args...)
}
