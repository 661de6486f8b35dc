// Package audit contains domain types for audit logging.
package audit

import "time"

// Event types emitted around a tool dispatch.
const (
	// EventToolStart is recorded the moment a call is admitted for dispatch.
	EventToolStart = "tool_start"
	// EventToolEnd is recorded once the upstream call returns, successfully
	// or not.
	EventToolEnd = "tool_end"
)

// AuditRecord represents one auditable event from the router's tool
// dispatch pipeline. The principal's raw token never appears here — only
// its fingerprint (see internal/domain/auth.Principal.Fingerprint).
type AuditRecord struct {
	Timestamp time.Time
	EventType string

	SessionID            string
	PrincipalFingerprint string

	Upstream string
	Tool     string

	// Arguments is populated only when audit.logArguments is set, and
	// truncated to audit.maxArgumentChars by the caller before recording.
	Arguments map[string]any `json:"arguments,omitempty"`

	OK         bool
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}
