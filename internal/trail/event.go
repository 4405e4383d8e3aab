// Package trail records the audit lifecycle as one JSONL line per event.
// The trail is an operator-facing artifact for replaying what the server
// decided and why; it is never read back on the serving path.
package trail

import (
	"time"
)

// EventType identifies the category of a trail event.
type EventType string

const (
	// EventThoughtReceived marks an accepted inbound thought.
	EventThoughtReceived EventType = "thought_received"
	// EventAuditStarted marks a reviewer invocation.
	EventAuditStarted EventType = "audit_started"
	// EventAuditCached marks a cache hit that skipped the reviewer.
	EventAuditCached EventType = "audit_cached"
	// EventAuditCompleted marks a parsed reviewer verdict.
	EventAuditCompleted EventType = "audit_completed"
	// EventAuditTimeout marks a reviewer call that hit its deadline.
	EventAuditTimeout EventType = "audit_timeout"
	// EventSessionCompleted marks a session reaching a terminal state.
	EventSessionCompleted EventType = "session_completed"
	// EventContextStarted marks a reviewer context being established.
	EventContextStarted EventType = "context_started"
	// EventContextTerminated marks a reviewer context being torn down.
	EventContextTerminated EventType = "context_terminated"
)

// Event is one line of the audit trail.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID ties together all events of one ProcessThought pass.
	RunID string `json:"run_id"`

	// SessionID identifies the audit session.
	SessionID string `json:"session_id"`

	// Loop is the session loop number at the time of the event.
	Loop int `json:"loop"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Verdict is the reviewer verdict (for audit_completed events).
	Verdict string `json:"verdict,omitempty"`

	// Score is the overall reviewer score (for audit_completed events).
	Score int `json:"score,omitempty"`

	// DurationMs is how long the audit took (for audit_* events).
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Reason is the completion or termination reason (for
	// session_completed and context_terminated events).
	Reason string `json:"reason,omitempty"`

	// Message carries any extra human-readable detail.
	Message string `json:"message,omitempty"`
}

// ValidEventTypes returns all valid event type values.
func ValidEventTypes() []EventType {
	return []EventType{
		EventThoughtReceived,
		EventAuditStarted,
		EventAuditCached,
		EventAuditCompleted,
		EventAuditTimeout,
		EventSessionCompleted,
		EventContextStarted,
		EventContextTerminated,
	}
}

// IsValidEventType checks if the given string is a valid event type.
func IsValidEventType(s string) bool {
	for _, t := range ValidEventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}
