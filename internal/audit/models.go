package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Audit logging is best-effort; engine flows must not block on it.
//
// Storage recommendation (Postgres):
// - Table audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	SessionID     string `json:"session_id,omitempty" db:"session_id"`
	CallRef       string `json:"call_ref,omitempty" db:"call_ref"`
	ConferenceRef string `json:"conference_ref,omitempty" db:"conference_ref"`

	// Decision and Rationale carry the capture decision for payment events.
	Decision  string `json:"decision,omitempty" db:"decision"`
	Rationale string `json:"rationale,omitempty" db:"rationale"`

	// ActorUserID is set for operator-initiated events (cancel, resolve).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSequenceScheduled EventType = "sequence_scheduled"
	EventTypeSequenceFailed    EventType = "sequence_failed_all_retries"
	EventTypeDialAttempt       EventType = "dial_attempt"
	EventTypeCaptureDecision   EventType = "capture_decision"
	EventTypePaymentFailed     EventType = "payment_action_failed"
	EventTypeConferenceControl EventType = "conference_control"
	EventTypeManualResolution  EventType = "manual_resolution"
	EventTypeSessionExpired    EventType = "session_expired"
)
