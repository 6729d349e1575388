package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the aggregate root for one brokered consultation call.
//
// Invariants:
// - Status active requires both participants connected.
// - Conference.DurationSeconds never decreases once set.
// - Payment.Status leaves authorized exactly once.
// - Terminal sessions accept no further transitions; only the one-shot
//   payment settlement and the recording URL may still be written.
//
// NOTE: This is a domain model only. Provider-specific identifiers (call SIDs,
// conference SIDs, payment intent refs) are stored as opaque refs and never
// interpreted here.

type Session struct {
	ID     string `json:"id" db:"id"`
	Status Status `json:"status" db:"status"`

	Provider Participant `json:"provider"`
	Client   Participant `json:"client"`

	Conference Conference `json:"conference"`
	Payment    Payment    `json:"payment"`
	Metadata   Metadata   `json:"metadata"`

	// RetryCount counts engine-level dial sequence attempts.
	// Per-participant no-answer retries live on Participant.RetryCount.
	RetryCount int `json:"retry_count" db:"retry_count"`

	// ManualReview flags sessions whose payment outcome needs an operator.
	ManualReview bool   `json:"manual_review" db:"manual_review"`
	FailReason   string `json:"fail_reason,omitempty" db:"fail_reason"`

	// Version supports conditional writes (optimistic concurrency).
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusPending            Status = "pending"
	StatusProviderConnecting Status = "provider_connecting"
	StatusClientConnecting   Status = "client_connecting"
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Connecting reports whether the session is still trying to assemble the call.
func (s Status) Connecting() bool {
	switch s {
	case StatusPending, StatusProviderConnecting, StatusClientConnecting:
		return true
	default:
		return false
	}
}

// ConnectingStatuses is the sweep filter: sessions that may be stuck or expired.
var ConnectingStatuses = []Status{StatusPending, StatusProviderConnecting, StatusClientConnecting}

type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

type ParticipantStatus string

const (
	ParticipantNotStarted   ParticipantStatus = "not_started"
	ParticipantRingingState ParticipantStatus = "ringing"
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
	ParticipantNoAnswer     ParticipantStatus = "no_answer"
)

type Participant struct {
	Phone       string            `json:"phone"`
	Status      ParticipantStatus `json:"status"`
	CallRef     string            `json:"call_ref,omitempty"`
	ConnectedAt *time.Time        `json:"connected_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
}

type Conference struct {
	Ref             string     `json:"ref,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	RecordingURL    string     `json:"recording_url,omitempty"`
}

type PaymentStatus string

const (
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentCanceled   PaymentStatus = "canceled"
)

func (p PaymentStatus) Settled() bool { return p != PaymentAuthorized && p != "" }

type Payment struct {
	IntentRef   string        `json:"intent_ref"`
	AmountMinor int64         `json:"amount_minor"`
	Currency    string        `json:"currency"`
	Status      PaymentStatus `json:"status"`
	CapturedAt  *time.Time    `json:"captured_at,omitempty"`
}

// Metadata is immutable after creation.
type Metadata struct {
	CreatedAt    time.Time `json:"created_at"`
	ServiceType  string    `json:"service_type"`
	ProviderType string    `json:"provider_type"`
	RequestID    string    `json:"request_id"`
	Language     string    `json:"language,omitempty"`
}

// NewParams carries everything the session-creation entry point knows.
type NewParams struct {
	ProviderPhone string
	ClientPhone   string

	PaymentIntentRef string
	AmountMinor      int64
	Currency         string

	ServiceType  string
	ProviderType string
	RequestID    string
	Language     string
}

// New builds a pending session with an authorized payment.
func New(p NewParams, now time.Time) Session {
	return Session{
		ID:     uuid.NewString(),
		Status: StatusPending,
		Provider: Participant{
			Phone:  p.ProviderPhone,
			Status: ParticipantNotStarted,
		},
		Client: Participant{
			Phone:  p.ClientPhone,
			Status: ParticipantNotStarted,
		},
		Payment: Payment{
			IntentRef:   p.PaymentIntentRef,
			AmountMinor: p.AmountMinor,
			Currency:    p.Currency,
			Status:      PaymentAuthorized,
		},
		Metadata: Metadata{
			CreatedAt:    now.UTC(),
			ServiceType:  p.ServiceType,
			ProviderType: p.ProviderType,
			RequestID:    p.RequestID,
			Language:     p.Language,
		},
		Version:   1,
		UpdatedAt: now.UTC(),
	}
}

// ParticipantFor returns the participant for a role.
func (s Session) ParticipantFor(r Role) Participant {
	if r == RoleClient {
		return s.Client
	}
	return s.Provider
}

func (s *Session) setParticipant(r Role, p Participant) {
	if r == RoleClient {
		s.Client = p
		return
	}
	s.Provider = p
}

// BothConnected reports whether each leg reached connected at some point.
// Used by the capture decision to distinguish "never answered" from
// "premature hangup".
func (s Session) BothConnected() bool {
	return s.Provider.ConnectedAt != nil && s.Client.ConnectedAt != nil
}
