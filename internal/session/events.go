package session

import "time"

// Event is the closed set of domain events the state machine accepts.
// Provider-specific webhook vocabulary is translated into these by the
// ingestion layer; the machine never sees raw provider payloads.
type Event interface {
	Kind() string
	isEvent()
}

// DialAttempted records that an outbound call was placed for a participant.
type DialAttempted struct {
	Role    Role
	CallRef string
}

// ParticipantRinging reports the participant's phone is ringing.
type ParticipantRinging struct {
	Role Role
}

// ParticipantConnectedEvent reports the participant answered.
type ParticipantConnectedEvent struct {
	Role Role
	At   time.Time
}

// ParticipantDisconnectedEvent reports the participant's leg ended.
type ParticipantDisconnectedEvent struct {
	Role Role
	At   time.Time
}

// ParticipantFailedEvent reports the leg failed before connecting.
// Reason uses provider-normalized values: no_answer, busy, failed, dial_error.
type ParticipantFailedEvent struct {
	Role   Role
	Reason string
}

// ConferenceStartedEvent reports the conference bridge came up.
type ConferenceStartedEvent struct {
	Ref string
	At  time.Time
}

// ConferenceEndedEvent reports the conference ended with a final duration.
// This is the sole trigger for the payment capture decision.
type ConferenceEndedEvent struct {
	DurationSeconds int
	At              time.Time
}

// CancelRequested asks for the session to be canceled (user action, expiry).
type CancelRequested struct {
	Reason string
}

func (DialAttempted) Kind() string               { return "dial_attempted" }
func (ParticipantRinging) Kind() string          { return "participant_ringing" }
func (ParticipantConnectedEvent) Kind() string   { return "participant_connected" }
func (ParticipantDisconnectedEvent) Kind() string { return "participant_disconnected" }
func (ParticipantFailedEvent) Kind() string      { return "participant_failed" }
func (ConferenceStartedEvent) Kind() string      { return "conference_started" }
func (ConferenceEndedEvent) Kind() string        { return "conference_ended" }
func (CancelRequested) Kind() string             { return "cancel_requested" }

func (DialAttempted) isEvent()                {}
func (ParticipantRinging) isEvent()           {}
func (ParticipantConnectedEvent) isEvent()    {}
func (ParticipantDisconnectedEvent) isEvent() {}
func (ParticipantFailedEvent) isEvent()       {}
func (ConferenceStartedEvent) isEvent()       {}
func (ConferenceEndedEvent) isEvent()         {}
func (CancelRequested) isEvent()              {}

// Failure reasons carried by ParticipantFailedEvent.
const (
	FailReasonNoAnswer  = "no_answer"
	FailReasonBusy      = "busy"
	FailReasonFailed    = "failed"
	FailReasonDialError = "dial_error"
)

// RetryableFailure reports whether a leg failure may be answered with another
// dial attempt (webhook-driven no-answer retries). Dial API errors are retried
// by the scheduler's own loop, not here.
func RetryableFailure(reason string) bool {
	return reason == FailReasonNoAnswer || reason == FailReasonBusy
}

// Side-effect intents produced by transitions. The machine stays pure; the
// engine executes these after the state write succeeds.

type Effect interface{ isEffect() }

// DialParticipant asks for an outbound call toward one participant.
type DialParticipant struct {
	Role Role
}

// SettlePayment asks for the capture decision to be made and executed.
type SettlePayment struct {
	DurationSeconds int
	BothConnected   bool
	CalleeAnswered  bool
}

// CancelOutboundCalls asks the provider to tear down still-live legs.
type CancelOutboundCalls struct {
	CallRefs []string
}

// NotifyTerminal asks the notifier to report the final status.
type NotifyTerminal struct {
	Status Status
}

func (DialParticipant) isEffect()     {}
func (SettlePayment) isEffect()       {}
func (CancelOutboundCalls) isEffect() {}
func (NotifyTerminal) isEffect()      {}
