package telephony

import "context"

// Provider defines the provider-agnostic interface the engine dials through.
//
// Rules:
// - No provider SDK or REST calls outside telephony adapters.
// - Keep request/response types provider-agnostic; raw payloads stay at the
//   webhook boundary.
// - Telephony transport is external: placing a call, tearing down a leg, and
//   per-participant conference control are the full surface.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Dial places one outbound call and returns the provider's call ref.
	Dial(ctx context.Context, req DialRequest) (DialResult, error)

	// CancelCall tears down a leg that may still be ringing or live.
	// Best-effort: the call may already have ended provider-side.
	CancelCall(ctx context.Context, callRef string) error

	// EndConference force-ends a bridge.
	EndConference(ctx context.Context, conferenceRef string) error

	// MuteParticipant and HoldParticipant are per-leg conference controls.
	// The engine records these for audit only; they never change session state.
	MuteParticipant(ctx context.Context, conferenceRef, callRef string, muted bool) error
	HoldParticipant(ctx context.Context, conferenceRef, callRef string, held bool) error
}

type DialRequest struct {
	// From and To are E.164 where possible.
	From string `json:"from"`
	To   string `json:"to"`

	// SessionID rides along so the answer document can name the conference.
	SessionID string `json:"session_id"`

	// ParticipantLabel is "provider" or "client".
	ParticipantLabel string `json:"participant_label"`

	// CallbackURL receives call-status callbacks for this leg.
	CallbackURL string `json:"callback_url"`

	// AnswerURL returns the TwiML that joins the callee into the conference.
	AnswerURL string `json:"answer_url"`

	// TimeoutSeconds bounds ringing before the provider reports no-answer.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type DialResult struct {
	// CallRef is the provider's opaque call identifier.
	CallRef string `json:"call_ref"`
}
