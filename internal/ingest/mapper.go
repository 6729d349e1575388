package ingest

import (
	"time"

	"callbridge/internal/session"
	"callbridge/internal/telephony"
)

// Event mapping: provider callback vocabulary in, closed domain events out.
// The state machine never sees provider-specific strings.

// MapCallStatus translates one call-status callback for a known role.
// A nil event means the callback carries nothing the engine cares about.
func MapCallStatus(f telephony.CallStatusForm, role session.Role, minCaptureSeconds int, at time.Time) session.Event {
	switch f.CallStatus {
	case "ringing":
		return session.ParticipantRinging{Role: role}
	case "answered", "in-progress":
		return session.ParticipantConnectedEvent{Role: role, At: at}
	case "completed":
		if f.CallDuration >= minCaptureSeconds {
			// The leg outlived the capture threshold; treat as the
			// completion path even if the conference-end callback is lost.
			return session.ConferenceEndedEvent{DurationSeconds: f.CallDuration, At: at}
		}
		return session.ParticipantDisconnectedEvent{Role: role, At: at}
	case "no-answer":
		return session.ParticipantFailedEvent{Role: role, Reason: session.FailReasonNoAnswer}
	case "busy":
		return session.ParticipantFailedEvent{Role: role, Reason: session.FailReasonBusy}
	case "failed", "canceled":
		return session.ParticipantFailedEvent{Role: role, Reason: session.FailReasonFailed}
	default:
		// queued, initiated: nothing to do.
		return nil
	}
}

// MapConferenceStatus translates one conference-status callback.
// audit-only events (mute/hold) return nil; the caller records them.
func MapConferenceStatus(f telephony.ConferenceStatusForm, role session.Role, at time.Time) session.Event {
	switch f.Event {
	case "conference-start":
		return session.ConferenceStartedEvent{Ref: f.ConferenceSid, At: at}
	case "conference-end":
		return session.ConferenceEndedEvent{DurationSeconds: f.Duration, At: at}
	case "participant-join":
		return session.ParticipantConnectedEvent{Role: role, At: at}
	case "participant-leave":
		return session.ParticipantDisconnectedEvent{Role: role, At: at}
	default:
		// participant-mute/unmute/hold/unhold and anything unknown.
		return nil
	}
}

// AuditOnlyConferenceEvent reports callbacks recorded for audit without
// touching session state.
func AuditOnlyConferenceEvent(event string) bool {
	switch event {
	case "participant-mute", "participant-unmute", "participant-hold", "participant-unhold":
		return true
	default:
		return false
	}
}
