package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound: the id is absent from the store. Upstream treats the
	// session as already terminal.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition: the event is not valid for the current status.
	// Webhooks replay and arrive out of order, so callers log and ignore this.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification: the conditional write lost the race three
	// times in a row.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Machine holds the tuning the pure transition function needs.
type Machine struct {
	// MaxDialAttempts bounds per-participant no-answer redials.
	MaxDialAttempts int

	// MinCaptureSeconds is the duration at or above which a conference counts
	// as a completed consultation.
	MinCaptureSeconds int
}

// Outcome is the result of one transition: the next session value plus the
// side effects the engine must execute after the write succeeds.
type Outcome struct {
	Next    Session
	Effects []Effect

	// Changed is false for absorbed duplicates; nothing should be written.
	Changed bool
}

// Transition computes the next state for (session, event). It is deterministic
// and performs no I/O. Events on terminal sessions are absorbed as no-ops.
func (m Machine) Transition(s Session, ev Event) (Outcome, error) {
	if s.Status.Terminal() {
		return Outcome{Next: s}, nil
	}

	switch e := ev.(type) {
	case DialAttempted:
		return m.dialAttempted(s, e)
	case ParticipantRinging:
		return m.participantRinging(s, e)
	case ParticipantConnectedEvent:
		return m.participantConnected(s, e)
	case ParticipantDisconnectedEvent:
		return m.participantDisconnected(s, e)
	case ParticipantFailedEvent:
		return m.participantFailed(s, e)
	case ConferenceStartedEvent:
		return m.conferenceStarted(s, e)
	case ConferenceEndedEvent:
		return m.conferenceEnded(s, e)
	case CancelRequested:
		return m.cancelRequested(s, e)
	default:
		return Outcome{Next: s}, fmt.Errorf("%w: unknown event %q in status %q", ErrInvalidTransition, ev.Kind(), s.Status)
	}
}

func (m Machine) dialAttempted(s Session, e DialAttempted) (Outcome, error) {
	switch e.Role {
	case RoleProvider:
		if s.Status != StatusPending && s.Status != StatusProviderConnecting {
			return invalid(s, e)
		}
		s.Status = StatusProviderConnecting
	case RoleClient:
		if s.Status != StatusClientConnecting {
			return invalid(s, e)
		}
	default:
		return invalid(s, e)
	}

	p := s.ParticipantFor(e.Role)
	if p.RetryCount >= m.MaxDialAttempts {
		return invalid(s, e)
	}
	p.CallRef = e.CallRef
	p.Status = ParticipantNotStarted
	p.RetryCount++
	s.setParticipant(e.Role, p)
	return changed(s), nil
}

func (m Machine) participantRinging(s Session, e ParticipantRinging) (Outcome, error) {
	if !s.Status.Connecting() {
		return invalid(s, e)
	}
	p := s.ParticipantFor(e.Role)
	switch p.Status {
	case ParticipantNotStarted:
		p.Status = ParticipantRingingState
		s.setParticipant(e.Role, p)
		return changed(s), nil
	case ParticipantRingingState, ParticipantConnected:
		// Late or duplicate ringing event.
		return Outcome{Next: s}, nil
	default:
		return invalid(s, e)
	}
}

func (m Machine) participantConnected(s Session, e ParticipantConnectedEvent) (Outcome, error) {
	if !s.Status.Connecting() && s.Status != StatusActive {
		return invalid(s, e)
	}
	p := s.ParticipantFor(e.Role)
	if p.Status == ParticipantConnected {
		return Outcome{Next: s}, nil
	}

	p.Status = ParticipantConnected
	if p.ConnectedAt == nil {
		at := e.At.UTC()
		p.ConnectedAt = &at
	}
	s.setParticipant(e.Role, p)

	var effects []Effect
	if e.Role == RoleProvider && (s.Status == StatusPending || s.Status == StatusProviderConnecting) {
		s.Status = StatusClientConnecting
		effects = append(effects, DialParticipant{Role: RoleClient})
	}

	// Re-check the activation invariant on every connect.
	if s.Provider.Status == ParticipantConnected && s.Client.Status == ParticipantConnected {
		s.Status = StatusActive
	}
	return Outcome{Next: s, Effects: effects, Changed: true}, nil
}

func (m Machine) participantDisconnected(s Session, e ParticipantDisconnectedEvent) (Outcome, error) {
	p := s.ParticipantFor(e.Role)
	if p.Status == ParticipantDisconnected || p.Status == ParticipantNotStarted {
		return Outcome{Next: s}, nil
	}
	at := e.At.UTC()

	if s.Status == StatusActive {
		// Premature hangup: both sides were bridged and one leg dropped before
		// the conference-end webhook. Settle on the duration known so far; a
		// later conference-end for the same session is absorbed as terminal.
		p.Status = ParticipantDisconnected
		s.setParticipant(e.Role, p)
		if s.Conference.EndedAt == nil {
			s.Conference.EndedAt = &at
		}
		dur := s.Conference.DurationSeconds
		if dur == 0 && s.Conference.StartedAt != nil {
			dur = int(at.Sub(*s.Conference.StartedAt) / time.Second)
			if dur < 0 {
				dur = 0
			}
			s.Conference.DurationSeconds = dur
		}
		return m.terminalOutcome(s, StatusFailed, "premature_hangup", dur), nil
	}

	if !s.Status.Connecting() {
		return invalid(s, e)
	}

	// A leg that connected and dropped before the bridge came up ends the
	// attempt: the dialed party cannot be re-dialed after answering.
	p.Status = ParticipantDisconnected
	s.setParticipant(e.Role, p)
	return m.terminalOutcome(s, StatusFailed, "participant_disconnected", 0), nil
}

func (m Machine) participantFailed(s Session, e ParticipantFailedEvent) (Outcome, error) {
	if !s.Status.Connecting() {
		return invalid(s, e)
	}
	p := s.ParticipantFor(e.Role)
	if p.Status == ParticipantConnected || p.Status == ParticipantDisconnected {
		// Leg already resolved; stale failure callback.
		return Outcome{Next: s}, nil
	}

	if RetryableFailure(e.Reason) {
		p.Status = ParticipantNoAnswer
	} else {
		p.Status = ParticipantDisconnected
	}
	s.setParticipant(e.Role, p)

	if RetryableFailure(e.Reason) && p.RetryCount < m.MaxDialAttempts {
		return Outcome{
			Next:    s,
			Effects: []Effect{DialParticipant{Role: e.Role}},
			Changed: true,
		}, nil
	}
	return m.terminalOutcome(s, StatusFailed, e.Reason, 0), nil
}

func (m Machine) conferenceStarted(s Session, e ConferenceStartedEvent) (Outcome, error) {
	if s.Status != StatusClientConnecting && s.Status != StatusActive {
		return invalid(s, e)
	}
	mutated := false
	if s.Conference.Ref == "" {
		s.Conference.Ref = e.Ref
		mutated = true
	}
	if s.Conference.StartedAt == nil {
		at := e.At.UTC()
		s.Conference.StartedAt = &at
		mutated = true
	}
	if !mutated {
		return Outcome{Next: s}, nil
	}
	return changed(s), nil
}

func (m Machine) conferenceEnded(s Session, e ConferenceEndedEvent) (Outcome, error) {
	if s.Status != StatusActive && s.Conference.Ref == "" {
		return invalid(s, e)
	}

	// Duration is monotonically non-decreasing.
	dur := e.DurationSeconds
	if dur < s.Conference.DurationSeconds {
		dur = s.Conference.DurationSeconds
	}
	s.Conference.DurationSeconds = dur
	if s.Conference.EndedAt == nil {
		at := e.At.UTC()
		s.Conference.EndedAt = &at
	}
	for _, r := range []Role{RoleProvider, RoleClient} {
		p := s.ParticipantFor(r)
		if p.Status == ParticipantConnected {
			p.Status = ParticipantDisconnected
			s.setParticipant(r, p)
		}
	}

	if dur >= m.MinCaptureSeconds {
		return m.terminalOutcome(s, StatusCompleted, "", dur), nil
	}
	return m.terminalOutcome(s, StatusFailed, "short_call", dur), nil
}

func (m Machine) cancelRequested(s Session, e CancelRequested) (Outcome, error) {
	return m.terminalOutcome(s, StatusCanceled, e.Reason, s.Conference.DurationSeconds), nil
}

// terminalOutcome finalizes the session. The payment is settled by the engine
// after the status write; Payment.Status itself guards exactly-once execution.
func (m Machine) terminalOutcome(s Session, st Status, reason string, durationSeconds int) Outcome {
	s.Status = st
	if st != StatusCompleted {
		s.FailReason = reason
	}

	effects := []Effect{
		SettlePayment{
			DurationSeconds: durationSeconds,
			BothConnected:   s.BothConnected(),
			CalleeAnswered:  s.BothConnected(),
		},
	}
	if refs := liveCallRefs(s); len(refs) > 0 {
		effects = append(effects, CancelOutboundCalls{CallRefs: refs})
	}
	effects = append(effects, NotifyTerminal{Status: st})
	return Outcome{Next: s, Effects: effects, Changed: true}
}

// liveCallRefs collects legs that may still be up at the provider.
func liveCallRefs(s Session) []string {
	var refs []string
	for _, r := range []Role{RoleProvider, RoleClient} {
		p := s.ParticipantFor(r)
		if p.CallRef == "" {
			continue
		}
		switch p.Status {
		case ParticipantNotStarted, ParticipantRingingState, ParticipantConnected:
			refs = append(refs, p.CallRef)
		}
	}
	return refs
}

func invalid(s Session, ev Event) (Outcome, error) {
	return Outcome{Next: s}, fmt.Errorf("%w: %s in status %s", ErrInvalidTransition, ev.Kind(), s.Status)
}

func changed(s Session) Outcome {
	return Outcome{Next: s, Changed: true}
}
