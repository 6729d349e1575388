package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only; records are not exposed to callers.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogScheduled records that a dial sequence was armed for a session.
func (s *Service) LogScheduled(ctx context.Context, sessionID string, delay time.Duration) error {
	return s.Append(ctx, Event{
		Type:      EventTypeSequenceScheduled,
		SessionID: sessionID,
		Message:   "dial sequence scheduled",
		Metadata:  `{"delay":"` + delay.String() + `"}`,
	})
}

// LogSequenceFailed records exhaustion of all engine-level dial retries.
func (s *Service) LogSequenceFailed(ctx context.Context, sessionID, reason string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeSequenceFailed,
		SessionID: sessionID,
		Message:   reason,
	})
}

// LogCaptureDecision records the payment decision and its rationale.
func (s *Service) LogCaptureDecision(ctx context.Context, sessionID, decision, rationale string) error {
	return s.Append(ctx, Event{
		Type:      EventTypeCaptureDecision,
		SessionID: sessionID,
		Decision:  decision,
		Rationale: rationale,
	})
}

// LogPaymentFailed records an Authority failure left for reconciliation.
func (s *Service) LogPaymentFailed(ctx context.Context, sessionID, intentRef, message string) error {
	return s.Append(ctx, Event{
		Type:      EventTypePaymentFailed,
		SessionID: sessionID,
		Message:   message,
		Metadata:  `{"intent_ref":"` + intentRef + `"}`,
	})
}

// LogConferenceControl records mute/hold callbacks; these never touch session
// state.
func (s *Service) LogConferenceControl(ctx context.Context, sessionID, conferenceRef, callRef, event string) error {
	return s.Append(ctx, Event{
		Type:          EventTypeConferenceControl,
		SessionID:     sessionID,
		ConferenceRef: conferenceRef,
		CallRef:       callRef,
		Message:       event,
	})
}

// LogManualResolution records an operator resolving a flagged session.
func (s *Service) LogManualResolution(ctx context.Context, sessionID, actorUserID, decision, rationale string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeManualResolution,
		SessionID:   sessionID,
		ActorUserID: actorUserID,
		Decision:    decision,
		Rationale:   rationale,
	})
}
