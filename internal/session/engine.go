package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/notify"
	"callbridge/internal/payment"
	"callbridge/internal/telephony"
)

// conditionalWriteRetries bounds the read-transition-write cycle on conflict.
const conditionalWriteRetries = 3

// DialFunc places an outbound call for one participant and returns the
// provider call ref. Injected so URL construction (answer/status callbacks)
// stays in the wiring layer.
type DialFunc func(ctx context.Context, s Session, role Role) (string, error)

// Engine applies domain events to stored sessions with optimistic concurrency
// and executes the side effects the transitions request.
//
// Concurrency model: no in-process mutex; multiple replicas may apply events
// for the same session. Correctness rests on the store's conditional write
// plus idempotent transitions. Effects run only after a successful write, so
// exactly one actor executes them per transition.
type Engine struct {
	machine   Machine
	store     Store
	provider  telephony.Provider
	authority payment.Authority
	policy    payment.Policy
	dial      DialFunc
	audit     *audit.Service
	notifier  notify.Notifier
	clock     func() time.Time
	log       *slog.Logger
}

type EngineParams struct {
	Machine   Machine
	Store     Store
	Provider  telephony.Provider
	Authority payment.Authority
	Policy    payment.Policy
	Dial      DialFunc
	Audit     *audit.Service
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

func NewEngine(p EngineParams) (*Engine, error) {
	if p.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if p.Authority == nil {
		return nil, errors.New("session: payment authority is required")
	}
	if p.Audit == nil {
		return nil, errors.New("session: audit service is required")
	}
	e := &Engine{
		machine:   p.Machine,
		store:     p.Store,
		provider:  p.Provider,
		authority: p.Authority,
		policy:    p.Policy,
		dial:      p.Dial,
		audit:     p.Audit,
		notifier:  p.Notifier,
		clock:     time.Now,
		log:       p.Logger,
	}
	if e.machine.MaxDialAttempts <= 0 {
		e.machine.MaxDialAttempts = 3
	}
	if e.machine.MinCaptureSeconds <= 0 {
		e.machine.MinCaptureSeconds = 120
	}
	if e.notifier == nil {
		e.notifier = notify.Noop{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// Machine exposes the tuning in effect (read-only).
func (e *Engine) Machine() Machine { return e.machine }

// Apply runs one read-transition-write cycle for (id, event), retrying on
// write conflicts. ErrSessionNotFound and ErrInvalidTransition surface to the
// caller, which logs and ignores them (webhooks replay and reorder).
func (e *Engine) Apply(ctx context.Context, id string, ev Event) error {
	for attempt := 0; attempt < conditionalWriteRetries; attempt++ {
		s, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		out, err := e.machine.Transition(s, ev)
		if err != nil {
			return err
		}
		if !out.Changed {
			return nil
		}

		next := out.Next
		next.Version = s.Version + 1
		err = e.store.ConditionalUpdate(ctx, id, s.Status, s.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}

		e.runEffects(ctx, next, out.Effects)
		return nil
	}
	return fmt.Errorf("%w: session %s event %s", ErrConcurrentModification, id, ev.Kind())
}

func (e *Engine) runEffects(ctx context.Context, s Session, effects []Effect) {
	for _, eff := range effects {
		switch ef := eff.(type) {
		case DialParticipant:
			e.dialParticipant(ctx, s, ef.Role)
		case SettlePayment:
			e.settle(ctx, s, ef)
		case CancelOutboundCalls:
			e.cancelCalls(ctx, ef.CallRefs)
		case NotifyTerminal:
			e.notifyTerminal(s, ef.Status)
		}
	}
}

func (e *Engine) dialParticipant(ctx context.Context, s Session, role Role) {
	if e.dial == nil {
		e.log.Error("dial requested but no dialer configured", "session_id", s.ID, "role", role)
		return
	}
	callRef, err := e.dial(ctx, s, role)
	if err != nil {
		e.log.Warn("participant dial failed", "session_id", s.ID, "role", role, "err", err)
		if aerr := e.Apply(ctx, s.ID, ParticipantFailedEvent{Role: role, Reason: FailReasonDialError}); aerr != nil {
			e.log.Error("dial failure transition failed", "session_id", s.ID, "err", aerr)
		}
		return
	}
	if err := e.Apply(ctx, s.ID, DialAttempted{Role: role, CallRef: callRef}); err != nil {
		e.log.Error("dial attempt transition failed", "session_id", s.ID, "role", role, "err", err)
	}
}

// settle makes and executes the capture decision. Exactly-once execution
// comes from two guards: effects only run for the actor that won the terminal
// status write, and the payment status CAS rejects a second settlement.
func (e *Engine) settle(ctx context.Context, s Session, eff SettlePayment) {
	if s.Payment.Status.Settled() {
		return
	}

	d := payment.Decide(eff.DurationSeconds, eff.BothConnected, eff.CalleeAnswered, e.policy)
	e.log.Info("capture decision",
		"session_id", s.ID,
		"decision", string(d.Action),
		"duration_s", eff.DurationSeconds,
		"rationale", d.Rationale,
	)
	if err := e.audit.LogCaptureDecision(ctx, s.ID, string(d.Action), d.Rationale); err != nil {
		e.log.Warn("capture decision audit failed", "session_id", s.ID, "err", err)
	}

	switch d.Action {
	case payment.ActionCapture:
		if err := e.authority.Capture(ctx, s.Payment.IntentRef); err != nil {
			e.paymentFailed(ctx, s, "capture failed: "+err.Error())
			return
		}
		now := e.clock().UTC()
		e.writeSettlement(ctx, s.ID, PaymentCaptured, &now)
	case payment.ActionCancel:
		if err := e.authority.Cancel(ctx, s.Payment.IntentRef); err != nil {
			e.paymentFailed(ctx, s, "cancel failed: "+err.Error())
			return
		}
		e.writeSettlement(ctx, s.ID, PaymentCanceled, nil)
	case payment.ActionManualReview:
		if err := e.store.FlagManualReview(ctx, s.ID); err != nil {
			e.log.Error("manual review flag failed", "session_id", s.ID, "err", err)
		}
	}
}

func (e *Engine) writeSettlement(ctx context.Context, id string, st PaymentStatus, capturedAt *time.Time) {
	err := e.store.SettlePayment(ctx, id, st, capturedAt, false)
	if err != nil && !errors.Is(err, ErrPaymentAlreadySettled) {
		e.log.Error("settlement write failed", "session_id", id, "status", string(st), "err", err)
	}
}

// paymentFailed leaves the authorization held and flags the session; this is
// never silently dropped.
func (e *Engine) paymentFailed(ctx context.Context, s Session, msg string) {
	e.log.Error("payment action failed", "session_id", s.ID, "intent_ref", s.Payment.IntentRef, "msg", msg)
	if err := e.audit.LogPaymentFailed(ctx, s.ID, s.Payment.IntentRef, msg); err != nil {
		e.log.Warn("payment failure audit failed", "session_id", s.ID, "err", err)
	}
	if err := e.store.FlagManualReview(ctx, s.ID); err != nil {
		e.log.Error("manual review flag failed", "session_id", s.ID, "err", err)
	}
}

func (e *Engine) cancelCalls(ctx context.Context, refs []string) {
	if e.provider == nil {
		return
	}
	for _, ref := range refs {
		if err := e.provider.CancelCall(ctx, ref); err != nil {
			// Best-effort: the leg may already be down.
			e.log.Warn("call cancel failed", "call_ref", ref, "err", err)
		}
	}
}

func (e *Engine) notifyTerminal(s Session, st Status) {
	// Fire-and-forget; the notifier is an external collaborator and must not
	// block or fail the transition path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		switch st {
		case StatusCompleted:
			err = e.notifier.SessionCompleted(ctx, s.ID, s.Conference.DurationSeconds)
		case StatusCanceled:
			err = e.notifier.SessionCanceled(ctx, s.ID, s.FailReason)
		default:
			err = e.notifier.SessionFailed(ctx, s.ID, s.FailReason)
		}
		if err != nil {
			e.log.Warn("terminal notification failed", "session_id", s.ID, "status", string(st), "err", err)
		}
	}()
}

// ResolveManual settles a manual-review session by operator decision.
// action is capture or refund; refunds may be partial.
func (e *Engine) ResolveManual(ctx context.Context, id, actorUserID string, action payment.Action, refundAmountMinor int64) error {
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.ManualReview {
		return fmt.Errorf("%w: session %s is not flagged for review", ErrInvalidTransition, id)
	}
	if s.Payment.Status.Settled() {
		return ErrPaymentAlreadySettled
	}

	switch action {
	case payment.ActionCapture:
		if err := e.authority.Capture(ctx, s.Payment.IntentRef); err != nil {
			e.paymentFailed(ctx, s, "manual capture failed: "+err.Error())
			return err
		}
		now := e.clock().UTC()
		e.writeSettlement(ctx, id, PaymentCaptured, &now)
	case payment.ActionRefund:
		amount := refundAmountMinor
		if amount <= 0 || amount > s.Payment.AmountMinor {
			amount = s.Payment.AmountMinor
		}
		if err := e.authority.Refund(ctx, s.Payment.IntentRef, amount); err != nil {
			e.paymentFailed(ctx, s, "manual refund failed: "+err.Error())
			return err
		}
		e.writeSettlement(ctx, id, PaymentRefunded, nil)
	default:
		return fmt.Errorf("session: unsupported manual action %q", action)
	}

	if err := e.audit.LogManualResolution(ctx, id, actorUserID, string(action), "operator resolution"); err != nil {
		e.log.Warn("manual resolution audit failed", "session_id", id, "err", err)
	}
	return nil
}
