package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/payment"
	"callbridge/internal/telephony"
)

// fakeAuthority records payment actions and optionally fails them.
type fakeAuthority struct {
	mu sync.Mutex

	CaptureErr error

	Captures []string
	Cancels  []string
	Refunds  []int64
}

func (f *fakeAuthority) Capture(ctx context.Context, intentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return f.CaptureErr
	}
	f.Captures = append(f.Captures, intentRef)
	return nil
}

func (f *fakeAuthority) Cancel(ctx context.Context, intentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancels = append(f.Cancels, intentRef)
	return nil
}

func (f *fakeAuthority) Refund(ctx context.Context, intentRef string, amountMinor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refunds = append(f.Refunds, amountMinor)
	return nil
}

type engineFixture struct {
	engine    *Engine
	store     *MemoryStore
	provider  *telephony.FakeProvider
	authority *fakeAuthority
	audit     *audit.MemoryRepo
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := NewMemoryStore()
	provider := telephony.NewFakeProvider()
	authority := &fakeAuthority{}
	auditRepo := audit.NewMemoryRepo()

	dial := func(ctx context.Context, s Session, role Role) (string, error) {
		res, err := provider.Dial(ctx, telephony.DialRequest{
			To:               s.ParticipantFor(role).Phone,
			SessionID:        s.ID,
			ParticipantLabel: string(role),
		})
		if err != nil {
			return "", err
		}
		return res.CallRef, nil
	}

	eng, err := NewEngine(EngineParams{
		Store:     store,
		Provider:  provider,
		Authority: authority,
		Dial:      dial,
		Audit:     audit.NewService(auditRepo),
	})
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	return &engineFixture{engine: eng, store: store, provider: provider, authority: authority, audit: auditRepo}
}

func (f *engineFixture) create(t *testing.T) Session {
	t.Helper()
	s := New(NewParams{
		ProviderPhone:    "+15550001111",
		ClientPhone:      "+15550002222",
		PaymentIntentRef: "pi_1",
		AmountMinor:      5000,
		Currency:         "USD",
	}, time.Unix(1700000000, 0).UTC())
	if err := f.store.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func (f *engineFixture) apply(t *testing.T, id string, ev Event) {
	t.Helper()
	if err := f.engine.Apply(context.Background(), id, ev); err != nil {
		t.Fatalf("apply %s: %v", ev.Kind(), err)
	}
}

func (f *engineFixture) get(t *testing.T, id string) Session {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return s
}

func TestNewEngine_RequiresAuditService(t *testing.T) {
	_, err := NewEngine(EngineParams{
		Store:     NewMemoryStore(),
		Authority: &fakeAuthority{},
	})
	if err == nil {
		t.Fatalf("expected error for nil audit service")
	}
}

func TestEngine_SuccessfulCallCaptures(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantRinging{Role: RoleProvider})
	// Provider answers: the engine must dial the client leg itself.
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})

	cur := f.get(t, s.ID)
	if cur.Status != StatusClientConnecting {
		t.Fatalf("expected client_connecting, got %s", cur.Status)
	}
	if f.provider.DialCount() != 1 {
		t.Fatalf("expected 1 client dial, got %d", f.provider.DialCount())
	}
	if cur.Client.CallRef == "" {
		t.Fatalf("client call ref not recorded after dial effect")
	}

	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now.Add(5 * time.Second)})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now.Add(6 * time.Second)})
	f.apply(t, s.ID, ConferenceEndedEvent{DurationSeconds: 240, At: now.Add(246 * time.Second)})

	cur = f.get(t, s.ID)
	if cur.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", cur.Status)
	}
	if cur.Payment.Status != PaymentCaptured {
		t.Fatalf("expected captured, got %s", cur.Payment.Status)
	}
	if len(f.authority.Captures) != 1 || f.authority.Captures[0] != "pi_1" {
		t.Fatalf("unexpected captures: %v", f.authority.Captures)
	}
	if got := f.audit.ByType(audit.EventTypeCaptureDecision); len(got) != 1 {
		t.Fatalf("expected 1 capture decision audit event, got %d", len(got))
	}
}

func TestEngine_ClientNeverAnswersCancelsPayment(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})

	// Client no-answers through every redial. Each failure triggers a fresh
	// dial effect until attempts are exhausted.
	for {
		cur := f.get(t, s.ID)
		if cur.Status.Terminal() {
			break
		}
		f.apply(t, s.ID, ParticipantFailedEvent{Role: RoleClient, Reason: FailReasonNoAnswer})
	}

	cur := f.get(t, s.ID)
	if cur.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", cur.Status)
	}
	if cur.Payment.Status != PaymentCanceled {
		t.Fatalf("expected canceled payment, got %s", cur.Payment.Status)
	}
	// 1 dial from provider connect + MaxDialAttempts-1 redials.
	if f.provider.DialCount() != 3 {
		t.Fatalf("expected 3 client dials, got %d", f.provider.DialCount())
	}
	if len(f.authority.Captures) != 0 {
		t.Fatalf("unanswered call must never capture")
	}
	// The provider leg was still up and must be torn down.
	found := false
	for _, ref := range f.provider.Canceled {
		if ref == "CA-p" {
			found = true
		}
	}
	if !found {
		t.Fatalf("provider leg not canceled: %v", f.provider.Canceled)
	}
}

func TestEngine_PrematureHangupFlagsManualReview(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now.Add(2 * time.Second)})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now.Add(3 * time.Second)})

	// Client drops 60s in: ambiguous, held for review.
	f.apply(t, s.ID, ParticipantDisconnectedEvent{Role: RoleClient, At: now.Add(63 * time.Second)})

	cur := f.get(t, s.ID)
	if cur.Status != StatusFailed || cur.FailReason != "premature_hangup" {
		t.Fatalf("expected failed/premature_hangup, got %s/%s", cur.Status, cur.FailReason)
	}
	if !cur.ManualReview {
		t.Fatalf("expected manual review flag")
	}
	if cur.Payment.Status != PaymentAuthorized {
		t.Fatalf("review must leave the authorization held, got %s", cur.Payment.Status)
	}

	// The late conference-end webhook for the same death is absorbed:
	// no state change, no second settlement.
	if err := f.engine.Apply(context.Background(), s.ID, ConferenceEndedEvent{DurationSeconds: 60, At: now.Add(70 * time.Second)}); err != nil {
		t.Fatalf("late conference end: %v", err)
	}
	if got := f.audit.ByType(audit.EventTypeCaptureDecision); len(got) != 1 {
		t.Fatalf("expected exactly 1 capture decision, got %d", len(got))
	}
}

func TestEngine_ShortBridgedCallCancelsPayment(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now.Add(2 * time.Second)})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now.Add(3 * time.Second)})

	// Client leaves 45s into the bridge: too short to count as service, the
	// authorization is released without operator involvement.
	f.apply(t, s.ID, ConferenceEndedEvent{DurationSeconds: 45, At: now.Add(48 * time.Second)})

	cur := f.get(t, s.ID)
	if cur.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", cur.Status)
	}
	if cur.Payment.Status != PaymentCanceled {
		t.Fatalf("expected canceled payment, got %s", cur.Payment.Status)
	}
	if cur.ManualReview {
		t.Fatalf("45s bridge must not be held for review")
	}
	if len(f.authority.Cancels) != 1 || len(f.authority.Captures) != 0 {
		t.Fatalf("unexpected authority calls: cancels=%v captures=%v", f.authority.Cancels, f.authority.Captures)
	}
}

func TestEngine_DialErrorFailsSession(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()
	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})

	// Client dial blows up at the provider API.
	f.provider.DialErr = errors.New("twilio 500")
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})

	cur := f.get(t, s.ID)
	if cur.Status != StatusFailed {
		t.Fatalf("expected failed after dial error, got %s", cur.Status)
	}
	if cur.FailReason != FailReasonDialError {
		t.Fatalf("expected dial_error, got %q", cur.FailReason)
	}
	if cur.Payment.Status != PaymentCanceled {
		t.Fatalf("expected canceled payment, got %s", cur.Payment.Status)
	}
}

func TestEngine_CaptureFailureHoldsForReview(t *testing.T) {
	f := newEngineFixture(t)
	f.authority.CaptureErr = errors.New("authority unavailable")
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now})
	f.apply(t, s.ID, ConferenceEndedEvent{DurationSeconds: 300, At: now.Add(300 * time.Second)})

	cur := f.get(t, s.ID)
	if cur.Payment.Status != PaymentAuthorized {
		t.Fatalf("failed capture must leave authorization held, got %s", cur.Payment.Status)
	}
	if !cur.ManualReview {
		t.Fatalf("failed capture must flag manual review")
	}
	if got := f.audit.ByType(audit.EventTypePaymentFailed); len(got) != 1 {
		t.Fatalf("expected payment failure audit event, got %d", len(got))
	}
}

// conflictingStore fails the first N conditional updates with a version
// conflict to exercise the engine's retry loop.
type conflictingStore struct {
	*MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) ConditionalUpdate(ctx context.Context, id string, expectedStatus Status, expectedVersion int64, next Session) error {
	c.mu.Lock()
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return ErrVersionConflict
	}
	return c.MemoryStore.ConditionalUpdate(ctx, id, expectedStatus, expectedVersion, next)
}

func TestEngine_RetriesOnWriteConflict(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), conflicts: 2}
	eng, err := NewEngine(EngineParams{
		Store:     store,
		Authority: &fakeAuthority{},
		Audit:     audit.NewService(audit.NewMemoryRepo()),
	})
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	s := New(NewParams{ProviderPhone: "+1", ClientPhone: "+2", PaymentIntentRef: "pi", AmountMinor: 100, Currency: "USD"}, time.Now())
	if err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := eng.Apply(context.Background(), s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-1"}); err != nil {
		t.Fatalf("apply with 2 conflicts should succeed on 3rd try: %v", err)
	}

	store.mu.Lock()
	store.conflicts = 3
	store.mu.Unlock()
	err = eng.Apply(context.Background(), s.ID, ParticipantRinging{Role: RoleProvider})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification after exhausting retries, got %v", err)
	}
}

func TestEngine_ResolveManualCapture(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now})
	f.apply(t, s.ID, ParticipantDisconnectedEvent{Role: RoleClient, At: now.Add(90 * time.Second)})

	if !f.get(t, s.ID).ManualReview {
		t.Fatalf("precondition: session must be in review")
	}

	if err := f.engine.ResolveManual(context.Background(), s.ID, "ops-1", payment.ActionCapture, 0); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cur := f.get(t, s.ID)
	if cur.Payment.Status != PaymentCaptured {
		t.Fatalf("expected captured, got %s", cur.Payment.Status)
	}

	// Second resolution is rejected.
	err := f.engine.ResolveManual(context.Background(), s.ID, "ops-1", payment.ActionRefund, 0)
	if !errors.Is(err, ErrPaymentAlreadySettled) {
		t.Fatalf("expected ErrPaymentAlreadySettled, got %v", err)
	}
}

func TestEngine_ResolveManualRefundClampsAmount(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)
	now := time.Now().UTC()

	f.apply(t, s.ID, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleProvider, At: now})
	f.apply(t, s.ID, ParticipantConnectedEvent{Role: RoleClient, At: now})
	f.apply(t, s.ID, ConferenceStartedEvent{Ref: "CF-1", At: now})
	f.apply(t, s.ID, ParticipantDisconnectedEvent{Role: RoleClient, At: now.Add(90 * time.Second)})

	// Requested refund exceeds the authorized amount; clamp to full.
	if err := f.engine.ResolveManual(context.Background(), s.ID, "ops-1", payment.ActionRefund, 99999); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(f.authority.Refunds) != 1 || f.authority.Refunds[0] != 5000 {
		t.Fatalf("expected clamped refund of 5000, got %v", f.authority.Refunds)
	}
	if f.get(t, s.ID).Payment.Status != PaymentRefunded {
		t.Fatalf("expected refunded")
	}
}

func TestEngine_ResolveManualRejectsUnflaggedSession(t *testing.T) {
	f := newEngineFixture(t)
	s := f.create(t)

	err := f.engine.ResolveManual(context.Background(), s.ID, "ops-1", payment.ActionCapture, 0)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEngine_UnknownSessionSurfacesNotFound(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.Apply(context.Background(), "nope", CancelRequested{Reason: "x"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
