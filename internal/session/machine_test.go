package session

import (
	"errors"
	"testing"
	"time"
)

func testMachine() Machine {
	return Machine{MaxDialAttempts: 3, MinCaptureSeconds: 120}
}

func pendingSession(t *testing.T) Session {
	t.Helper()
	return New(NewParams{
		ProviderPhone:    "+15550001111",
		ClientPhone:      "+15550002222",
		PaymentIntentRef: "pi_test",
		AmountMinor:      5000,
		Currency:         "USD",
	}, time.Unix(1700000000, 0).UTC())
}

// advance applies one event and fails the test on error.
func advance(t *testing.T, m Machine, s Session, ev Event) Outcome {
	t.Helper()
	out, err := m.Transition(s, ev)
	if err != nil {
		t.Fatalf("transition %s in %s failed: %v", ev.Kind(), s.Status, err)
	}
	return out
}

// activeSession walks a fresh session to active through the normal sequence.
func activeSession(t *testing.T, m Machine) Session {
	t.Helper()
	now := time.Unix(1700000100, 0).UTC()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next
	s = advance(t, m, s, ParticipantRinging{Role: RoleProvider}).Next
	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: now}).Next
	s = advance(t, m, s, DialAttempted{Role: RoleClient, CallRef: "CA-c"}).Next
	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleClient, At: now.Add(10 * time.Second)}).Next
	s = advance(t, m, s, ConferenceStartedEvent{Ref: "CF-1", At: now.Add(11 * time.Second)}).Next
	if s.Status != StatusActive {
		t.Fatalf("expected active, got %s", s.Status)
	}
	return s
}

func TestMachine_HappyPathToCompleted(t *testing.T) {
	m := testMachine()
	s := activeSession(t, m)

	out := advance(t, m, s, ConferenceEndedEvent{DurationSeconds: 300, At: time.Now()})
	if out.Next.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", out.Next.Status)
	}
	settle, ok := findSettle(out.Effects)
	if !ok {
		t.Fatalf("terminal outcome missing settle effect")
	}
	if settle.DurationSeconds != 300 || !settle.BothConnected {
		t.Fatalf("unexpected settle effect: %+v", settle)
	}
}

func TestMachine_ProviderConnectTriggersClientDial(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next
	if s.Status != StatusProviderConnecting {
		t.Fatalf("expected provider_connecting, got %s", s.Status)
	}

	out := advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: time.Now()})
	if out.Next.Status != StatusClientConnecting {
		t.Fatalf("expected client_connecting, got %s", out.Next.Status)
	}
	if !hasDial(out.Effects, RoleClient) {
		t.Fatalf("provider connect must request client dial, effects: %+v", out.Effects)
	}
}

func TestMachine_ActiveRequiresBothConnected(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next
	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: time.Now()}).Next
	s = advance(t, m, s, DialAttempted{Role: RoleClient, CallRef: "CA-c"}).Next
	if s.Status == StatusActive {
		t.Fatalf("active with only one participant connected")
	}
	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleClient, At: time.Now()}).Next
	if s.Status != StatusActive {
		t.Fatalf("expected active after both connected, got %s", s.Status)
	}
}

func TestMachine_ShortConferenceFails(t *testing.T) {
	m := testMachine()
	s := activeSession(t, m)

	out := advance(t, m, s, ConferenceEndedEvent{DurationSeconds: 45, At: time.Now()})
	if out.Next.Status != StatusFailed {
		t.Fatalf("expected failed for short call, got %s", out.Next.Status)
	}
	if out.Next.FailReason != "short_call" {
		t.Fatalf("expected short_call reason, got %q", out.Next.FailReason)
	}
	settle, ok := findSettle(out.Effects)
	if !ok || settle.DurationSeconds != 45 {
		t.Fatalf("settle effect missing or wrong duration: %+v", settle)
	}
}

func TestMachine_PrematureHangupEstimatesDuration(t *testing.T) {
	m := testMachine()
	s := activeSession(t, m)
	start := *s.Conference.StartedAt

	out := advance(t, m, s, ParticipantDisconnectedEvent{Role: RoleClient, At: start.Add(80 * time.Second)})
	if out.Next.Status != StatusFailed || out.Next.FailReason != "premature_hangup" {
		t.Fatalf("expected failed/premature_hangup, got %s/%s", out.Next.Status, out.Next.FailReason)
	}
	settle, ok := findSettle(out.Effects)
	if !ok {
		t.Fatalf("missing settle effect")
	}
	if settle.DurationSeconds != 80 {
		t.Fatalf("expected estimated duration 80, got %d", settle.DurationSeconds)
	}
	if !settle.BothConnected {
		t.Fatalf("both participants had connected")
	}
}

func TestMachine_TerminalAbsorbsEverything(t *testing.T) {
	m := testMachine()
	s := activeSession(t, m)
	s = advance(t, m, s, ConferenceEndedEvent{DurationSeconds: 300, At: time.Now()}).Next

	events := []Event{
		ConferenceEndedEvent{DurationSeconds: 310, At: time.Now()},
		ParticipantDisconnectedEvent{Role: RoleProvider, At: time.Now()},
		CancelRequested{Reason: "late"},
		DialAttempted{Role: RoleProvider, CallRef: "CA-x"},
	}
	for _, ev := range events {
		out, err := m.Transition(s, ev)
		if err != nil {
			t.Fatalf("terminal session returned error for %s: %v", ev.Kind(), err)
		}
		if out.Changed {
			t.Fatalf("terminal session changed by %s", ev.Kind())
		}
		if len(out.Effects) != 0 {
			t.Fatalf("terminal session produced effects for %s", ev.Kind())
		}
	}
}

func TestMachine_DurationNeverDecreases(t *testing.T) {
	m := testMachine()
	s := activeSession(t, m)
	s.Conference.DurationSeconds = 200

	out := advance(t, m, s, ConferenceEndedEvent{DurationSeconds: 150, At: time.Now()})
	if out.Next.Conference.DurationSeconds != 200 {
		t.Fatalf("duration decreased: %d", out.Next.Conference.DurationSeconds)
	}
}

func TestMachine_NoAnswerRetriesThenFails(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)

	for i := 1; i <= m.MaxDialAttempts; i++ {
		out := advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
		s = out.Next
		if s.Provider.RetryCount != i {
			t.Fatalf("attempt %d: retry count %d", i, s.Provider.RetryCount)
		}

		out = advance(t, m, s, ParticipantFailedEvent{Role: RoleProvider, Reason: FailReasonNoAnswer})
		s = out.Next
		if i < m.MaxDialAttempts {
			if !hasDial(out.Effects, RoleProvider) {
				t.Fatalf("attempt %d: expected redial effect", i)
			}
			if s.Status.Terminal() {
				t.Fatalf("attempt %d: terminal too early", i)
			}
		} else {
			if s.Status != StatusFailed {
				t.Fatalf("expected failed after exhausting retries, got %s", s.Status)
			}
			if s.FailReason != FailReasonNoAnswer {
				t.Fatalf("expected no_answer reason, got %q", s.FailReason)
			}
			settle, ok := findSettle(out.Effects)
			if !ok || settle.CalleeAnswered {
				t.Fatalf("expected unanswered settle effect, got %+v", settle)
			}
		}
	}
}

func TestMachine_NonRetryableFailureTerminatesImmediately(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next

	out := advance(t, m, s, ParticipantFailedEvent{Role: RoleProvider, Reason: FailReasonFailed})
	if out.Next.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", out.Next.Status)
	}
	if hasDial(out.Effects, RoleProvider) {
		t.Fatalf("non-retryable failure must not redial")
	}
}

func TestMachine_DialBeyondMaxAttemptsRejected(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s.Provider.RetryCount = m.MaxDialAttempts

	_, err := m.Transition(s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMachine_CancelFromAnyLiveStatus(t *testing.T) {
	m := testMachine()

	s := pendingSession(t)
	out := advance(t, m, s, CancelRequested{Reason: "user_request"})
	if out.Next.Status != StatusCanceled || out.Next.FailReason != "user_request" {
		t.Fatalf("cancel from pending: %s/%s", out.Next.Status, out.Next.FailReason)
	}

	s = activeSession(t, m)
	out = advance(t, m, s, CancelRequested{Reason: "expired"})
	if out.Next.Status != StatusCanceled {
		t.Fatalf("cancel from active: %s", out.Next.Status)
	}
	// Both legs still live: provider teardown must be requested.
	if refs := findCancelRefs(out.Effects); len(refs) != 2 {
		t.Fatalf("expected 2 live call refs, got %v", refs)
	}
}

func TestMachine_DuplicateEventsAreNoOps(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next
	s = advance(t, m, s, ParticipantRinging{Role: RoleProvider}).Next

	out := advance(t, m, s, ParticipantRinging{Role: RoleProvider})
	if out.Changed {
		t.Fatalf("duplicate ringing changed the session")
	}

	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: time.Now()}).Next
	first := *s.Provider.ConnectedAt
	out = advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: time.Now().Add(time.Minute)})
	if out.Changed {
		t.Fatalf("duplicate connect changed the session")
	}
	if !out.Next.Provider.ConnectedAt.Equal(first) {
		t.Fatalf("duplicate connect moved ConnectedAt")
	}
}

func TestMachine_StaleFailureAfterConnectIgnored(t *testing.T) {
	m := testMachine()
	s := pendingSession(t)
	s = advance(t, m, s, DialAttempted{Role: RoleProvider, CallRef: "CA-p"}).Next
	s = advance(t, m, s, ParticipantConnectedEvent{Role: RoleProvider, At: time.Now()}).Next

	out := advance(t, m, s, ParticipantFailedEvent{Role: RoleProvider, Reason: FailReasonNoAnswer})
	if out.Changed {
		t.Fatalf("stale failure after connect changed the session")
	}
}

func findSettle(effects []Effect) (SettlePayment, bool) {
	for _, e := range effects {
		if sp, ok := e.(SettlePayment); ok {
			return sp, true
		}
	}
	return SettlePayment{}, false
}

func hasDial(effects []Effect, role Role) bool {
	for _, e := range effects {
		if d, ok := e.(DialParticipant); ok && d.Role == role {
			return true
		}
	}
	return false
}

func findCancelRefs(effects []Effect) []string {
	for _, e := range effects {
		if c, ok := e.(CancelOutboundCalls); ok {
			return c.CallRefs
		}
	}
	return nil
}
