package payment

import "fmt"

// Decide is the capture decision: a pure function of the call's duration and
// participant history. It never talks to the Payment Authority; the caller
// executes the returned action exactly once, guarded by payment status.
//
// Policy:
// - duration >= MinCaptureSeconds: capture the full authorized amount.
// - shorter, and the dialed party never answered: cancel, no charge.
// - shorter, but both parties were bridged: cancel only when effectively no
//   service was rendered (under MinBillableSeconds); otherwise flag for manual
//   review. Ambiguous short calls are never auto-captured.

type Action string

const (
	ActionCapture      Action = "capture"
	ActionCancel       Action = "cancel"
	ActionManualReview Action = "manual_review"

	// ActionRefund is never produced by Decide; it is an operator resolution
	// for sessions held in manual review.
	ActionRefund Action = "refund"
)

type Policy struct {
	// MinCaptureSeconds is the full-service threshold.
	MinCaptureSeconds int

	// MinBillableSeconds separates "no service rendered" from ambiguous
	// premature hangups.
	MinBillableSeconds int
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.MinCaptureSeconds <= 0 {
		out.MinCaptureSeconds = 120
	}
	if out.MinBillableSeconds <= 0 {
		out.MinBillableSeconds = 60
	}
	return out
}

// Decision carries the action plus a rationale for the audit trail.
type Decision struct {
	Action    Action
	Rationale string
}

func Decide(durationSeconds int, bothConnected, calleeAnswered bool, p Policy) Decision {
	p = p.withDefaults()

	if durationSeconds >= p.MinCaptureSeconds {
		return Decision{
			Action:    ActionCapture,
			Rationale: fmt.Sprintf("duration %ds >= %ds threshold", durationSeconds, p.MinCaptureSeconds),
		}
	}
	if !calleeAnswered && !bothConnected {
		return Decision{
			Action:    ActionCancel,
			Rationale: "callee never answered; no charge",
		}
	}
	if bothConnected && durationSeconds >= p.MinBillableSeconds {
		return Decision{
			Action:    ActionManualReview,
			Rationale: fmt.Sprintf("premature hangup after %ds; ambiguous, held for review", durationSeconds),
		}
	}
	return Decision{
		Action:    ActionCancel,
		Rationale: fmt.Sprintf("duration %ds below billable minimum %ds; no service rendered", durationSeconds, p.MinBillableSeconds),
	}
}
