package session

import (
	"context"
	"errors"
	"time"
)

// Store is the persistence contract for sessions.
//
// The store is the single source of truth; in-memory scheduler state is a
// disposable cache reconciled against it. ConditionalUpdate must be atomic
// (compare on status+version, then write) so concurrent webhook handlers on
// different replicas cannot interleave lost updates.

var (
	// ErrVersionConflict: the conditional write found a different
	// status/version than expected. Callers re-read and retry.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrPaymentAlreadySettled: a second settlement attempt on a payment that
	// already left authorized. Treated as success by callers.
	ErrPaymentAlreadySettled = errors.New("payment already settled")
)

type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	GetByConferenceRef(ctx context.Context, ref string) (Session, error)
	GetByCallRef(ctx context.Context, ref string) (Session, error)

	// FindAwaitingParticipant resolves the bootstrap webhook case: the first
	// status callback for a leg arrives before any ref is stored, so we match
	// on the dialed number restricted to sessions awaiting that participant.
	FindAwaitingParticipant(ctx context.Context, phone string, statuses []Status) (Session, error)

	// QueryByStatusIn returns sessions in any of the given statuses, oldest
	// first, capped at limit.
	QueryByStatusIn(ctx context.Context, statuses []Status, limit int) ([]Session, error)

	// ConditionalUpdate writes next only if the stored row still has the
	// expected status and version. next.Version must already be incremented.
	ConditionalUpdate(ctx context.Context, id string, expectedStatus Status, expectedVersion int64, next Session) error

	// SettlePayment moves payment status off authorized exactly once.
	// Terminal sessions accept this write (and only this, the manual-review
	// flag and the recording URL) after freezing.
	SettlePayment(ctx context.Context, id string, next PaymentStatus, capturedAt *time.Time, manualReview bool) error

	// FlagManualReview marks the session for operator reconciliation while
	// the payment stays authorized.
	FlagManualReview(ctx context.Context, id string) error

	// SetRecordingURL attaches the recording once the provider publishes it.
	// Recording callbacks arrive after the session is terminal.
	SetRecordingURL(ctx context.Context, id, url string) error
}
