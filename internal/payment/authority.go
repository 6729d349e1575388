package payment

import (
	"context"
	"errors"
)

// Authority is the external payment collaborator. The engine only needs the
// three terminal moves on a pre-authorized charge.
//
// Rules:
// - No payment API calls outside this package's adapters.
// - Callers guarantee at-most-once execution per intent via the session's
//   payment status; the Authority is not assumed to be idempotent.
type Authority interface {
	Capture(ctx context.Context, intentRef string) error
	Cancel(ctx context.Context, intentRef string) error
	Refund(ctx context.Context, intentRef string, amountMinor int64) error
}

// ErrActionFailed wraps any Authority failure. The session keeps its
// authorization and is flagged for manual reconciliation; the error is logged,
// never silently dropped.
var ErrActionFailed = errors.New("payment action failed")
