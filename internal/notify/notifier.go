package notify

import (
	"context"
	"log/slog"

	"callbridge/pkg/logger"
)

// Notifier is the external message-delivery collaborator. The engine informs
// it of terminal sessions fire-and-forget; template rendering and delivery
// live elsewhere.
type Notifier interface {
	SessionCompleted(ctx context.Context, sessionID string, durationSeconds int) error
	SessionFailed(ctx context.Context, sessionID, reason string) error
	SessionCanceled(ctx context.Context, sessionID, reason string) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) SessionCompleted(ctx context.Context, sessionID string, durationSeconds int) error {
	return nil
}
func (Noop) SessionFailed(ctx context.Context, sessionID, reason string) error   { return nil }
func (Noop) SessionCanceled(ctx context.Context, sessionID, reason string) error { return nil }

// Logging writes notifications to the log; useful until a real transport is
// wired. It prefers the request-scoped logger so notifications triggered by
// a webhook carry that request's id.
type Logging struct {
	Log *slog.Logger
}

func (n Logging) SessionCompleted(ctx context.Context, sessionID string, durationSeconds int) error {
	n.logger(ctx).Info("notify session completed", "session_id", sessionID, "duration_s", durationSeconds)
	return nil
}

func (n Logging) SessionFailed(ctx context.Context, sessionID, reason string) error {
	n.logger(ctx).Info("notify session failed", "session_id", sessionID, "reason", reason)
	return nil
}

func (n Logging) SessionCanceled(ctx context.Context, sessionID, reason string) error {
	n.logger(ctx).Info("notify session canceled", "session_id", sessionID, "reason", reason)
	return nil
}

func (n Logging) logger(ctx context.Context) *slog.Logger {
	return logger.From(ctx, n.Log)
}
