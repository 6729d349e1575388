package logger

import (
	"context"
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Local and dev runs get a
// human-readable text handler at debug level; everything else logs JSON at
// info so webhook traffic stays greppable in aggregate.
func New(appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var h slog.Handler
	switch appEnv {
	case "local", "dev":
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("service", "callbridge")
}

type ctxKey struct{}

// With stores a logger in context. The HTTP middleware uses this to carry the
// request-scoped logger (with request_id) into the engine and notifiers.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets the request-scoped logger from context. When none is present it
// returns fallback, or slog.Default() when fallback is nil.
func From(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
