package scheduler

import (
	"context"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/session"
)

// Run executes the periodic health-check sweep until ctx is canceled.
//
// The sweep is the sole recovery mechanism after a crash/restart: the
// scheduler holds no durable state, so any session whose timer lived only in
// the lost registry is found here and either re-armed or expired.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep reconciles scheduler memory against store truth once.
func (s *Scheduler) Sweep(ctx context.Context) {
	sessions, err := s.store.QueryByStatusIn(ctx, session.ConnectingStatuses, s.cfg.MaxPendingSessions)
	if err != nil {
		s.log.Error("health sweep query failed", "err", err)
		return
	}

	now := s.clock().UTC()
	for _, sess := range sessions {
		age := now.Sub(sess.Metadata.CreatedAt)

		switch {
		case age >= s.cfg.ExpireAfter:
			release, ok := s.tryLock(ctx, sess.ID)
			if !ok {
				continue
			}
			// Never reached active within the window; cancel with no charge.
			s.log.Info("expiring stale session", "session_id", sess.ID, "age", age.String(), "status", string(sess.Status))
			if err := s.audit.Append(ctx, audit.Event{
				Type:      audit.EventTypeSessionExpired,
				SessionID: sess.ID,
				Message:   "session exceeded expiry window before activating",
			}); err != nil {
				s.log.Warn("expiry audit failed", "session_id", sess.ID, "err", err)
			}
			if err := s.Cancel(ctx, sess.ID, "expired"); err != nil {
				s.log.Error("expiry cancel failed", "session_id", sess.ID, "err", err)
			}
			release()

		case age >= s.cfg.StuckAfter && !s.hasTimer(sess.ID):
			release, ok := s.tryLock(ctx, sess.ID)
			if !ok {
				continue
			}
			// Timer lost to a restart: re-arm an immediate sequence. The
			// sequence re-validates status before dialing, so racing a live
			// timer on another replica is safe.
			s.log.Info("re-arming stuck session", "session_id", sess.ID, "age", age.String(), "status", string(sess.Status))
			go func(id string, release func()) {
				defer release()
				if err := s.ExecuteSequence(ctx, id); err != nil {
					s.log.Error("re-armed sequence failed", "session_id", id, "err", err)
				}
			}(sess.ID, release)
		}
	}
}
