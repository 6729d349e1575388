package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/session"
)

// Scheduler turns a pending session into a time-boxed, retried attempt to
// connect provider then client.
//
// Concurrency/idempotency:
// - At most one in-flight timer per session id, keyed in the registry;
//   re-scheduling cancels the prior timer first.
// - The registry is a derived, disposable cache. Losing it (process crash)
//   never corrupts state; the health-check sweep re-arms from store truth.
// - A fired timer and the sweep may race on one session; both re-validate
//   status before acting and treat "already advanced" as success.

var ErrInvalidDelay = errors.New("scheduler: delay out of range")

// LockFunc acquires a short-lived advisory lock for a session id, returning a
// release func. ok=false means another replica holds it and the caller should
// skip rather than race.
type LockFunc func(ctx context.Context, id string) (release func(), ok bool)

type Config struct {
	DefaultDelay  time.Duration
	MaxDelay      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	SweepInterval      time.Duration
	StuckAfter         time.Duration
	ExpireAfter        time.Duration
	MaxPendingSessions int
}

func (c Config) withDefaults() Config {
	out := c
	if out.DefaultDelay <= 0 {
		out.DefaultDelay = 5 * time.Minute
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 10 * time.Minute
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 5 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	if out.StuckAfter <= 0 {
		out.StuckAfter = 15 * time.Minute
	}
	if out.ExpireAfter <= 0 {
		out.ExpireAfter = 30 * time.Minute
	}
	if out.MaxPendingSessions <= 0 {
		out.MaxPendingSessions = 100
	}
	return out
}

type Scheduler struct {
	store  session.Store
	engine *session.Engine
	dial   session.DialFunc
	audit  *audit.Service
	cfg    Config
	log    *slog.Logger

	// clock and sleep are injectable for deterministic tests.
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// lock guards sweep actions across replicas. Optional; nil means act
	// unconditionally (single-replica or test deployments).
	lock LockFunc

	mu       sync.Mutex
	timers   map[string]timerEntry
	timerGen uint64
}

// timerEntry tags each armed timer with a generation so an in-flight callback
// from a replaced timer can be told apart from the current one.
type timerEntry struct {
	t   *time.Timer
	gen uint64
}

func New(store session.Store, engine *session.Engine, dial session.DialFunc, auditSvc *audit.Service, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if engine == nil {
		return nil, errors.New("scheduler: engine is required")
	}
	if dial == nil {
		return nil, errors.New("scheduler: dial func is required")
	}
	if auditSvc == nil {
		return nil, errors.New("scheduler: audit service is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:  store,
		engine: engine,
		dial:   dial,
		audit:  auditSvc,
		cfg:    cfg.withDefaults(),
		log:    log,
		clock:  time.Now,
		sleep:  sleepCtx,
		timers: make(map[string]timerEntry),
	}, nil
}

// SetLock installs a cross-replica advisory lock for sweep actions.
// Must be called before Run.
func (s *Scheduler) SetLock(fn LockFunc) { s.lock = fn }

func (s *Scheduler) tryLock(ctx context.Context, id string) (func(), bool) {
	if s.lock == nil {
		return func() {}, true
	}
	return s.lock(ctx, id)
}

// Schedule arms a one-shot timer that starts the dial sequence.
// Scheduling a non-pending session is an idempotent no-op.
func (s *Scheduler) Schedule(ctx context.Context, id string, delay time.Duration) error {
	if delay < 0 || delay > s.cfg.MaxDelay {
		return fmt.Errorf("%w: %s (max %s)", ErrInvalidDelay, delay, s.cfg.MaxDelay)
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusPending {
		s.log.Info("schedule skipped: session not pending", "session_id", id, "status", string(sess.Status))
		return nil
	}

	if err := s.audit.LogScheduled(ctx, id, delay); err != nil {
		s.log.Warn("schedule audit failed", "session_id", id, "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[id]; ok {
		e.t.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timers[id] = timerEntry{t: time.AfterFunc(delay, func() { s.fire(id, gen) }), gen: gen}
	s.log.Info("dial sequence scheduled", "session_id", id, "delay", delay.String())
	return nil
}

func (s *Scheduler) fire(id string, gen uint64) {
	// Stop on an already-firing timer returns false, so a replacement can
	// land while this callback is in flight. Only the callback that still
	// owns the registry entry may act; a stale one backs off and leaves the
	// newer timer armed.
	if !s.claimTimer(id, gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RetryDelay*time.Duration(s.cfg.RetryAttempts+2)+time.Minute)
	defer cancel()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Warn("timer fired for unknown session", "session_id", id, "err", err)
		return
	}
	if sess.Status != session.StatusPending {
		// Another actor already acted; abort silently.
		return
	}
	if err := s.ExecuteSequence(ctx, id); err != nil {
		s.log.Error("dial sequence failed", "session_id", id, "err", err)
	}
}

// ExecuteSequence attempts to dial the currently awaited participant, with
// progressive backoff between engine-level retries. Webhook-driven no-answer
// redials are the state machine's concern, not this loop's.
func (s *Scheduler) ExecuteSequence(ctx context.Context, id string) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				// Purged or never existed: treated as already terminal.
				s.log.Warn("sequence aborted: session missing", "session_id", id)
				return nil
			}
			return err
		}
		if !sess.Status.Connecting() {
			// Canceled or already advanced while we were waiting.
			return nil
		}

		role := awaitedRole(sess.Status)
		callRef, err := s.dial(ctx, sess, role)
		if err == nil {
			if aerr := s.engine.Apply(ctx, id, session.DialAttempted{Role: role, CallRef: callRef}); aerr != nil {
				s.log.Error("dial attempt transition failed", "session_id", id, "err", aerr)
			}
			return nil
		}

		lastErr = err
		s.log.Warn("provider dial failed",
			"session_id", id,
			"attempt", attempt,
			"max_attempts", s.cfg.RetryAttempts,
			"err", err,
		)
		if attempt < s.cfg.RetryAttempts {
			// Progressive backoff: attempt x base delay.
			if serr := s.sleep(ctx, time.Duration(attempt)*s.cfg.RetryDelay); serr != nil {
				return serr
			}
		}
	}

	reason := "all dial retries exhausted"
	if lastErr != nil {
		reason = fmt.Sprintf("all dial retries exhausted: %v", lastErr)
	}
	if err := s.audit.LogSequenceFailed(ctx, id, reason); err != nil {
		s.log.Warn("sequence failure audit failed", "session_id", id, "err", err)
	}
	if err := s.engine.Apply(ctx, id, session.ParticipantFailedEvent{
		Role:   awaitedRoleOrProvider(ctx, s.store, id),
		Reason: session.FailReasonDialError,
	}); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		return err
	}
	return nil
}

// Cancel clears any pending timer and applies the cancel event. Effective even
// with a dial attempt in flight: the next status check inside the loop aborts.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) error {
	s.removeTimer(id)
	err := s.engine.Apply(ctx, id, session.CancelRequested{Reason: reason})
	if errors.Is(err, session.ErrInvalidTransition) {
		// Already terminal; cancel is idempotent.
		return nil
	}
	return err
}

func (s *Scheduler) claimTimer(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok || e.gen != gen {
		return false
	}
	delete(s.timers, id)
	return true
}

func (s *Scheduler) removeTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.timers[id]; ok {
		e.t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) hasTimer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels all live timers (shutdown path).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.timers {
		e.t.Stop()
		delete(s.timers, id)
	}
}

// awaitedRole picks the participant the session is waiting to connect.
func awaitedRole(st session.Status) session.Role {
	if st == session.StatusClientConnecting {
		return session.RoleClient
	}
	return session.RoleProvider
}

func awaitedRoleOrProvider(ctx context.Context, store session.Store, id string) session.Role {
	sess, err := store.Get(ctx, id)
	if err != nil {
		return session.RoleProvider
	}
	return awaitedRole(sess.Status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
