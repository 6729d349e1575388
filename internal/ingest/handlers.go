package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/session"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Ingestor owns the webhook boundary. Handlers are idempotent and never let
// an internal error escape: telephony providers retry on non-2xx, and a
// redelivery storm is worse than a logged drop. Only an unparseable payload
// is answered with 500.
type Ingestor struct {
	Engine *session.Engine
	Store  session.Store
	Audit  *audit.Service

	// Dedupe short-circuits redeliveries. Optional; nil disables.
	// Returns false when the delivery was already seen.
	Dedupe func(ctx context.Context, key string) bool

	Now func() time.Time
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

func (i *Ingestor) fresh(ctx context.Context, key string) bool {
	if i.Dedupe == nil {
		return true
	}
	return i.Dedupe(ctx, key)
}

// HandleCallStatus ingests call-leg status callbacks.
func (i *Ingestor) HandleCallStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseCallStatus(c.Request)
	if err != nil {
		log.Error("call status parse failed", "err", err)
		c.String(http.StatusInternalServerError, "ERROR")
		return
	}
	ctx := c.Request.Context()

	if !i.fresh(ctx, "call:"+form.CallSid+":"+form.CallStatus) {
		log.Debug("duplicate call status dropped", "call_ref", form.CallSid, "status", form.CallStatus)
		c.String(http.StatusOK, "OK")
		return
	}

	s, role, ok := resolveByCall(ctx, i.Store, form.CallSid, form.To)
	if !ok {
		// Best-effort resolution: late callbacks for purged sessions land here.
		log.Warn("call status for unknown session", "call_ref", form.CallSid, "to", form.To, "status", form.CallStatus)
		c.String(http.StatusOK, "OK")
		return
	}

	ev := MapCallStatus(form, role, i.Engine.Machine().MinCaptureSeconds, i.now())
	i.apply(ctx, log, s.ID, ev)
	c.String(http.StatusOK, "OK")
}

// HandleConferenceStatus ingests conference callbacks.
func (i *Ingestor) HandleConferenceStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseConferenceStatus(c.Request)
	if err != nil {
		log.Error("conference status parse failed", "err", err)
		c.String(http.StatusInternalServerError, "ERROR")
		return
	}
	ctx := c.Request.Context()

	if !i.fresh(ctx, "conf:"+form.ConferenceSid+":"+form.Event+":"+form.CallSid) {
		log.Debug("duplicate conference status dropped", "conference_ref", form.ConferenceSid, "event", form.Event)
		c.String(http.StatusOK, "OK")
		return
	}

	s, ok := resolveByConference(ctx, i.Store, form.ConferenceSid, form.CallSid, form.FriendlyName)
	if !ok {
		log.Warn("conference status for unknown session", "conference_ref", form.ConferenceSid, "event", form.Event)
		c.String(http.StatusOK, "OK")
		return
	}

	if AuditOnlyConferenceEvent(form.Event) {
		if err := i.Audit.LogConferenceControl(ctx, s.ID, form.ConferenceSid, form.CallSid, form.Event); err != nil {
			log.Warn("conference control audit failed", "session_id", s.ID, "err", err)
		}
		c.String(http.StatusOK, "OK")
		return
	}

	role := roleForLabel(s, form.ParticipantLabel, form.CallSid)
	ev := MapConferenceStatus(form, role, i.now())
	i.apply(ctx, log, s.ID, ev)
	c.String(http.StatusOK, "OK")
}

// HandleRecordingStatus attaches finished recordings to their session.
// Sessions are usually terminal by the time this fires; the write is allowed
// and changes no status.
func (i *Ingestor) HandleRecordingStatus(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := telephony.ParseRecordingStatus(c.Request)
	if err != nil {
		log.Error("recording status parse failed", "err", err)
		c.String(http.StatusInternalServerError, "ERROR")
		return
	}
	ctx := c.Request.Context()

	if form.RecordingStatus != "completed" || form.RecordingURL == "" {
		c.String(http.StatusOK, "OK")
		return
	}

	s, ok := resolveByConference(ctx, i.Store, form.ConferenceSid, form.CallSid, "")
	if !ok {
		log.Warn("recording for unknown session", "recording_ref", form.RecordingSid)
		c.String(http.StatusOK, "OK")
		return
	}

	if err := i.Store.SetRecordingURL(ctx, s.ID, form.RecordingURL); err != nil {
		log.Error("recording url write failed", "session_id", s.ID, "err", err)
	}
	c.String(http.StatusOK, "OK")
}

// apply feeds one event to the engine, downgrading the expected error classes
// to logs: missing sessions and out-of-order events are normal here.
func (i *Ingestor) apply(ctx context.Context, log *slog.Logger, id string, ev session.Event) {
	if ev == nil {
		return
	}
	err := i.Engine.Apply(ctx, id, ev)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrInvalidTransition):
		log.Warn("event ignored", "session_id", id, "event", ev.Kind(), "reason", err.Error())
	default:
		log.Error("event application failed", "session_id", id, "event", ev.Kind(), "err", err)
	}
}
