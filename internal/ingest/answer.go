package ingest

import (
	"net/http"

	"callbridge/internal/session"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AnswerURLs carries the callback endpoints baked into the answer document.
type AnswerURLs struct {
	ConferenceStatusURL string
	RecordingStatusURL  string
}

// HandleAnswer serves the TwiML fetched when a dialed participant picks up.
// The conference is named after the session id so both legs meet in the same
// room and conference callbacks can resolve the session by friendly name.
//
// If the session is no longer dialable by answer time (canceled, expired),
// the callee gets an immediate hangup instead of an empty conference.
func (i *Ingestor) HandleAnswer(urls AnswerURLs) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromGin(c)

		id := c.Query("session_id")
		role := c.Query("role")

		twiml := ""
		s, err := i.Store.Get(c.Request.Context(), id)
		switch {
		case err != nil || s.Status.Terminal():
			log.Warn("answer for non-dialable session", "session_id", id, "err", err)
			twiml, err = telephony.RenderHangup()
		default:
			join := telephony.ConferenceJoin{
				ConferenceName:    s.ID,
				ParticipantLabel:  role,
				StatusCallbackURL: urls.ConferenceStatusURL,
			}
			if role == string(session.RoleClient) {
				// Recording starts when the second leg joins.
				join.RecordingCallbackURL = urls.RecordingStatusURL
			}
			twiml, err = telephony.RenderConferenceJoin(join)
		}
		if err != nil {
			log.Error("twiml render failed", "session_id", id, "err", err)
			c.String(http.StatusInternalServerError, "ERROR")
			return
		}

		c.Header("Content-Type", "application/xml")
		c.String(http.StatusOK, twiml)
	}
}
