package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Minimal TwiML builder for the answer document that drops a callee into the
// session's conference. Intentionally avoids any provider SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlDial struct {
	XMLName    xml.Name         `xml:"Dial"`
	Conference *twimlConference `xml:"Conference,omitempty"`
}

type twimlConference struct {
	Name                    string `xml:",chardata"`
	StartConferenceOnEnter  bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit     bool   `xml:"endConferenceOnExit,attr"`
	ParticipantLabel        string `xml:"participantLabel,attr,omitempty"`
	StatusCallback          string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent     string `xml:"statusCallbackEvent,attr,omitempty"`
	Record                  string `xml:"record,attr,omitempty"`
	RecordingStatusCallback string `xml:"recordingStatusCallback,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// ConferenceJoin describes the answer document for one leg.
type ConferenceJoin struct {
	// ConferenceName is derived from the session id so both legs meet in the
	// same room.
	ConferenceName   string
	ParticipantLabel string

	// StatusCallbackURL receives conference-status callbacks (start, end,
	// join, leave, mute, hold).
	StatusCallbackURL string

	// RecordingCallbackURL enables recording when set.
	RecordingCallbackURL string
}

// RenderConferenceJoin maps a join request to TwiML.
func RenderConferenceJoin(j ConferenceJoin) (string, error) {
	if j.ConferenceName == "" {
		return "", errors.New("telephony: conference name required")
	}

	conf := &twimlConference{
		Name: j.ConferenceName,
		// Either leg hanging up ends the bridge; the engine settles on the
		// conference-end callback.
		StartConferenceOnEnter: true,
		EndConferenceOnExit:    true,
		ParticipantLabel:       j.ParticipantLabel,
		StatusCallback:         j.StatusCallbackURL,
	}
	if j.StatusCallbackURL != "" {
		conf.StatusCallbackEvent = "start end join leave mute hold"
	}
	if j.RecordingCallbackURL != "" {
		conf.Record = "record-from-start"
		conf.RecordingStatusCallback = j.RecordingCallbackURL
	}

	r := twimlResponse{Verbs: []any{twimlDial{Conference: conf}}}
	return renderTwiML(r)
}

// RenderHangup returns a bare hangup document, used when the session is no
// longer dialable by the time the callee answers.
func RenderHangup() (string, error) {
	return renderTwiML(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
