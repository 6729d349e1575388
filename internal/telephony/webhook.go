package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// Form parsers for the three Twilio callback channels. Twilio sends
// application/x-www-form-urlencoded by default. Keep these minimal and
// adapter-only; event interpretation lives in the ingestion layer.

// CallStatusForm captures the call-status callback fields we care about.
type CallStatusForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	CallStatus string
	Direction  string

	// CallDuration is present on completed callbacks, in seconds.
	CallDuration int
}

func ParseCallStatus(r *http.Request) (CallStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return CallStatusForm{}, err
	}
	return CallStatusForm{
		CallSid:      r.PostFormValue("CallSid"),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		Direction:    r.PostFormValue("Direction"),
		CallDuration: formInt(r, "CallDuration"),
	}, nil
}

// ConferenceStatusForm captures the conference-status callback fields.
type ConferenceStatusForm struct {
	ConferenceSid string
	FriendlyName  string

	// Event is the StatusCallbackEvent value: conference-start,
	// conference-end, participant-join, participant-leave,
	// participant-mute, participant-unmute, participant-hold,
	// participant-unhold.
	Event string

	CallSid          string
	ParticipantLabel string

	// Duration is present on conference-end, in seconds.
	Duration int

	// ReasonConferenceEnded is informational (e.g.
	// last-participant-left).
	ReasonConferenceEnded string
}

func ParseConferenceStatus(r *http.Request) (ConferenceStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return ConferenceStatusForm{}, err
	}
	return ConferenceStatusForm{
		ConferenceSid:         r.PostFormValue("ConferenceSid"),
		FriendlyName:          r.PostFormValue("FriendlyName"),
		Event:                 strings.ToLower(strings.TrimSpace(r.PostFormValue("StatusCallbackEvent"))),
		CallSid:               r.PostFormValue("CallSid"),
		ParticipantLabel:      strings.ToLower(strings.TrimSpace(r.PostFormValue("ParticipantLabel"))),
		Duration:              formInt(r, "Duration"),
		ReasonConferenceEnded: r.PostFormValue("ReasonConferenceEnded"),
	}, nil
}

// RecordingStatusForm captures the recording-status callback fields.
type RecordingStatusForm struct {
	RecordingSid    string
	RecordingURL    string
	RecordingStatus string
	ConferenceSid   string
	CallSid         string
	Duration        int
}

func ParseRecordingStatus(r *http.Request) (RecordingStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return RecordingStatusForm{}, err
	}
	return RecordingStatusForm{
		RecordingSid:    r.PostFormValue("RecordingSid"),
		RecordingURL:    r.PostFormValue("RecordingUrl"),
		RecordingStatus: strings.ToLower(strings.TrimSpace(r.PostFormValue("RecordingStatus"))),
		ConferenceSid:   r.PostFormValue("ConferenceSid"),
		CallSid:         r.PostFormValue("CallSid"),
		Duration:        formInt(r, "RecordingDuration"),
	}, nil
}

func formInt(r *http.Request, key string) int {
	v := strings.TrimSpace(r.PostFormValue(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
