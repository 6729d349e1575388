package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioProvider places calls and controls conferences through the Twilio
// REST API (2010-04-01). No SDK; form-encoded POST with basic auth.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
}

func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    "https://api.twilio.com/2010-04-01",
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	// Account fetch is the cheapest authenticated endpoint.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/Accounts/%s.json", p.baseURL, p.accountSID), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telephony: twilio health check returned %d", resp.StatusCode)
	}
	return nil
}

func (p *TwilioProvider) Dial(ctx context.Context, req DialRequest) (DialResult, error) {
	if req.From == "" || req.To == "" {
		return DialResult{}, errors.New("telephony: from and to are required")
	}
	if req.AnswerURL == "" {
		return DialResult{}, errors.New("telephony: answer url is required")
	}

	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("Url", req.AnswerURL)
	if req.CallbackURL != "" {
		form.Set("StatusCallback", req.CallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}

	var out struct {
		Sid string `json:"sid"`
	}
	if err := p.post(ctx, fmt.Sprintf("/Accounts/%s/Calls.json", p.accountSID), form, &out); err != nil {
		return DialResult{}, err
	}
	if out.Sid == "" {
		return DialResult{}, errors.New("telephony: twilio response missing call sid")
	}
	return DialResult{CallRef: out.Sid}, nil
}

func (p *TwilioProvider) CancelCall(ctx context.Context, callRef string) error {
	if callRef == "" {
		return errors.New("telephony: call ref is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return p.post(ctx, fmt.Sprintf("/Accounts/%s/Calls/%s.json", p.accountSID, callRef), form, nil)
}

func (p *TwilioProvider) EndConference(ctx context.Context, conferenceRef string) error {
	if conferenceRef == "" {
		return errors.New("telephony: conference ref is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return p.post(ctx, fmt.Sprintf("/Accounts/%s/Conferences/%s.json", p.accountSID, conferenceRef), form, nil)
}

func (p *TwilioProvider) MuteParticipant(ctx context.Context, conferenceRef, callRef string, muted bool) error {
	form := url.Values{}
	form.Set("Muted", strconv.FormatBool(muted))
	return p.participantUpdate(ctx, conferenceRef, callRef, form)
}

func (p *TwilioProvider) HoldParticipant(ctx context.Context, conferenceRef, callRef string, held bool) error {
	form := url.Values{}
	form.Set("Hold", strconv.FormatBool(held))
	return p.participantUpdate(ctx, conferenceRef, callRef, form)
}

func (p *TwilioProvider) participantUpdate(ctx context.Context, conferenceRef, callRef string, form url.Values) error {
	if conferenceRef == "" || callRef == "" {
		return errors.New("telephony: conference ref and call ref are required")
	}
	return p.post(ctx,
		fmt.Sprintf("/Accounts/%s/Conferences/%s/Participants/%s.json", p.accountSID, conferenceRef, callRef),
		form, nil)
}

func (p *TwilioProvider) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: twilio returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("telephony: twilio response decode failed: %w", err)
		}
	}
	return nil
}
