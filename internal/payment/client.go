package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the Payment Authority over its REST API.
//
// The authority exposes intent-scoped actions:
//
//	POST {base}/v1/intents/{ref}/capture
//	POST {base}/v1/intents/{ref}/cancel
//	POST {base}/v1/intents/{ref}/refund   {"amount_minor": n}
//
// Responses are 2xx on success. Bodies are not interpreted beyond errors.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Capture(ctx context.Context, intentRef string) error {
	return c.post(ctx, fmt.Sprintf("/v1/intents/%s/capture", intentRef), nil)
}

func (c *Client) Cancel(ctx context.Context, intentRef string) error {
	return c.post(ctx, fmt.Sprintf("/v1/intents/%s/cancel", intentRef), nil)
}

func (c *Client) Refund(ctx context.Context, intentRef string, amountMinor int64) error {
	body := map[string]any{"amount_minor": amountMinor}
	return c.post(ctx, fmt.Sprintf("/v1/intents/%s/refund", intentRef), body)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActionFailed, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: authority returned %d for %s", ErrActionFailed, resp.StatusCode, path)
	}
	return nil
}
