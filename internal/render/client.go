// Package render dispatches video render jobs to the external GPU
// render service over HTTP.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the render service's submit endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitRequest is the dispatch payload. The service fetches the audio
// itself via the signed URL and reports completion to the webhook.
type SubmitRequest struct {
	Config         json.RawMessage `json:"config"`
	JobID          string          `json:"jobId"`
	AudioSignedURL string          `json:"audioSignedUrl"`
	WebhookURL     string          `json:"webhookUrl"`
	WebhookSecret  string          `json:"webhookSecret"`
}

// SubmitResponse identifies the remote call for later status polling.
type SubmitResponse struct {
	CallID string `json:"call_id"`
	GPU    bool   `json:"gpu"`
}

// Submit POSTs the render job. Non-2xx responses surface the status
// code in the error message so the retry classifier can see 5xx.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("submit render job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render service returned status %d", resp.StatusCode)
	}

	out := &SubmitResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if out.CallID == "" {
		return nil, fmt.Errorf("render service returned no call_id")
	}
	return out, nil
}
