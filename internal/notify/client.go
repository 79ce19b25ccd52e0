// Package notify delivers post-call transcripts to an external service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// TranscriptRequest is the payload POSTed to the transcript endpoint.
type TranscriptRequest struct {
	CallSid string `json:"call_sid"`
}

// envelope is the delivery service's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// StatusError is returned when the delivery service answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("notify: delivery error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("notify: delivery returned status %d", e.StatusCode)
}

// Retryable reports whether err is worth retrying: transport failures and
// server errors are, client errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Client is an HTTP client for the transcript delivery service.
type Client struct {
	httpClient *http.Client
	url        string
	token      string
}

// NewClient creates a transcript delivery client. url is the full endpoint;
// token is sent as a bearer credential.
func NewClient(url, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		token:      token,
	}
}

// SendTranscript asks the delivery service to send the transcript of callSid.
func (c *Client) SendTranscript(ctx context.Context, callSid string) error {
	body, err := json.Marshal(TranscriptRequest{CallSid: callSid})
	if err != nil {
		return fmt.Errorf("notify: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("notify: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var env envelope
		if json.Unmarshal(respBody, &env) == nil {
			se.Message = env.Error
		}
		return se
	}

	slog.Debug("transcript delivery accepted", "call_sid", callSid)
	return nil
}

// Configured returns true if the client has a delivery URL.
func (c *Client) Configured() bool {
	return c.url != ""
}
