// Package httpclient issues the fire-and-receive JSON POST that a
// Dispatcher sends to a worker endpoint. It never retries at the transport
// layer — retry policy belongs entirely to the Dispatcher — and it
// normalizes every transport-level failure (DNS, connect refused, TLS
// error, timeout) to a synthetic HTTP 500 so the Dispatcher's resolve
// phase only ever has to reason about status codes.
package httpclient

import (
	"bytes"
	"context"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single delivery attempt. It must stay below the
// Dispatcher's lease timeout so a hung worker cannot outlive its own lease.
const DefaultTimeout = 30 * time.Second

// syntheticTransportFailureStatus is returned in place of a real status
// code when the request never produced an HTTP response at all.
const syntheticTransportFailureStatus = 500

// Client posts message bodies to worker endpoints.
type Client struct {
	http *http.Client
}

// New creates a Client with the given per-request timeout. A zero timeout
// falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Deliver POSTs body to endpoint with Content-Type: application/json and
// returns the response status code. Any transport-level failure (including
// context cancellation) is reported as status 500 with a non-nil error so
// callers can log the underlying cause while still treating it as a
// regular delivery failure for retry/DLQ purposes.
func (c *Client) Deliver(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return syntheticTransportFailureStatus, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return syntheticTransportFailureStatus, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}
