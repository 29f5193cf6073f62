// Package transfernet is the HTTP client of the external file-transfer network.
package transfernet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Status is the network-side state of a submission.
type Status struct {
	State string `json:"status"`
	Error string `json:"error,omitempty"`
}

const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateError     = "error"
)

type SubmitRequest struct {
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
}

// Error is a failed exchange with the network. Temporary errors (transport
// failures, 429 and 5xx) may be retried.
type Error struct {
	Op         string
	StatusCode int
	Temporary  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfernet %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfernet %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a retryable network error.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("transfer network url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse transfer network url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base: u,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// SubmitTransfer starts a transfer. The key travels both as the Idempotency-Key
// header and in the body; the network returns the same submission id for a
// repeated key.
func (c *Client) SubmitTransfer(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", req.IdempotencyKey)
	var out submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, c.base.JoinPath("transfers").String(), hdr, body, &out); err != nil {
		return "", err
	}
	if out.SubmissionID == "" {
		return "", &Error{Op: "submit", Err: errors.New("empty submission id")}
	}
	return out.SubmissionID, nil
}

func (c *Client) GetStatus(ctx context.Context, submissionID string) (Status, error) {
	var out Status
	err := c.do(ctx, "status", http.MethodGet, c.base.JoinPath("transfers", submissionID).String(), nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, hdr http.Header, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// a cancelled caller is not a network fault
		return &Error{Op: op, Temporary: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Temporary:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
