// Package stbclient is a Go client for the device-facing settings endpoints. It is what a
// set-top box speaks and what the simulator uses to drive a running server.
package stbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/stbsettings/internal/domain"
	"github.com/pscheid92/stbsettings/internal/platform/correlation"
	"github.com/pscheid92/stbsettings/internal/platform/retry"
)

const defaultTimeout = 10 * time.Second

var DefaultPolicy = retry.Policy{
	MaxAttempts:      5,
	InitialBackoff:   500 * time.Millisecond,
	MaxBackoff:       10 * time.Second,
	ThrottledBackoff: 5 * time.Second,
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Type    string
	Message string
	After   time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap exposes the domain meaning of well-known statuses.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusServiceUnavailable:
		return domain.ErrCapacityExceeded
	default:
		return nil
	}
}

func (e *StatusError) RetryAfter() time.Duration { return e.After }

type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		policy:  DefaultPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Retrying device request", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return c
}

// PollResult mirrors the poll response. Values is only set when Changed.
type PollResult struct {
	Changed  bool
	Revision uint64
	Values   []domain.Parameter
}

// NewSession registers the device's parameters. Only an explicit refusal (full
// or rate limited) is retried; a lost response may already have created a session.
func (c *Client) NewSession(ctx context.Context, params []domain.Parameter) (domain.Identity, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to encode parameters: %w", err)
	}

	return retry.Do(ctx, c.policy, classifyCreate, func() (domain.Identity, error) {
		var id domain.Identity
		err := c.do(ctx, http.MethodPost, "/stb/new-session", nil, body, &id)
		return id, err
	})
}

// Poll asks whether anything changed since revision.
func (c *Client) Poll(ctx context.Context, secret string, revision uint64) (PollResult, error) {
	return retry.Do(ctx, c.policy, classify, func() (PollResult, error) {
		var resp struct {
			Status   string             `json:"status"`
			Revision uint64             `json:"revision"`
			Values   []domain.Parameter `json:"values"`
		}
		if err := c.do(ctx, http.MethodGet, "/stb/poll", deviceQuery(secret, &revision), nil, &resp); err != nil {
			return PollResult{}, err
		}
		return PollResult{Changed: resp.Status == "changed", Revision: resp.Revision, Values: resp.Values}, nil
	})
}

// Acknowledge confirms revision was applied and reports whether the session ended.
func (c *Client) Acknowledge(ctx context.Context, secret string, revision uint64) (bool, uint64, error) {
	var resp struct {
		Status   string `json:"status"`
		Revision uint64 `json:"revision"`
	}
	if err := c.do(ctx, http.MethodPost, "/stb/ack", deviceQuery(secret, &revision), nil, &resp); err != nil {
		return false, 0, err
	}
	return resp.Status == "erased", resp.Revision, nil
}

// EndSession abandons the session regardless of pending edits.
func (c *Client) EndSession(ctx context.Context, secret string) error {
	return c.do(ctx, http.MethodPost, "/stb/del-session", deviceQuery(secret, nil), nil, nil)
}

func deviceQuery(secret string, revision *uint64) url.Values {
	q := url.Values{"sid": {secret}}
	if revision != nil {
		q.Set("revision", strconv.FormatUint(*revision, 10))
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := correlation.ID(ctx); ok {
		req.Header.Set(correlation.Header, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}

	var payload struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&payload); err == nil {
		se.Message = payload.Error
		se.Type = payload.Type
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.After = time.Duration(secs) * time.Second
	}
	return se
}

func classify(err error) retry.Action {
	var se *StatusError
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return retry.Stop
		}
		return retry.Retry
	}

	switch {
	case se.Code == http.StatusServiceUnavailable, se.Code == http.StatusTooManyRequests:
		return retry.After
	case se.Code >= 500:
		return retry.Retry
	default:
		return retry.Stop
	}
}

// classifyCreate retries only answers that prove the server did not create anything.
func classifyCreate(err error) retry.Action {
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusServiceUnavailable || se.Code == http.StatusTooManyRequests) {
		return retry.After
	}
	return retry.Stop
}
