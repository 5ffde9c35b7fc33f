// Package httpx is the shared remote client: every call carries a deadline,
// 429 responses are honoured by sleeping for the server-indicated interval,
// 5xx responses are retried with exponential backoff, and final failures are
// classified into the envelope taxonomy.
//
// Retries are silent for idempotent reads. Non-GET requests are never retried
// unless the caller supplies an idempotency key the remote honours.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "httpx")

const (
	// DefaultDeadline is the unified remote deadline. Tools override it only
	// where a real reason exists (stream collection windows, model pulls).
	DefaultDeadline = 30 * time.Second

	// maxRetries is the fixed retry budget for 429 and 5xx responses.
	maxRetries = 3

	// maxRetryAfter caps the server-indicated rate-limit sleep.
	maxRetryAfter = 60 * time.Second

	// errBodyExcerpt bounds the upstream body carried in error fields.
	errBodyExcerpt = 500
)

var backoffSchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Client is a retrying HTTP client safe for concurrent use.
type Client struct {
	hc       *http.Client
	deadline time.Duration
	redactor *creds.Redactor
	sleep    func(context.Context, time.Duration) error
}

// New returns a client with pooled transport and the unified deadline.
func New() *Client {
	return &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		deadline: DefaultDeadline,
		sleep:    sleepCtx,
	}
}

// WithHTTPClient replaces the underlying client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.hc = hc
	return c
}

// WithDeadline overrides the per-call deadline.
func (c *Client) WithDeadline(d time.Duration) *Client {
	if d > 0 {
		c.deadline = d
	}
	return c
}

// WithRedactor scrubs secrets from every error message and logged line.
func (c *Client) WithRedactor(r *creds.Redactor) *Client {
	c.redactor = r
	return c
}

// WithSleeper replaces the backoff sleeper, for tests.
func (c *Client) WithSleeper(fn func(context.Context, time.Duration) error) *Client {
	c.sleep = fn
	return c
}

// Request describes one remote call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// IdempotencyKey marks a non-GET request as safely retryable; it is sent
	// as the Idempotency-Key header.
	IdempotencyKey string
}

// Response is the collected remote response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do performs the request with deadline, retry and classification. Responses
// with status < 400 are returned as-is; anything else becomes a classified
// error carrying the upstream status and a body excerpt.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	retryable := req.Method == http.MethodGet || req.Method == http.MethodHead || req.IdempotencyKey != ""

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			lastErr = err
			if !retryable || attempt == maxRetries {
				break
			}
			if err := c.sleep(ctx, backoffSchedule[min(attempt, len(backoffSchedule)-1)]); err != nil {
				break
			}
			continue
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}

		lastErr = c.statusError(req, resp)
		if !retryable || attempt == maxRetries || !retryableStatus(resp.StatusCode) {
			break
		}

		delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
		if resp.StatusCode == http.StatusTooManyRequests {
			delay = retryAfter(resp.Header, delay)
		}
		logger.ContextKV(ctx, xlog.WARNING,
			"url", req.URL,
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"backoff", delay.String())
		if err := c.sleep(ctx, delay); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return nil, envelope.Wrap(envelope.KindTimeout, ctx.Err(), "remote call to %s exceeded the deadline", req.URL)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			hr.Header.Add(k, v)
		}
	}
	if req.IdempotencyKey != "" {
		hr.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, errors.Wrap(err, c.redact("request failed"))
	}
	defer resp.Body.Close()

	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: bs}, nil
}

func (c *Client) statusError(req Request, resp *Response) error {
	excerpt := string(resp.Body)
	if len(excerpt) > errBodyExcerpt {
		excerpt = excerpt[:errBodyExcerpt]
	}
	excerpt = c.redact(excerpt)

	kind := envelope.KindFromStatus(resp.StatusCode)
	e := envelope.New(kind, "upstream returned %d for %s", resp.StatusCode, c.redact(req.URL)).
		WithField("status", resp.StatusCode)
	if excerpt != "" {
		e = e.WithField("upstream_body", excerpt)
	}
	if kind == envelope.KindRateLimit {
		e = e.WithHint("rate limited by the upstream service; retry later")
	}
	return e
}

func (c *Client) redact(s string) string {
	if c.redactor == nil {
		return s
	}
	return c.redactor.Redact(s)
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// retryAfter parses the Retry-After header (delta-seconds form), capped at
// maxRetryAfter.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetJSON fetches the URL and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Header: header})
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

// PostJSON encodes in as the request body and decodes the JSON response.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to encode request body")
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: url, Header: header, Body: body})
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *Client) decode(resp *Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return envelope.Wrap(envelope.KindRemote, err, "unexpected response shape")
	}
	return nil
}
