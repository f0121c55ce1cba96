// Package genesys connects to Genesys Cloud notifications and forwards the
// mapped call events to the realtime ingest API.
package genesys

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const userAgent = "cx-engine-genesys-connector/1.0"

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client wraps the Genesys REST API with OAuth and a retrying transport.
type Client struct {
	http   *http.Client
	log    zerolog.Logger
	cfg    Config
	tokens *tokenSource
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	return &Client{
		http:   httpClient,
		log:    log,
		cfg:    cfg,
		tokens: newTokenSource(httpClient, cfg, log),
	}
}

type requestOpts struct {
	headers  map[string]string
	query    url.Values
	jsonBody any
	formBody url.Values
	noAuth   bool
	expected []int
}

// request performs one API call with exponential backoff on retryable
// failures. A 401 invalidates the cached token before the next attempt.
func (c *Client) request(ctx context.Context, method, rawURL string, opts requestOpts) ([]byte, error) {
	expected := opts.expected
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		body, status, err := c.doOnce(ctx, method, rawURL, opts)
		if err != nil {
			lastErr = err
			if attempt >= c.cfg.RetryMaxAttempts {
				break
			}
			c.logRetry(method, rawURL, attempt, 0, err)
			if err := c.sleep(ctx, retryDelay(c.cfg.RetryBackoff, attempt)); err != nil {
				return nil, err
			}
			continue
		}

		for _, code := range expected {
			if status == code {
				return body, nil
			}
		}

		if status == http.StatusUnauthorized && !opts.noAuth {
			c.tokens.Invalidate()
		}

		if retryableStatus[status] && attempt < c.cfg.RetryMaxAttempts {
			c.logRetry(method, rawURL, attempt, status, nil)
			if err := c.sleep(ctx, retryDelay(c.cfg.RetryBackoff, attempt)); err != nil {
				return nil, err
			}
			continue
		}

		return nil, fmt.Errorf("genesys request %s %s: status %d: %s",
			method, rawURL, status, responseSnippet(body))
	}

	return nil, fmt.Errorf("genesys request %s %s failed after %d attempts: %w",
		method, rawURL, c.cfg.RetryMaxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, opts requestOpts) ([]byte, int, error) {
	target := rawURL
	if len(opts.query) > 0 {
		target = rawURL + "?" + opts.query.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch {
	case opts.jsonBody != nil:
		data, err := json.Marshal(opts.jsonBody)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	case opts.formBody != nil:
		reader = strings.NewReader(opts.formBody.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !opts.noAuth {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) requestJSON(ctx context.Context, method, rawURL string, opts requestOpts, out any) error {
	body, err := c.request(ctx, method, rawURL, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, rawURL, err)
	}
	return nil
}

func (c *Client) logRetry(method, rawURL string, attempt, status int, err error) {
	ev := c.log.Warn().
		Str("method", method).
		Str("url", rawURL).
		Int("attempt", attempt).
		Int("max_attempts", c.cfg.RetryMaxAttempts)
	if status > 0 {
		ev = ev.Int("status", status)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("genesys http retry")
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay doubles per attempt with +/-20% jitter so clients sharing a
// failure window do not retry in lockstep.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

func responseSnippet(body []byte) string {
	compact := strings.Join(strings.Fields(string(body)), " ")
	if len(compact) <= 240 {
		return compact
	}
	return compact[:237] + "..."
}

// IngestForwarder posts mapped payloads to the realtime ingest API with the
// same retry policy the API client uses.
type IngestForwarder struct {
	http     *http.Client
	log      zerolog.Logger
	url      string
	token    string
	attempts int
	backoff  time.Duration
}

func NewIngestForwarder(ingestURL, token string, timeout time.Duration, attempts int, backoff time.Duration, log zerolog.Logger) *IngestForwarder {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &IngestForwarder{
		http:     &http.Client{Timeout: timeout},
		log:      log,
		url:      ingestURL,
		token:    token,
		attempts: attempts,
		backoff:  backoff,
	}
}

func (f *IngestForwarder) Forward(ctx context.Context, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create ingest request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if f.token != "" {
			req.Header.Set("X-Cloud-Token", f.token)
		}

		resp, err := f.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("ingest status %d: %s", resp.StatusCode, responseSnippet(body))
			if !retryableStatus[resp.StatusCode] {
				return lastErr
			}
		}

		if attempt < f.attempts {
			f.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("ingest forward retry")
			timer := time.NewTimer(retryDelay(f.backoff, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("ingest forward failed after %d attempts: %w", f.attempts, lastErr)
}
