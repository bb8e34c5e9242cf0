// Package unsplash is the HTTP client for the Unsplash API.
//
// The client owns retry, backoff, and quota behavior so the extract phase can
// treat the API as a paged record source:
//   - transient failures (HTTP 429, 5xx, network errors) retry with capped
//     exponential backoff plus jitter, honoring Retry-After when present
//   - permanent failures (other 4xx, malformed bodies) fail immediately
//   - the hourly request budget is tracked from X-Ratelimit headers and an
//     exhausted budget suspends the caller until the window resets
package unsplash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"splashelt/internal/config"
	"splashelt/internal/metrics"
	"splashelt/internal/model"
)

// ExternalServiceError reports an unrecoverable API failure: the service was
// unreachable past the retry budget, rate-limited past it, or returned a
// response the client could not use.
type ExternalServiceError struct {
	Endpoint string
	Status   int // last HTTP status, 0 for network-level failures
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("unsplash %s: http %d after %d attempt(s): %v", e.Endpoint, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("unsplash %s: %v (after %d attempt(s))", e.Endpoint, e.Err, e.Attempts)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

var errRateLimited = errors.New("rate limited")

// Client talks to the Unsplash API.
type Client struct {
	cfg   config.Unsplash
	http  *http.Client
	quota *quotaTracker

	// lastRetryAfter holds the Retry-After value from the most recent 429
	// response, consumed by retryDelay. Requests are issued sequentially, so a
	// plain field is sufficient.
	lastRetryAfter time.Duration

	// Seams for deterministic tests. Production uses time.Now, context-aware
	// time.Sleep, and rand.Float64.
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	jitterFrac func() float64
}

// NewClient builds a Client from config. The underlying http.Client reuses
// connections across page fetches.
func NewClient(cfg config.Unsplash) *Client {
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout.Std(),
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
			},
		},
		now:        time.Now,
		sleep:      sleepContext,
		jitterFrac: rand.Float64,
	}
	c.quota = newQuotaTracker(cfg.RateLimitPerHour, c.now, c.sleep)
	return c
}

// ListPhotos fetches one page of photos ordered by orderBy. perPage is capped
// by the configured batch size.
func (c *Client) ListPhotos(ctx context.Context, page, perPage int, orderBy string) ([]model.Photo, error) {
	if perPage > c.cfg.BatchSize {
		perPage = c.cfg.BatchSize
	}

	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("order_by", orderBy)

	var raw []apiPhoto
	if err := c.get(ctx, "photos", params, &raw); err != nil {
		return nil, err
	}

	extractedAt := c.now().UTC()
	photos := make([]model.Photo, 0, len(raw))
	for _, p := range raw {
		photos = append(photos, p.toModel(extractedAt))
	}
	return photos, nil
}

// PhotoStatistics fetches the engagement counters for one photo.
func (c *Client) PhotoStatistics(ctx context.Context, photoID string) (*model.PhotoStats, error) {
	var raw apiStats
	if err := c.get(ctx, "photos/"+photoID+"/statistics", nil, &raw); err != nil {
		return nil, err
	}
	return raw.toModel(), nil
}

// RemainingBudget reports the tracked remaining request budget in the current
// window. The extract phase uses it to stop enrichment early instead of
// stalling mid-batch.
func (c *Client) RemainingBudget() int { return c.quota.remainingBudget() }

// get issues one API request with quota tracking and the retry policy.
//
// Errors:
//   - *ExternalServiceError when the retry budget is exhausted or the failure
//     is permanent.
//   - ctx.Err() when canceled while waiting.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.quota.acquire(ctx); err != nil {
		return err
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			wait := c.retryDelay(attempt-1, lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}

		status, body, err := c.doRequest(ctx, u)
		lastStatus = status

		switch {
		case err != nil:
			// Network-level failure; retryable.
			lastErr = err

		case status == http.StatusOK:
			if derr := json.Unmarshal(body, out); derr != nil {
				// A body we cannot decode will not improve on retry.
				return &ExternalServiceError{
					Endpoint: endpoint,
					Status:   status,
					Attempts: attempt,
					Err:      fmt.Errorf("malformed response: %w", derr),
				}
			}
			return nil

		case status == http.StatusTooManyRequests:
			lastErr = errRateLimited

		case status >= 500:
			lastErr = fmt.Errorf("server error: http %d", status)

		default:
			// Permanent client error; no point retrying.
			return &ExternalServiceError{
				Endpoint: endpoint,
				Status:   status,
				Attempts: attempt,
				Err:      fmt.Errorf("http %d: %s", status, truncate(body, 200)),
			}
		}

		log.Printf("unsplash: %s attempt %d/%d failed: %v", endpoint, attempt, c.cfg.MaxRetries, lastErr)
	}

	return &ExternalServiceError{
		Endpoint: endpoint,
		Status:   lastStatus,
		Attempts: c.cfg.MaxRetries,
		Err:      lastErr,
	}
}

// doRequest performs a single attempt and records per-attempt metrics.
func (c *Client) doRequest(ctx context.Context, u string) (status int, body []byte, err error) {
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Client-ID "+c.cfg.AccessKey)
	req.Header.Set("Accept-Version", "v1")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTP("unsplash", 0, err, c.now().Sub(start), -1)
		return 0, nil, err
	}
	defer resp.Body.Close()

	c.observeRateHeaders(resp.Header)
	c.lastRetryAfter = parseRetryAfter(resp.Header)

	body, rerr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	metrics.RecordHTTP("unsplash", resp.StatusCode, rerr, c.now().Sub(start), int64(len(body)))
	if rerr != nil {
		return resp.StatusCode, nil, rerr
	}
	return resp.StatusCode, body, nil
}

// retryDelay computes the wait before retry number attempt (1-based).
// 429 responses with a Retry-After header use the server's value verbatim.
func (c *Client) retryDelay(attempt int, cause error) time.Duration {
	if errors.Is(cause, errRateLimited) && c.lastRetryAfter > 0 {
		return c.lastRetryAfter
	}

	d := c.cfg.BaseDelay.Std() << uint(attempt-1)
	if max := c.cfg.MaxDelay.Std(); d > max {
		d = max
	}

	// Jitter in [0.1, 0.3] of the delay keeps concurrent runs from retrying
	// in lockstep.
	jitter := time.Duration((0.1 + 0.2*c.jitterFrac()) * float64(d))
	return d + jitter
}

func (c *Client) observeRateHeaders(h http.Header) {
	if v := h.Get("X-Ratelimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.quota.observeRemaining(n)
		}
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
