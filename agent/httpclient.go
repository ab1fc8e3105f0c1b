package agent

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mykhaliev/tool-conformance/logger"
)

const (
	DefaultHTTPTimeout = 60 * time.Second
	retryAfterStale    = 60 * time.Second
)

// RetryAfterHTTPClient records the Retry-After header of 429 responses.
// langchaingo only surfaces the error text, so the header is captured here.
type RetryAfterHTTPClient struct {
	wrapped *http.Client

	mu     sync.RWMutex
	last   time.Duration
	lastAt time.Time
}

func NewRetryAfterHTTPClient(wrapped *http.Client) *RetryAfterHTTPClient {
	if wrapped == nil {
		wrapped = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &RetryAfterHTTPClient{wrapped: wrapped}
}

func (c *RetryAfterHTTPClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.wrapped.Do(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	if d := ParseRetryAfter(resp.Header); d > 0 {
		c.mu.Lock()
		c.last = d
		c.lastAt = time.Now()
		c.mu.Unlock()
		logger.Logger.Debug("Captured Retry-After from 429 response", "retry_after", d)
	}
	return resp, nil
}

func (c *RetryAfterHTTPClient) LastRetryAfter() (time.Duration, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastAt.IsZero() || time.Since(c.lastAt) > retryAfterStale {
		return 0, time.Time{}
	}
	return c.last, c.lastAt
}

func (c *RetryAfterHTTPClient) ClearRetryAfter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = 0
	c.lastAt = time.Time{}
}

// ParseRetryAfter reads retry-after-ms first, then Retry-After as seconds or
// an HTTP date.
func ParseRetryAfter(h http.Header) time.Duration {
	if ms, err := strconv.Atoi(strings.TrimSpace(h.Get("retry-after-ms"))); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	value := strings.TrimSpace(h.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return time.Second
	}
	logger.Logger.Warn("Could not parse Retry-After header", "value", value)
	return 0
}
