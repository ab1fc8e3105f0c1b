package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 1 * time.Second
	DefaultMaxBackoff      = 60 * time.Second
	RetryAfterBuffer       = 2 * time.Second
	RetryAfterFreshness    = 5 * time.Second
	significantThrottleGap = 10 * time.Millisecond
)

var retryAfterPattern = regexp.MustCompile(`retry after (\d+) seconds?`)

// RetryAfterSource exposes the last Retry-After value seen on the wire.
type RetryAfterSource interface {
	LastRetryAfter() (time.Duration, time.Time)
	ClearRetryAfter()
}

// RateLimitStats counts how often requests were delayed.
type RateLimitStats struct {
	ThrottleCount     int           `json:"throttle_count"`
	ThrottleWait      time.Duration `json:"throttle_wait"`
	RateLimitHits     int           `json:"rate_limit_hits"`
	RetryCount        int           `json:"retry_count"`
	RetrySuccessCount int           `json:"retry_success_count"`
}

// RateLimitedModel throttles an llms.Model by requests and estimated tokens
// per minute, and optionally retries 429 responses. Throttling is based on
// estimates, so a provider may still reject a request.
type RateLimitedModel struct {
	wrapped    llms.Model
	tpm        *rate.Limiter
	rpm        *rate.Limiter
	modelName  string
	retryOn429 bool
	maxRetries int
	retryAfter RetryAfterSource
	sleep      func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats RateLimitStats
}

func NewRateLimitedModel(wrapped llms.Model, limits model.RateLimitConfig, retry model.RetryConfig, modelName string) *RateLimitedModel {
	maxRetries := retry.MaxRetries
	if retry.RetryOn429 && maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	rl := &RateLimitedModel{
		wrapped:    wrapped,
		modelName:  modelName,
		retryOn429: retry.RetryOn429,
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
	// Burst is a full minute's allowance.
	if limits.TPM > 0 {
		rl.tpm = rate.NewLimiter(rate.Limit(float64(limits.TPM)/60.0), limits.TPM)
	}
	if limits.RPM > 0 {
		rl.rpm = rate.NewLimiter(rate.Limit(float64(limits.RPM)/60.0), limits.RPM)
	}
	return rl
}

func (rl *RateLimitedModel) SetRetryAfterSource(src RetryAfterSource) {
	rl.retryAfter = src
}

func (rl *RateLimitedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := rl.throttle(ctx, messages); err != nil {
		return nil, err
	}

	resp, err := rl.wrapped.GenerateContent(ctx, messages, options...)
	if err == nil || !IsRateLimitError(err) {
		return resp, err
	}
	rl.record(func(s *RateLimitStats) { s.RateLimitHits++ })
	if !rl.retryOn429 {
		return nil, err
	}

	backoff := DefaultInitialBackoff
	for attempt := 1; attempt <= rl.maxRetries; attempt++ {
		wait := rl.retryDelay(err)
		if wait == 0 {
			wait = backoff
			backoff *= 2
		}
		if wait > DefaultMaxBackoff {
			wait = DefaultMaxBackoff
		}

		logger.Logger.Warn("429 rate limit hit, retrying",
			"attempt", attempt,
			"max_retries", rl.maxRetries,
			"wait", wait,
			"error", err)
		if sleepErr := rl.sleep(ctx, wait); sleepErr != nil {
			return nil, sleepErr
		}
		rl.record(func(s *RateLimitStats) { s.RetryCount++ })

		resp, err = rl.wrapped.GenerateContent(ctx, messages, options...)
		if err == nil {
			rl.record(func(s *RateLimitStats) { s.RetrySuccessCount++ })
			return resp, nil
		}
		if !IsRateLimitError(err) {
			return nil, err
		}
		rl.record(func(s *RateLimitStats) { s.RateLimitHits++ })
	}

	logger.Logger.Error("429 retries exhausted", "max_retries", rl.maxRetries, "error", err)
	return nil, err
}

func (rl *RateLimitedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, rl, prompt, options...)
}

func (rl *RateLimitedModel) throttle(ctx context.Context, messages []llms.MessageContent) error {
	start := time.Now()
	if rl.rpm != nil {
		if err := rl.rpm.Wait(ctx); err != nil {
			return err
		}
	}
	if rl.tpm != nil {
		tokens := rl.estimateTokens(messages)
		if tokens > rl.tpm.Burst() {
			tokens = rl.tpm.Burst()
		}
		if tokens > 0 {
			if err := rl.tpm.WaitN(ctx, tokens); err != nil {
				return err
			}
		}
	}
	if waited := time.Since(start); waited > significantThrottleGap {
		rl.record(func(s *RateLimitStats) {
			s.ThrottleCount++
			s.ThrottleWait += waited
		})
		logger.Logger.Debug("Request throttled", "wait", waited)
	}
	return nil
}

// retryDelay prefers a fresh Retry-After header, then a delay quoted in the
// error text.
func (rl *RateLimitedModel) retryDelay(err error) time.Duration {
	if rl.retryAfter != nil {
		if d, at := rl.retryAfter.LastRetryAfter(); d > 0 && time.Since(at) < RetryAfterFreshness {
			rl.retryAfter.ClearRetryAfter()
			return d + RetryAfterBuffer
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		if seconds, convErr := strconv.Atoi(m[1]); convErr == nil && seconds > 0 {
			return time.Duration(seconds)*time.Second + RetryAfterBuffer
		}
	}
	return 0
}

// estimateTokens counts prompt tokens with tiktoken when the model is known to
// it, otherwise with four characters per token.
func (rl *RateLimitedModel) estimateTokens(messages []llms.MessageContent) int {
	var texts []string
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if tc, ok := part.(llms.TextContent); ok {
				texts = append(texts, tc.Text)
			}
		}
	}
	joined := strings.Join(texts, "\n")
	if joined == "" {
		return 0
	}
	if rl.modelName != "" {
		if enc, err := tiktoken.EncodingForModel(rl.modelName); err == nil {
			return len(enc.Encode(joined, nil, nil))
		}
	}
	return max(len(joined)/4, 1)
}

func (rl *RateLimitedModel) record(update func(*RateLimitStats)) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	update(&rl.stats)
}

func (rl *RateLimitedModel) Stats() RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}

func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

func NeedsWrapper(limits model.RateLimitConfig, retry model.RetryConfig) bool {
	return limits.TPM > 0 || limits.RPM > 0 || retry.RetryOn429
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
