package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures the retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for generative API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: This uses string matching because the provider SDK does not expose
// typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}

// withRetry runs fn with exponential backoff on transient errors.
// fn reports via its second return whether retrying is still safe: once a
// streamed response has reached the client, a retry would duplicate output,
// so the attempt loop stops regardless of the error.
func (s *Service) withRetry(ctx context.Context, fn func() (err error, retrySafe bool)) error {
	var lastErr error
	delay := s.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= s.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying provider call",
				"attempt", attempt,
				"delay", delay,
				"elapsed", time.Since(start),
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if delay > s.retryConfig.MaxInterval {
				delay = s.retryConfig.MaxInterval
			}
		}

		err, retrySafe := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retrySafe || !retryableError(err) {
			return err
		}
	}

	return fmt.Errorf("all %d retries exhausted: %w", s.retryConfig.MaxRetries, lastErr)
}
