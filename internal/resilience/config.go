package resilience

import (
	"time"
)

// ConflictRetryConfig returns the retry policy for optimistic writes that
// lose a race. attempts bounds the total tries; the backoff is short since
// the competing writer has already committed.
func ConflictRetryConfig(attempts int, operation string) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 250 * time.Millisecond
	cfg.ShouldRetry = RetryConflicts
	cfg.OnRetry = RetryLogger("store", operation)
	return cfg
}

// WebhookRetryConfig returns the retry policy for alert delivery.
func WebhookRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = 500 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Second
	cfg.OnRetry = RetryLogger("alerter", "webhook")
	return cfg
}

// WebhookBreakerConfig returns the breaker used in front of the webhook sink.
func WebhookBreakerConfig() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.ResetTimeout = 5 * time.Minute
	return cfg
}
