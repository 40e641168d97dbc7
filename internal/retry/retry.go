// Package retry implements transient-aware retry for broker calls that are
// safe to repeat. Order submissions must never go through this package: a
// duplicate submit is worse than a failed one, so those surface immediately.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config bounds one retry loop.
type Config struct {
	MaxRetries     int           // additional attempts after the first call
	InitialBackoff time.Duration // wait before the first retry, doubled each attempt
	MaxBackoff     time.Duration // cap on the doubled wait
}

// DefaultConfig retries three times starting at one second, matching the
// broker's non-order call budget.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do runs fn until it returns nil, classify rejects the error, the attempt
// budget is spent, or ctx ends. classify reports whether an error is worth
// retrying; nil retries every error. The error from the final attempt is
// returned, wrapped with the attempt count when more than one was made.
func Do(ctx context.Context, cfg Config, classify func(error) bool, fn func() error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}

	var lastErr error
	attempts := 0
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("canceled after %d attempts: %w", attempts, lastErr)
			}
			return err
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries || (classify != nil && !classify(err)) {
			break
		}

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return fmt.Errorf("canceled during backoff: %w", lastErr)
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	if attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
	}
	return lastErr
}

// Transient classifies an error by shape when no typed classifier applies.
// Timeouts, connection failures and server-side statuses retry; everything
// else is treated as permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// jitter spreads a delay by up to a quarter of its base value.
func jitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}
