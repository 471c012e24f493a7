package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	mediaRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	mediaRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	mediaRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	// 1 disables retrying.
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns a configuration that never retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backoffFor scales the base backoff by error class.
func backoffFor(cfg RetryConfig, class ErrorClass) time.Duration {
	switch class {
	case ErrorClassRateLimit:
		return cfg.InitialBackoff * 5
	case ErrorClassNetwork:
		return cfg.InitialBackoff * 2
	default:
		return cfg.InitialBackoff
	}
}

// retryWithBackoff runs fn until it succeeds, returns a non-retriable error,
// or MaxAttempts is reached. Backoff is exponential with ±20% jitter and
// honours context cancellation.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var (
		lastErr error
		class   ErrorClass
		backoff time.Duration
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(class)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class = ClassOf(err)

		if !shouldRetry(class) || attempt >= cfg.MaxAttempts {
			break
		}

		if backoff == 0 {
			backoff = backoffFor(cfg, class)
		}

		mediaRetriesTotal.WithLabelValues(string(class)).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		mediaRetryBackoffSeconds.WithLabelValues(string(class)).Observe(jitter.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		if err := ratelimit.SleepContext(ctx, jitter); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	if cfg.MaxAttempts == 1 || !shouldRetry(class) {
		return lastErr
	}

	mediaRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	logger.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
