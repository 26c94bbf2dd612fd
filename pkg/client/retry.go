package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stac_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stac_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stac_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass derives the retry configuration for an error
// class from base.
func RetryConfigForErrorClass(errorClass ErrorClass, base RetryConfig) RetryConfig {
	config := base
	switch errorClass {
	case ErrorClassRateLimit:
		// 429 - back off harder
		config.InitialBackoff = base.InitialBackoff * 5
		config.MaxBackoff = base.MaxBackoff * 2
	case ErrorClassNetwork:
		config.InitialBackoff = base.InitialBackoff * 2
	}
	if config.InitialBackoff > config.MaxBackoff {
		config.InitialBackoff = config.MaxBackoff
	}
	return config
}

// retryWithBackoff executes fn with exponential backoff. classify maps each
// failure to an error class, which decides whether and how long to wait.
// Jitter of ±20% is applied; a server Retry-After longer than the backoff
// is honoured up to MaxBackoff.
func retryWithBackoff(ctx context.Context, base RetryConfig, fn func() error, classify func(error) ErrorClass) error {
	if base.MaxAttempts < 1 {
		base.MaxAttempts = 1
	}

	var (
		lastErr    error
		errorClass ErrorClass
	)

	for attempt := 1; attempt <= base.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(errorClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		errorClass = classify(err)

		if !shouldRetry(errorClass) {
			return lastErr
		}

		if attempt >= base.MaxAttempts {
			break
		}

		config := RetryConfigForErrorClass(errorClass, base)
		backoff := backoffFor(config, attempt)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > backoff {
			backoff = apiErr.RetryAfter
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(backoff.Seconds())

		log.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(backoff):
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	log.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", base.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, base.MaxAttempts, lastErr)
}

// backoffFor returns the jittered backoff before attempt+1.
func backoffFor(config RetryConfig, attempt int) time.Duration {
	backoff := config.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
			break
		}
	}
	return time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
}
