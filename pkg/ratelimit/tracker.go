package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stac_rate_limit_remaining",
		Help: "Requests remaining in the current STAC API rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stac_rate_limit_blocks_total",
		Help: "Total number of requests blocked by an active rate limit",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stac_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to a low rate limit budget",
	})
)

// DefaultThrottleDelay is the pause applied to requests while throttling.
const DefaultThrottleDelay = 1 * time.Second

// Tracker monitors the STAC API rate limit and gates requests.
type Tracker struct {
	redis         *redis.Client
	logger        zerolog.Logger
	throttleDelay time.Duration
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:         redisClient,
		logger:        logger,
		throttleDelay: DefaultThrottleDelay,
	}
}

// SetThrottleDelay overrides the throttling pause (for testing).
func (t *Tracker) SetThrottleDelay(d time.Duration) {
	t.throttleDelay = d
}

// GetState retrieves the current rate limit state from Redis.
// Returns an unrestricted state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	values, err := t.redis.MGet(ctx,
		RedisKeyRemaining,
		RedisKeyResetTimestamp,
		RedisKeyBlockedUntil,
		RedisKeyLastUpdate,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := &State{Remaining: UnknownRemaining}
	if values[0] == nil && values[2] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis, returning unrestricted state")
		state.LastUpdate = time.Now()
		return state, nil
	}

	if s, ok := values[0].(string); ok {
		if state.Remaining, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("parse remaining: %w", err)
		}
	}
	if state.ResetAt, err = unixValue(values[1]); err != nil {
		return nil, fmt.Errorf("parse reset timestamp: %w", err)
	}
	if state.BlockedUntil, err = unixValue(values[2]); err != nil {
		return nil, fmt.Errorf("parse blocked until: %w", err)
	}
	if state.LastUpdate, err = unixValue(values[3]); err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}

	return state, nil
}

func unixValue(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0), nil
}

// UpdateFromResponse records the rate limit headers of a response in Redis.
// Responses without rate limit information leave the state untouched.
func (t *Tracker) UpdateFromResponse(ctx context.Context, statusCode int, headers http.Header) error {
	now := time.Now()
	pipe := t.redis.TxPipeline()
	updated := false

	if remainStr := firstHeader(headers, "X-RateLimit-Remaining", "RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse rate limit remaining header: %w", err)
		}

		resetAt := now.Add(time.Minute)
		if resetStr := firstHeader(headers, "X-RateLimit-Reset", "RateLimit-Reset"); resetStr != "" {
			if resetAt, err = parseReset(resetStr, now); err != nil {
				return fmt.Errorf("parse rate limit reset header: %w", err)
			}
		}

		pipe.Set(ctx, RedisKeyRemaining, remain, 0)
		pipe.Set(ctx, RedisKeyResetTimestamp, resetAt.Unix(), 0)
		rateLimitRemaining.Set(float64(remain))
		updated = true

		logEvent := t.logger.Debug()
		if remain < RemainingThresholdWarning {
			logEvent = t.logger.Warn()
		}
		logEvent.
			Int("remaining", remain).
			Time("reset_at", resetAt).
			Msg("Rate limit state updated")
	}

	if statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable {
		if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
			blockedUntil, err := ParseRetryAfter(retryAfter, now)
			if err != nil {
				return fmt.Errorf("parse Retry-After header: %w", err)
			}
			pipe.Set(ctx, RedisKeyBlockedUntil, blockedUntil.Unix(), time.Until(blockedUntil)+time.Second)
			updated = true

			t.logger.Warn().
				Int("status", statusCode).
				Time("blocked_until", blockedUntil).
				Msg("STAC API requested backoff")
		}
	}

	if !updated {
		return nil
	}

	pipe.Set(ctx, RedisKeyLastUpdate, now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	return nil
}

// ShouldAllowRequest checks if a request may be sent now.
// Returns false if a rate limit is blocking. Sleeps for the throttle delay
// when the budget is low.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}

	if state.IsBlocked() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("STAC API rate limit active - blocking request")

		rateLimitBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("STAC API rate limit low - throttling request")

		rateLimitThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.throttleDelay):
		}
	}

	return true, nil
}

func firstHeader(headers http.Header, names ...string) string {
	for _, name := range names {
		if v := headers.Get(name); v != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parseReset accepts either seconds until reset or a unix timestamp.
func parseReset(v string, now time.Time) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	// Values beyond a day of seconds are absolute unix timestamps
	if n > 86400 {
		return time.Unix(n, 0), nil
	}
	return now.Add(time.Duration(n) * time.Second), nil
}

// ParseRetryAfter converts a Retry-After value (delay-seconds or an HTTP
// date) into an absolute time.
func ParseRetryAfter(v string, now time.Time) (time.Time, error) {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return time.Time{}, errors.New("negative delay")
		}
		return now.Add(time.Duration(secs) * time.Second), nil
	}
	return http.ParseTime(v)
}
