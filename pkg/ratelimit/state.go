// Package ratelimit tracks the request budget a STAC API advertises and
// gates requests on it. State is fed from X-RateLimit-Remaining /
// X-RateLimit-Reset headers and from Retry-After on 429 and 503 responses,
// and is kept in Redis so concurrent clients against the same index share
// one view of the budget.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyRemaining      = "stac:rate_limit:remaining"
	RedisKeyResetTimestamp = "stac:rate_limit:reset_timestamp"
	RedisKeyBlockedUntil   = "stac:rate_limit:blocked_until"
	RedisKeyLastUpdate     = "stac:rate_limit:last_update"
)

// UnknownRemaining means the server has not advertised a budget.
const UnknownRemaining = -1

// RemainingThresholdWarning applies throttling when the advertised budget
// falls below this value.
const RemainingThresholdWarning = 5

// State represents the current rate limit state of the STAC API.
type State struct {
	// Remaining is the number of requests left in the current window,
	// or UnknownRemaining.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window resets.
	ResetAt time.Time `json:"reset_at"`

	// BlockedUntil is the end of a Retry-After window, zero if none.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked returns true if requests must not be sent now: a Retry-After
// window is active, or the budget is exhausted before its reset.
func (s *State) IsBlocked() bool {
	now := time.Now()
	if now.Before(s.BlockedUntil) {
		return true
	}
	return s.Remaining == 0 && now.Before(s.ResetAt)
}

// NeedsThrottling returns true if the budget is low but not exhausted.
func (s *State) NeedsThrottling() bool {
	return s.Remaining != UnknownRemaining &&
		s.Remaining < RemainingThresholdWarning &&
		!s.IsBlocked()
}

// TimeUntilReset returns how long until requests may be sent again.
// Returns 0 if nothing is blocking.
func (s *State) TimeUntilReset() time.Duration {
	until := s.ResetAt
	if s.BlockedUntil.After(until) {
		until = s.BlockedUntil
	}
	duration := time.Until(until)
	if duration < 0 {
		return 0
	}
	return duration
}

// IsStale returns true if the state data is older than the given duration.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
