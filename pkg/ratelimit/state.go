// Package ratelimit tracks the request quotas of the media service.
//
// Two independent mechanisms live here. QuotaCounter is the local,
// run-scoped counter of list-request units that forces a fixed pause once a
// threshold is reached. Tracker follows the remote quota the service reports
// in its X-FeatureRateLimit-* response headers and gates Admin API calls when
// that quota is nearly used up.
package ratelimit

import (
	"time"
)

// Redis key templates for shared rate limit state, keyed by account.
const (
	RedisKeyLimit          = "media:rate_limit:%s:limit"
	RedisKeyRemaining      = "media:rate_limit:%s:remaining"
	RedisKeyResetTimestamp = "media:rate_limit:%s:reset_timestamp"
	RedisKeyLastUpdate     = "media:rate_limit:%s:last_update"
)

// Thresholds on the remote quota.
const (
	// RemainingThresholdCritical blocks Admin API calls until the window resets.
	RemainingThresholdCritical = 5

	// RemainingThresholdWarning slows calls down to stretch what is left.
	RemainingThresholdWarning = 20

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 50

	// DefaultRemaining is assumed before the service has reported anything.
	DefaultRemaining = 500

	// MaxSharedStateAge is how long a shared observation is trusted. The
	// Admin API quota window is one hour.
	MaxSharedStateAge = time.Hour
)

// RateLimitState is the remote quota as last reported by the media service.
type RateLimitState struct {
	// Limit is the size of the quota window (X-FeatureRateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of calls left in the window
	// (X-FeatureRateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets (X-FeatureRateLimit-Reset).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last refreshed from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if calls must wait for the window to reset.
func (s *RateLimitState) NeedsCriticalBlock() bool {
	return s.Remaining < RemainingThresholdCritical
}

// NeedsThrottling returns true if calls should be slowed down.
func (s *RateLimitState) NeedsThrottling() bool {
	return s.Remaining < RemainingThresholdWarning && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the quota window resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *RateLimitState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingThresholdHealthy
}

func defaultState() *RateLimitState {
	now := time.Now()
	return &RateLimitState{
		Limit:      DefaultRemaining,
		Remaining:  DefaultRemaining,
		ResetAt:    now.Add(time.Hour),
		LastUpdate: now,
		IsHealthy:  true,
	}
}
