package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Response headers carrying the remote quota.
const (
	HeaderLimit     = "X-FeatureRateLimit-Limit"
	HeaderRemaining = "X-FeatureRateLimit-Remaining"
	HeaderReset     = "X-FeatureRateLimit-Reset"
)

// ThrottleDelay is the pause applied per call while in the warning band.
const ThrottleDelay = 1 * time.Second

// Prometheus metrics for remote quota tracking.
var (
	mediaQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "media_quota_remaining",
		Help: "Calls remaining in the current media service quota window",
	})

	mediaRateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_rate_limit_blocks_total",
		Help: "Total number of calls held until the quota window reset",
	})

	mediaRateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "media_rate_limit_throttles_total",
		Help: "Total number of calls throttled due to low remaining quota",
	})
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Tracker follows the remote quota and gates calls against it.
//
// State is kept in memory and, when a Redis client is given, mirrored to
// Redis so several compressor processes working on the same account see
// one quota.
type Tracker struct {
	redis   *redis.Client
	account string
	logger  zerolog.Logger
	sleep   SleepFunc

	mu    sync.Mutex
	local *RateLimitState
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, account string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:   redisClient,
		account: account,
		logger:  logger,
		sleep:   SleepContext,
		local:   defaultState(),
	}
}

// SetSleepFunc replaces the wait primitive (for testing).
func (t *Tracker) SetSleepFunc(fn SleepFunc) {
	t.sleep = fn
}

// GetState returns the current remote quota state. With Redis configured it
// prefers the shared state; when Redis is empty or the shared state is older
// than MaxSharedStateAge the local state is returned.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		return t.localState(), nil
	}

	remaining, err := t.redis.Get(ctx, t.key(RedisKeyRemaining)).Int()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No shared rate limit state, using local state")
		return t.localState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remaining: %w", err)
	}

	limit, err := t.redis.Get(ctx, t.key(RedisKeyLimit)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get limit: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, t.key(RedisKeyResetTimestamp)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	var lastUpdate time.Time
	lastUpdateStr, err := t.redis.Get(ctx, t.key(RedisKeyLastUpdate)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	if state.IsStale(MaxSharedStateAge) {
		t.logger.Debug().
			Time("last_update", lastUpdate).
			Msg("Shared rate limit state is stale, using local state")
		return t.localState(), nil
	}

	return state, nil
}

// UpdateFromHeaders parses the quota headers of a response and records them.
// Responses without quota headers (delivery URLs, uploads) are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remaining, err := strconv.Atoi(strings.TrimSpace(remainStr))
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	limit := 0
	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		limit, err = strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	now := time.Now()
	resetAt, err := parseReset(headers.Get(HeaderReset), now)
	if err != nil {
		return err
	}

	state := &RateLimitState{
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		LastUpdate: now,
	}
	state.UpdateHealth()

	t.mu.Lock()
	t.local = state
	t.mu.Unlock()

	mediaQuotaRemaining.Set(float64(remaining))

	if t.redis != nil {
		if err := t.store(ctx, state); err != nil {
			return err
		}
	}

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("Media quota CRITICAL - calls will wait for reset")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remaining).
			Time("reset_at", state.ResetAt).
			Msg("Media quota WARNING - calls will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remaining).
			Int("limit", limit).
			Time("reset_at", state.ResetAt).
			Msg("Media quota state updated")
	}

	return nil
}

// Wait blocks until a call may be issued. In the critical band it waits for
// the window to reset; in the warning band it applies ThrottleDelay.
// It returns early with the context error if ctx is cancelled.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Shared rate limit state unavailable, using local state")
		state = t.localState()
	}

	if state.NeedsCriticalBlock() {
		wait := state.TimeUntilReset()
		if wait == 0 {
			return nil
		}

		t.logger.Warn().
			Int("remaining", state.Remaining).
			Dur("wait_duration", wait).
			Msg("Media quota critical - waiting for reset")

		mediaRateLimitBlocksTotal.Inc()
		return t.sleep(ctx, wait)
	}

	if state.NeedsThrottling() {
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Msg("Media quota low - throttling call")

		mediaRateLimitThrottlesTotal.Inc()
		return t.sleep(ctx, ThrottleDelay)
	}

	return nil
}

func (t *Tracker) store(ctx context.Context, state *RateLimitState) error {
	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	// Keys expire with the window so a stale critical state cannot outlive it.
	ttl := state.TimeUntilReset() + time.Minute

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, t.key(RedisKeyLimit), state.Limit, ttl)
	pipe.Set(ctx, t.key(RedisKeyRemaining), state.Remaining, ttl)
	pipe.Set(ctx, t.key(RedisKeyResetTimestamp), state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, t.key(RedisKeyLastUpdate), lastUpdateJSON, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

func (t *Tracker) localState() *RateLimitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := *t.local
	return &s
}

func (t *Tracker) key(template string) string {
	return fmt.Sprintf(template, t.account)
}

// parseReset accepts either an HTTP date or a number of seconds until reset.
func parseReset(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return now.Add(time.Hour), nil
	}
	if ts, err := http.ParseTime(value); err == nil {
		return ts, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s header %q: %w", HeaderReset, value, err)
	}
	return now.Add(time.Duration(secs) * time.Second), nil
}

// SleepContext waits for d, returning ctx.Err() if ctx is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
