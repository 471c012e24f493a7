package batch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig matches every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError describes one rejected tunable.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Config holds the tunables of a run.
type Config struct {
	// PageSize is the number of records requested per list call. Every
	// list call consumes PageSize units of quota.
	PageSize int

	// RateLimitThreshold is the number of quota units after which the
	// driver pauses.
	RateLimitThreshold int

	// PauseDuration is how long a rate-limit pause lasts.
	PauseDuration time.Duration

	// TargetDimension bounds both sides of the recompressed image, in pixels.
	TargetDimension int

	// TargetQuality is the JPEG quality, 1..100.
	TargetQuality int

	// Concurrency is the number of records of one page processed at once.
	// 1 processes records strictly in order.
	Concurrency int

	// StartCursor resumes listing from a cursor logged by an earlier run.
	// Empty starts at the beginning of the collection.
	StartCursor string
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		PageSize:           100,
		RateLimitThreshold: 900,
		PauseDuration:      time.Hour,
		TargetDimension:    200,
		TargetQuality:      80,
		Concurrency:        1,
	}
}

// Validate returns a *ConfigError for the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0:
		return &ConfigError{Field: "PageSize", Value: c.PageSize, Reason: "must be positive"}
	case c.RateLimitThreshold <= 0:
		return &ConfigError{Field: "RateLimitThreshold", Value: c.RateLimitThreshold, Reason: "must be positive"}
	case c.PauseDuration < 0:
		return &ConfigError{Field: "PauseDuration", Value: c.PauseDuration, Reason: "must not be negative"}
	case c.TargetDimension <= 0:
		return &ConfigError{Field: "TargetDimension", Value: c.TargetDimension, Reason: "must be positive"}
	case c.TargetQuality < 1 || c.TargetQuality > 100:
		return &ConfigError{Field: "TargetQuality", Value: c.TargetQuality, Reason: "must be in 1..100"}
	case c.Concurrency < 1:
		return &ConfigError{Field: "Concurrency", Value: c.Concurrency, Reason: "must be at least 1"}
	}
	return nil
}
