// Package config loads the compressor configuration from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/batch"
	"github.com/Sternrassler/media-compressor/pkg/logging"
	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyCloudName          = "CLOUDINARY_CLOUD_NAME"
	KeyAPIKey             = "CLOUDINARY_API_KEY"
	KeyAPISecret          = "CLOUDINARY_API_SECRET"
	KeyAPIBase            = "CLOUDINARY_API_BASE"
	KeyPageSize           = "PAGE_SIZE"
	KeyRateLimitThreshold = "RATE_LIMIT_THRESHOLD"
	KeyPauseDuration      = "PAUSE_DURATION"
	KeyTargetDimension    = "TARGET_DIMENSION"
	KeyTargetQuality      = "TARGET_QUALITY"
	KeyConcurrency        = "CONCURRENCY"
	KeyStartCursor        = "START_CURSOR"
	KeyRetryMaxAttempts   = "RETRY_MAX_ATTEMPTS"
	KeyHTTPTimeout        = "HTTP_TIMEOUT"
	KeyRedisURL           = "REDIS_URL"
	KeyMetricsAddr        = "METRICS_ADDR"
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogPretty          = "LOG_PRETTY"
)

// DefaultEnvFile is read when no env file is named. It may be absent.
const DefaultEnvFile = ".env"

// batchFieldKeys maps batch.Config fields to their environment keys.
var batchFieldKeys = map[string]string{
	"PageSize":           KeyPageSize,
	"RateLimitThreshold": KeyRateLimitThreshold,
	"PauseDuration":      KeyPauseDuration,
	"TargetDimension":    KeyTargetDimension,
	"TargetQuality":      KeyTargetQuality,
	"Concurrency":        KeyConcurrency,
}

// ErrMissingCredentials is returned when the account identity is incomplete.
var ErrMissingCredentials = errors.New("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET must be set")

// Config is the full runtime configuration, built once at startup.
type Config struct {
	Cloudinary CloudinaryConfig
	Batch      batch.Config
	HTTP       HTTPConfig
	RedisURL   string
	Metrics    MetricsConfig
	Log        LogConfig
}

// CloudinaryConfig identifies the media account.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	BaseURL   string
}

// HTTPConfig tunes calls to the media service.
type HTTPConfig struct {
	Timeout          time.Duration
	RetryMaxAttempts int
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads envFile (DefaultEnvFile when empty) into the process
// environment without overriding variables already set, then builds the
// configuration from the environment. A missing default file is not an
// error; a missing named file is.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", DefaultEnvFile, err)
		}
	} else if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()

	return FromViper(v)
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	d := batch.DefaultConfig()

	v.SetDefault(KeyAPIBase, store.DefaultBaseURL)
	v.SetDefault(KeyPageSize, d.PageSize)
	v.SetDefault(KeyRateLimitThreshold, d.RateLimitThreshold)
	v.SetDefault(KeyPauseDuration, d.PauseDuration)
	v.SetDefault(KeyTargetDimension, d.TargetDimension)
	v.SetDefault(KeyTargetQuality, d.TargetQuality)
	v.SetDefault(KeyConcurrency, d.Concurrency)
	v.SetDefault(KeyStartCursor, "")
	v.SetDefault(KeyRetryMaxAttempts, 1)
	v.SetDefault(KeyHTTPTimeout, 30*time.Second)
	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogLevel, string(logging.LevelInfo))
	v.SetDefault(KeyLogPretty, false)
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	p := parser{v: v}

	cfg := &Config{
		Cloudinary: CloudinaryConfig{
			CloudName: v.GetString(KeyCloudName),
			APIKey:    v.GetString(KeyAPIKey),
			APISecret: v.GetString(KeyAPISecret),
			BaseURL:   v.GetString(KeyAPIBase),
		},
		Batch: batch.Config{
			PageSize:           p.int(KeyPageSize),
			RateLimitThreshold: p.int(KeyRateLimitThreshold),
			PauseDuration:      p.duration(KeyPauseDuration),
			TargetDimension:    p.int(KeyTargetDimension),
			TargetQuality:      p.int(KeyTargetQuality),
			Concurrency:        p.int(KeyConcurrency),
			StartCursor:        v.GetString(KeyStartCursor),
		},
		HTTP: HTTPConfig{
			Timeout:          p.duration(KeyHTTPTimeout),
			RetryMaxAttempts: p.int(KeyRetryMaxAttempts),
		},
		RedisURL: v.GetString(KeyRedisURL),
		Metrics:  MetricsConfig{Addr: v.GetString(KeyMetricsAddr)},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Pretty: p.bool(KeyLogPretty),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks credentials and tunables.
func (c *Config) Validate() error {
	if c.Cloudinary.CloudName == "" || c.Cloudinary.APIKey == "" || c.Cloudinary.APISecret == "" {
		return ErrMissingCredentials
	}
	if err := c.Batch.Validate(); err != nil {
		var ce *batch.ConfigError
		if errors.As(err, &ce) {
			if key, ok := batchFieldKeys[ce.Field]; ok {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyHTTPTimeout, c.HTTP.Timeout)
	}
	if c.HTTP.RetryMaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyRetryMaxAttempts, c.HTTP.RetryMaxAttempts)
	}
	return nil
}

// StoreConfig returns the media service client configuration.
func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig(c.Cloudinary.CloudName, c.Cloudinary.APIKey, c.Cloudinary.APISecret)
	sc.BaseURL = c.Cloudinary.BaseURL
	sc.Timeout = c.HTTP.Timeout
	sc.Retry.MaxAttempts = c.HTTP.RetryMaxAttempts
	return sc
}

// LoggingConfig returns the logger setup for c.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}

// parser converts raw values strictly, keeping the first error.
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) int(key string) int {
	n, err := cast.ToIntE(p.v.Get(key))
	p.record(key, err)
	return n
}

// duration requires a unit suffix on strings ("90s", "1h"). cast would read
// a bare "3600" as nanoseconds.
func (p *parser) duration(key string) time.Duration {
	raw := p.v.Get(key)
	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		p.record(key, err)
		return d
	}
	d, err := cast.ToDurationE(raw)
	p.record(key, err)
	return d
}

func (p *parser) bool(key string) bool {
	b, err := cast.ToBoolE(p.v.Get(key))
	p.record(key, err)
	return b
}

func (p *parser) record(key string, err error) {
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
}
