// Command media-compressor recompresses every image in a Cloudinary
// account in place and reports the space saved.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/media-compressor/internal/config"
	"github.com/Sternrassler/media-compressor/pkg/batch"
	"github.com/Sternrassler/media-compressor/pkg/logging"
	"github.com/Sternrassler/media-compressor/pkg/metrics"
	"github.com/Sternrassler/media-compressor/pkg/ratelimit"
	"github.com/Sternrassler/media-compressor/pkg/report"
	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/Sternrassler/media-compressor/pkg/transcode"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

const redisPingTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	// exit codes are derived below instead of calling os.Exit inside Run
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(args)
	if err == nil {
		return 0
	}

	fmt.Fprintln(stderr, err)
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "media-compressor",
		Usage:     "Recompress every stored image in place to save space",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Environment file to load (default: .env if present)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides LOG_LEVEL)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Address for the Prometheus /metrics endpoint (overrides METRICS_ADDR)",
			},
			&cli.StringFlag{
				Name:  "start-cursor",
				Usage: "Resume listing from a cursor logged by an earlier run (overrides START_CURSOR)",
			},
		},
		Action: compress,
	}
}

func compress(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Addr = c.String("metrics-addr")
	}
	if c.IsSet("start-cursor") {
		cfg.Batch.StartCursor = c.String("start-cursor")
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Output = c.App.ErrWriter
	logging.Setup(logCfg)
	logger := logging.NewLogger(logging.ComponentCLI)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to Redis")
		return cli.Exit(fmt.Sprintf("redis: %v", err), 1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info().Msg("Sharing rate limit state through Redis")
	}

	if cfg.Metrics.Addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	tracker := ratelimit.NewTracker(redisClient, cfg.Cloudinary.CloudName, logging.NewLogger(logging.ComponentRateLimit))
	client, err := store.New(cfg.StoreConfig(), tracker)
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
	}
	defer client.Close()

	driver, err := batch.New(cfg.Batch, client, transcode.New(), report.New(c.App.Writer))
	if err != nil {
		return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
	}

	totals, err := driver.Run(ctx)
	if err != nil {
		var le *batch.ListError
		if errors.As(err, &le) {
			return cli.Exit(fmt.Sprintf("Error fetching images: %v (resume with --start-cursor=%q)", err, le.Cursor), 1)
		}
		return cli.Exit(err.Error(), 1)
	}

	if totals.Failed > 0 {
		logger.Warn().Int("failed", totals.Failed).Msg("Some images could not be processed, see errors above")
	}
	fmt.Fprintln(c.App.Writer, "Image compression and upload task completed.")
	return nil
}

// connectRedis returns nil when url is empty.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Addr, err)
	}
	return client, nil
}
