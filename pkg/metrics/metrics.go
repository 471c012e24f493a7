// Package metrics exposes the compressor's Prometheus metrics over HTTP.
// All metrics are defined in their respective packages (batch, store,
// ratelimit) and registered via promauto with the default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry and Gatherer are the default Prometheus registry the compressor
// registers into and serves from.
var (
	Registry prometheus.Registerer = prometheus.DefaultRegisterer
	Gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
)

// shutdownTimeout bounds how long Serve waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Handler returns the mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	// scrape counters are registered into Registry alongside the run metrics
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(
		Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}),
	))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve listens on addr and serves Handler until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, ln, logger)
}

func serve(ctx context.Context, ln net.Listener, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Run Metrics (pkg/batch):
//   - compressor_images_processed_total (Counter): Images recompressed and replaced
//   - compressor_images_failed_total{stage} (Counter): Failed images by stage (fetch, transcode, upload)
//   - compressor_original_bytes_total (Counter): Original bytes of listed images
//   - compressor_compressed_bytes_total (Counter): Bytes written back after recompression
//   - compressor_pages_total (Counter): Pages listed
//   - compressor_rate_limit_pauses_total (Counter): Rate-limit pauses taken
//
// Remote Quota Metrics (pkg/ratelimit):
//   - media_quota_remaining (Gauge): Calls remaining in the media service quota window
//   - media_rate_limit_blocks_total (Counter): Calls held until the quota window reset
//   - media_rate_limit_throttles_total (Counter): Calls throttled due to low remaining quota
//
// Request Metrics (pkg/store):
//   - media_requests_total{op, status} (Counter): Requests by operation (list, fetch, replace) and HTTP status
//   - media_request_duration_seconds{op} (Histogram): Request duration by operation
//   - media_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, not_found)
//
// Retry Metrics (pkg/store):
//   - media_retries_total{error_class} (Counter): Retry attempts by error class
//   - media_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - media_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Failure Rate
//   sum(rate(compressor_images_failed_total[5m])) /
//   (rate(compressor_images_processed_total[5m]) + sum(rate(compressor_images_failed_total[5m])))
//
//   # Space Saved
//   compressor_original_bytes_total - compressor_compressed_bytes_total
//
//   # Quota Status
//   media_quota_remaining < 20
//
//   # P95 Upload Latency
//   histogram_quantile(0.95, rate(media_request_duration_seconds_bucket{op="replace"}[5m]))
