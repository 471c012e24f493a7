package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for compression runs.
var (
	imagesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressor_images_processed_total",
		Help: "Total number of images recompressed and replaced",
	})

	imagesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compressor_images_failed_total",
		Help: "Total number of images that failed, by pipeline stage",
	}, []string{"stage"})

	originalBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressor_original_bytes_total",
		Help: "Total original bytes of listed images",
	})

	compressedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressor_compressed_bytes_total",
		Help: "Total bytes of replaced images after recompression",
	})

	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressor_pages_total",
		Help: "Total number of pages listed",
	})

	rateLimitPausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compressor_rate_limit_pauses_total",
		Help: "Total number of rate-limit pauses taken",
	})
)
