// Package batch drives a full compression sweep over the media collection:
// list a page, recompress and replace each image, report progress, pause
// when the request quota is used up, and repeat until the listing ends.
//
// A failure on one image is logged and counted and never stops the run.
// A failure to list a page ends the run; the totals gathered so far are
// still reported and returned.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/logging"
	"github.com/Sternrassler/media-compressor/pkg/pagination"
	"github.com/Sternrassler/media-compressor/pkg/ratelimit"
	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Store is the remote media collection.
type Store interface {
	ListPage(ctx context.Context, cursor string, pageSize int) (store.Page, error)
	FetchBytes(ctx context.Context, location string) ([]byte, error)
	ReplaceContent(ctx context.Context, id string, data []byte) error
}

// Transcoder recompresses raw image bytes.
type Transcoder interface {
	Compress(raw []byte, targetDimension, targetQuality int) ([]byte, error)
}

// Reporter receives human-facing progress.
type Reporter interface {
	Progress(batchCount, requestCount int, spaceSaved int64)
	Pausing(d time.Duration)
	// Summary receives the final totals and the error that stopped the run,
	// nil when the whole collection was swept.
	Summary(totals Totals, err error)
}

// Sleeper suspends the run during a rate-limit pause.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// Totals accumulates the byte and item counts of one run.
type Totals struct {
	// OriginalBytes counts every listed image, whether or not it was
	// processed successfully.
	OriginalBytes int64

	// CompressedBytes counts the replaced content of successful images.
	CompressedBytes int64

	Processed int
	Failed    int
	Pages     int
}

// SpaceSaved returns OriginalBytes - CompressedBytes.
func (t Totals) SpaceSaved() int64 {
	return t.OriginalBytes - t.CompressedBytes
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithSleeper replaces the pause implementation.
func WithSleeper(s Sleeper) Option {
	return func(d *Driver) {
		d.sleeper = s
	}
}

// Driver runs compression sweeps.
type Driver struct {
	cfg        Config
	store      Store
	transcoder Transcoder
	reporter   Reporter
	sleeper    Sleeper
	logger     zerolog.Logger
}

// New validates cfg and creates a Driver.
func New(cfg Config, store Store, transcoder Transcoder, reporter Reporter, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || transcoder == nil || reporter == nil {
		return nil, errors.New("batch: store, transcoder and reporter are required")
	}

	d := &Driver{
		cfg:        cfg,
		store:      store,
		transcoder: transcoder,
		reporter:   reporter,
		sleeper:    SleeperFunc(ratelimit.SleepContext),
		logger:     logging.NewLogger(logging.ComponentBatch),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run sweeps the whole collection once and returns the totals.
//
// The summary is reported on every exit path. A list failure returns a
// *ListError; cancellation of ctx returns an error wrapping ctx.Err(). In
// both cases the returned totals cover everything done before the stop.
func (d *Driver) Run(ctx context.Context) (Totals, error) {
	if err := d.cfg.Validate(); err != nil {
		return Totals{}, err
	}

	acc := &accumulator{}
	quota := ratelimit.NewQuotaCounter(d.cfg.RateLimitThreshold)
	walker := pagination.NewWalker(d.store, d.cfg.PageSize, d.cfg.StartCursor)
	start := time.Now()

	d.logger.Info().
		Int("page_size", d.cfg.PageSize).
		Int("rate_limit_threshold", d.cfg.RateLimitThreshold).
		Dur("pause_duration", d.cfg.PauseDuration).
		Int("concurrency", d.cfg.Concurrency).
		Str("start_cursor", d.cfg.StartCursor).
		Msg("Starting compression run")

	for !walker.Done() {
		if err := ctx.Err(); err != nil {
			return d.finish(acc, walker, fmt.Errorf("run cancelled: %w", err))
		}

		cursor := walker.Cursor()
		page, err := walker.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.finish(acc, walker, fmt.Errorf("run cancelled: %w", ctxErr))
			}
			d.logger.Error().
				Err(err).
				Str("cursor", cursor).
				Int("pages_done", walker.Pages()).
				Msg("Failed to list page, aborting run")
			return d.finish(acc, walker, &ListError{Cursor: cursor, Err: err})
		}
		quota.Add(d.cfg.PageSize)
		pagesTotal.Inc()

		if err := d.processPage(ctx, page.Records, acc); err != nil {
			return d.finish(acc, walker, fmt.Errorf("run cancelled: %w", err))
		}

		totals := acc.pageDone()
		d.reporter.Progress(len(page.Records), quota.Units(), totals.SpaceSaved())

		d.logger.Info().
			Str("cursor", cursor).
			Str("next_cursor", page.NextCursor).
			Int("records", len(page.Records)).
			Int("quota_units", quota.Units()).
			Int("processed", totals.Processed).
			Int("failed", totals.Failed).
			Msg("Page complete")

		if quota.Exhausted() {
			d.reporter.Pausing(d.cfg.PauseDuration)
			rateLimitPausesTotal.Inc()

			d.logger.Warn().
				Int("quota_units", quota.Units()).
				Int("threshold", quota.Threshold()).
				Dur("pause", d.cfg.PauseDuration).
				Msg("Rate limit threshold reached, pausing")

			if err := d.sleeper.Sleep(ctx, d.cfg.PauseDuration); err != nil {
				return d.finish(acc, walker, fmt.Errorf("run cancelled during pause: %w", err))
			}
			quota.Reset()
		}
	}

	totals, err := d.finish(acc, walker, nil)
	d.logger.Info().
		Int("processed", totals.Processed).
		Int("failed", totals.Failed).
		Int("pages", totals.Pages).
		Int64("space_saved", totals.SpaceSaved()).
		Dur("duration", time.Since(start)).
		Msg("Compression run complete")
	return totals, err
}

// processPage handles the records of one page. It returns only ctx's error;
// per-image failures are absorbed.
func (d *Driver) processPage(ctx context.Context, records []store.ImageRecord, acc *accumulator) error {
	if d.cfg.Concurrency == 1 {
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.handle(ctx, rec, acc)
		}
		return nil
	}

	// Goroutines never return errors so one failed image cannot cancel
	// its siblings.
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d.handle(ctx, rec, acc)
			return nil
		})
	}
	g.Wait()

	return ctx.Err()
}

func (d *Driver) handle(ctx context.Context, rec store.ImageRecord, acc *accumulator) {
	acc.discovered(rec.Bytes)
	originalBytesTotal.Add(float64(rec.Bytes))

	n, err := d.processItem(ctx, rec)
	if err != nil {
		stage := StageFetch
		var ie *ItemError
		if errors.As(err, &ie) {
			stage = ie.Stage
		}
		imagesFailedTotal.WithLabelValues(string(stage)).Inc()
		acc.failed()

		d.logger.Error().
			Err(err).
			Str("public_id", rec.ID).
			Str("stage", string(stage)).
			Int64("bytes", rec.Bytes).
			Msg("Failed to process image")
		return
	}

	imagesProcessedTotal.Inc()
	compressedBytesTotal.Add(float64(n))
	acc.processed(n)

	d.logger.Debug().
		Str("public_id", rec.ID).
		Int64("original_bytes", rec.Bytes).
		Int("compressed_bytes", n).
		Msg("Image replaced")
}

// processItem fetches, recompresses and replaces one image, returning the
// size of the replacement.
func (d *Driver) processItem(ctx context.Context, rec store.ImageRecord) (int, error) {
	raw, err := d.store.FetchBytes(ctx, rec.URL)
	if err != nil {
		return 0, &ItemError{ID: rec.ID, Stage: StageFetch, Err: err}
	}

	out, err := d.transcoder.Compress(raw, d.cfg.TargetDimension, d.cfg.TargetQuality)
	if err != nil {
		return 0, &ItemError{ID: rec.ID, Stage: StageTranscode, Err: err}
	}

	if err := d.store.ReplaceContent(ctx, rec.ID, out); err != nil {
		return 0, &ItemError{ID: rec.ID, Stage: StageUpload, Err: err}
	}

	return len(out), nil
}

func (d *Driver) finish(acc *accumulator, walker *pagination.Walker, err error) (Totals, error) {
	totals := acc.snapshot()
	d.reporter.Summary(totals, err)

	if err != nil {
		d.logger.Warn().
			Err(err).
			Str("resume_cursor", walker.Cursor()).
			Int("processed", totals.Processed).
			Int("failed", totals.Failed).
			Msg("Compression run stopped early")
	}
	return totals, err
}

// accumulator guards Totals for concurrent page processing.
type accumulator struct {
	mu     sync.Mutex
	totals Totals
}

func (a *accumulator) discovered(n int64) {
	a.mu.Lock()
	a.totals.OriginalBytes += n
	a.mu.Unlock()
}

func (a *accumulator) processed(n int) {
	a.mu.Lock()
	a.totals.CompressedBytes += int64(n)
	a.totals.Processed++
	a.mu.Unlock()
}

func (a *accumulator) failed() {
	a.mu.Lock()
	a.totals.Failed++
	a.mu.Unlock()
}

func (a *accumulator) pageDone() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals.Pages++
	return a.totals
}

func (a *accumulator) snapshot() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}
