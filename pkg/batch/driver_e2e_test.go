package batch_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/media-compressor/internal/testutil"
	"github.com/Sternrassler/media-compressor/pkg/batch"
	"github.com/Sternrassler/media-compressor/pkg/report"
	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/Sternrassler/media-compressor/pkg/transcode"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type e2e struct {
	mock   *testutil.MockMediaService
	client *store.Client
	out    *bytes.Buffer
	pauses []time.Duration
}

func newE2E(t *testing.T) *e2e {
	t.Helper()

	mock := testutil.NewMockMediaService()
	t.Cleanup(mock.Close)

	cfg := store.DefaultConfig(testutil.CloudName, testutil.APIKey, testutil.APISecret)
	cfg.BaseURL = mock.URL()
	client, err := store.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &e2e{mock: mock, client: client, out: &bytes.Buffer{}}
}

func (e *e2e) run(t *testing.T, cfg batch.Config) (batch.Totals, error) {
	t.Helper()

	sleeper := batch.SleeperFunc(func(ctx context.Context, d time.Duration) error {
		e.pauses = append(e.pauses, d)
		return nil
	})
	d, err := batch.New(cfg, e.client, transcode.New(), report.New(e.out),
		batch.WithLogger(zerolog.New(os.Stderr).Level(zerolog.Disabled)),
		batch.WithSleeper(sleeper))
	require.NoError(t, err)

	return d.Run(context.Background())
}

func TestRun_EndToEnd(t *testing.T) {
	e := newE2E(t)

	var original int64
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		data := pngImage(t, 640, 480)
		original += int64(len(data))
		e.mock.AddImage("samples/"+id, data)
	}

	cfg := batch.DefaultConfig()
	cfg.PageSize = 2
	cfg.RateLimitThreshold = 4

	totals, err := e.run(t, cfg)
	require.NoError(t, err)

	assert.Equal(t, 5, totals.Processed)
	assert.Zero(t, totals.Failed)
	assert.Equal(t, original, totals.OriginalBytes)
	assert.Equal(t, 3, e.mock.GetListCount())
	assert.Equal(t, 5, e.mock.GetUploadCount())
	assert.Equal(t, []time.Duration{time.Hour}, e.pauses)

	var compressed int64
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		data := e.mock.Image("samples/" + id)
		compressed += int64(len(data))

		img, err := jpeg.Decode(bytes.NewReader(data))
		require.NoError(t, err, "replaced content of %s is not a JPEG", id)
		assert.Equal(t, 200, img.Bounds().Dx())
		assert.Equal(t, 150, img.Bounds().Dy())
	}
	assert.Equal(t, compressed, totals.CompressedBytes)
	assert.Positive(t, totals.SpaceSaved())

	out := e.out.String()
	assert.Contains(t, out, "Processed 2 images in batch 2.\n")
	assert.Contains(t, out, "Processed 2 images in batch 4.\n")
	assert.Contains(t, out, "Approaching rate limit, pausing for an hour...\n")
	assert.Contains(t, out, "Processed 1 images in batch 2.\n")
	assert.Contains(t, out, "All images processed\n")
	assert.Contains(t, out, "Size of images now: "+report.MB(compressed)+" MB\n")
}

func TestRun_SecondRunSeesCompressedSizes(t *testing.T) {
	e := newE2E(t)
	e.mock.AddImage("one", pngImage(t, 300, 300))
	e.mock.AddImage("two", pngImage(t, 800, 200))

	cfg := batch.DefaultConfig()

	first, err := e.run(t, cfg)
	require.NoError(t, err)

	second, err := e.run(t, cfg)
	require.NoError(t, err)

	assert.Zero(t, second.Failed)
	assert.Equal(t, 2, second.Processed)
	assert.Equal(t, first.CompressedBytes, second.OriginalBytes)
	assert.InDelta(t, second.OriginalBytes, second.CompressedBytes, float64(second.OriginalBytes)/5,
		"recompressing an already small JPEG should be close to a no-op")
}

func TestRun_EndToEndFailures(t *testing.T) {
	e := newE2E(t)
	e.mock.AddImage("good", pngImage(t, 400, 400))
	e.mock.AddImage("deleted", pngImage(t, 400, 400))
	e.mock.AddImage("corrupt", []byte("this is not an image"))
	e.mock.AddImage("flaky", pngImage(t, 400, 400))
	e.mock.RemoveImage("deleted")
	e.mock.FailUploads("flaky", 1)

	totals, err := e.run(t, batch.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, totals.Processed)
	assert.Equal(t, 3, totals.Failed)
	assert.Equal(t, 1, e.mock.GetUploadCount())
	assert.Equal(t, []byte("this is not an image"), e.mock.Image("corrupt"))
}

func TestRun_EndToEndListFailure(t *testing.T) {
	e := newE2E(t)
	e.mock.AddImage("a", pngImage(t, 10, 10))
	e.mock.SetListStatus(503)

	totals, err := e.run(t, batch.DefaultConfig())

	var le *batch.ListError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, store.ErrRemoteService)
	assert.Equal(t, batch.Totals{}, totals)
	assert.Contains(t, e.out.String(), "Run stopped early, totals so far\n")
	assert.NotContains(t, e.out.String(), "All images processed")
}
