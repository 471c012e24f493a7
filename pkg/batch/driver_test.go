package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

// fakeStore serves a fixed collection split into pages of pageSize records.
// Cursors are "page-<n>".
type fakeStore struct {
	mu       sync.Mutex
	pages    []store.Page
	data     map[string][]byte
	fetchErr map[string]error
	replErr  map[string]error
	listErr  map[int]error // keyed by 1-based list call number
	onFetch  func(id string)

	listCursors []string
	replaced    map[string][]byte
	replaceLog  []string
}

type item struct {
	id   string
	size int
}

func newFakeStore(pageSize int, items ...item) *fakeStore {
	s := &fakeStore{
		data:     make(map[string][]byte),
		fetchErr: make(map[string]error),
		replErr:  make(map[string]error),
		listErr:  make(map[int]error),
		replaced: make(map[string][]byte),
	}

	var page store.Page
	for i, it := range items {
		s.data[it.id] = make([]byte, it.size)
		page.Records = append(page.Records, store.ImageRecord{ID: it.id, URL: it.id, Bytes: int64(it.size)})
		if len(page.Records) == pageSize && i < len(items)-1 {
			page.NextCursor = fmt.Sprintf("page-%d", len(s.pages)+1)
			s.pages = append(s.pages, page)
			page = store.Page{}
		}
	}
	s.pages = append(s.pages, page)
	return s
}

func (s *fakeStore) ListPage(ctx context.Context, cursor string, pageSize int) (store.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCursors = append(s.listCursors, cursor)
	if err := s.listErr[len(s.listCursors)]; err != nil {
		return store.Page{}, err
	}

	idx := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "page-%d", &idx); err != nil {
			return store.Page{}, err
		}
	}
	return s.pages[idx], nil
}

func (s *fakeStore) FetchBytes(ctx context.Context, location string) ([]byte, error) {
	if s.onFetch != nil {
		s.onFetch(location)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fetchErr[location]; err != nil {
		return nil, err
	}
	return s.data[location], nil
}

func (s *fakeStore) ReplaceContent(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replErr[id]; err != nil {
		return err
	}
	s.replaced[id] = data
	s.replaceLog = append(s.replaceLog, id)
	return nil
}

func (s *fakeStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listCursors)
}

// ratioTranscoder shrinks input to ratio of its size.
type ratioTranscoder struct {
	ratio float64
	fail  map[int]error // keyed by input size
}

func (r ratioTranscoder) Compress(raw []byte, targetDimension, targetQuality int) ([]byte, error) {
	if err := r.fail[len(raw)]; err != nil {
		return nil, err
	}
	return make([]byte, int(float64(len(raw))*r.ratio)), nil
}

type progressCall struct {
	batchCount   int
	requestCount int
	spaceSaved   int64
}

type recordingReporter struct {
	mu        sync.Mutex
	progress  []progressCall
	pauses    []time.Duration
	summaries []Totals
	stopErrs  []error
}

func (r *recordingReporter) Progress(batchCount, requestCount int, spaceSaved int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, progressCall{batchCount, requestCount, spaceSaved})
}

func (r *recordingReporter) Pausing(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses = append(r.pauses, d)
}

func (r *recordingReporter) Summary(totals Totals, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, totals)
	r.stopErrs = append(r.stopErrs, err)
}

// recordingSleeper records pauses without sleeping.
type recordingSleeper struct {
	durations []time.Duration
	// listCallsAtPause is the store's list call count at each pause.
	listCallsAtPause []int
	store            *fakeStore
	err              error
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	if s.store != nil {
		s.listCallsAtPause = append(s.listCallsAtPause, s.store.listCalls())
	}
	return s.err
}

func testConfig(pageSize int) Config {
	cfg := DefaultConfig()
	cfg.PageSize = pageSize
	cfg.RateLimitThreshold = 1000
	return cfg
}

func newTestDriver(t *testing.T, cfg Config, s *fakeStore, tr Transcoder) (*Driver, *recordingReporter, *recordingSleeper) {
	t.Helper()
	rep := &recordingReporter{}
	sl := &recordingSleeper{store: s}
	d, err := New(cfg, s, tr, rep, WithLogger(quietLogger), WithSleeper(sl))
	require.NoError(t, err)
	return d, rep, sl
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 0

	_, err := New(cfg, newFakeStore(1), ratioTranscoder{}, &recordingReporter{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, ratioTranscoder{}, &recordingReporter{})
	assert.Error(t, err)
}

func TestRun_RevalidatesConfig(t *testing.T) {
	s := newFakeStore(1, item{"a", 10})
	d, rep, _ := newTestDriver(t, testConfig(1), s, ratioTranscoder{ratio: 0.5})
	d.cfg.TargetQuality = 0

	_, err := d.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, s.listCalls())
	assert.Empty(t, rep.summaries)
}

func TestRun_SumInvariants(t *testing.T) {
	items := []item{{"a", 1000}, {"b", 2500}, {"c", 40}, {"d", 9000}, {"e", 120}, {"f", 7}, {"g", 64000}}
	s := newFakeStore(3, items...)
	d, rep, _ := newTestDriver(t, testConfig(3), s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	var wantOriginal, wantCompressed int64
	for _, it := range items {
		wantOriginal += int64(it.size)
		wantCompressed += int64(int(float64(it.size) * 0.5))
	}

	assert.Equal(t, wantOriginal, totals.OriginalBytes)
	assert.Equal(t, wantCompressed, totals.CompressedBytes)
	assert.Equal(t, len(items), totals.Processed)
	assert.Zero(t, totals.Failed)
	assert.Equal(t, 3, totals.Pages)
	assert.Len(t, s.replaced, len(items))
	require.Len(t, rep.summaries, 1)
	assert.Equal(t, totals, rep.summaries[0])
	assert.NoError(t, rep.stopErrs[0])
}

func TestRun_ThreeImageExample(t *testing.T) {
	s := newFakeStore(100, item{"one", 1000000}, item{"two", 500000}, item{"three", 2000000})
	d, rep, _ := newTestDriver(t, testConfig(100), s, ratioTranscoder{ratio: 0.4})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(3500000), totals.OriginalBytes)
	assert.Equal(t, int64(1400000), totals.CompressedBytes)
	assert.Equal(t, int64(2100000), totals.SpaceSaved())
	assert.Equal(t, 3, totals.Processed)

	require.Len(t, rep.progress, 1)
	assert.Equal(t, progressCall{batchCount: 3, requestCount: 100, spaceSaved: 2100000}, rep.progress[0])
}

func TestRun_PaginationTermination(t *testing.T) {
	// 4 pages of 2, 2, 2, 1 records
	s := newFakeStore(2, item{"a", 1}, item{"b", 1}, item{"c", 1}, item{"d", 1},
		item{"e", 1}, item{"f", 1}, item{"g", 1})
	d, rep, _ := newTestDriver(t, testConfig(2), s, ratioTranscoder{ratio: 1})

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "page-1", "page-2", "page-3"}, s.listCursors)
	assert.Len(t, rep.progress, 4)
	assert.Equal(t, 1, rep.progress[3].batchCount)
}

func TestRun_PausesOnceAtThreshold(t *testing.T) {
	cfg := testConfig(2)
	cfg.RateLimitThreshold = 2 * cfg.PageSize
	cfg.PauseDuration = 42 * time.Minute

	s := newFakeStore(2, item{"a", 1}, item{"b", 1}, item{"c", 1}, item{"d", 1}, item{"e", 1})
	d, rep, sl := newTestDriver(t, cfg, s, ratioTranscoder{ratio: 1})

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, s.listCalls())
	assert.Equal(t, []time.Duration{42 * time.Minute}, sl.durations)
	assert.Equal(t, []int{2}, sl.listCallsAtPause, "pause must come before the third list call")
	assert.Equal(t, []time.Duration{42 * time.Minute}, rep.pauses)

	// quota counter after each list call: 2, 4 (pause, reset), 2
	require.Len(t, rep.progress, 3)
	assert.Equal(t, 2, rep.progress[0].requestCount)
	assert.Equal(t, 4, rep.progress[1].requestCount)
	assert.Equal(t, 2, rep.progress[2].requestCount)
}

func TestRun_NoPauseBelowThreshold(t *testing.T) {
	cfg := testConfig(2)
	cfg.RateLimitThreshold = 7

	s := newFakeStore(2, item{"a", 1}, item{"b", 1}, item{"c", 1}, item{"d", 1}, item{"e", 1})
	d, rep, sl := newTestDriver(t, cfg, s, ratioTranscoder{ratio: 1})

	_, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, sl.durations)
	assert.Empty(t, rep.pauses)
}

func TestRun_FailureIsolation(t *testing.T) {
	s := newFakeStore(5, item{"1", 100}, item{"2", 200}, item{"3", 300}, item{"4", 400}, item{"5", 500})
	s.fetchErr["3"] = store.ErrTransport
	d, _, _ := newTestDriver(t, testConfig(5), s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "4", "5"}, s.replaceLog)
	assert.Equal(t, 1, totals.Failed)
	assert.Equal(t, 4, totals.Processed)
	assert.Equal(t, int64(1500), totals.OriginalBytes, "failed items still count toward original bytes")
	assert.Equal(t, int64(600), totals.CompressedBytes)
}

func TestRun_FailureStages(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeStore, *ratioTranscoder)
	}{
		{"fetch not found", func(s *fakeStore, _ *ratioTranscoder) { s.fetchErr["b"] = store.ErrNotFound }},
		{"undecodable", func(_ *fakeStore, tr *ratioTranscoder) { tr.fail[20] = errors.New("not an image") }},
		{"upload rejected", func(s *fakeStore, _ *ratioTranscoder) { s.replErr["b"] = store.ErrRemoteService }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStore(10, item{"a", 10}, item{"b", 20}, item{"c", 30})
			tr := ratioTranscoder{ratio: 0.5, fail: map[int]error{}}
			tt.setup(s, &tr)
			d, _, _ := newTestDriver(t, testConfig(10), s, tr)

			totals, err := d.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, totals.Failed)
			assert.Equal(t, 2, totals.Processed)
			assert.Equal(t, int64(60), totals.OriginalBytes)
			assert.Equal(t, int64(20), totals.CompressedBytes)
			assert.NotContains(t, s.replaced, "b")
		})
	}
}

func TestRun_EveryItemFailsStillAdvances(t *testing.T) {
	s := newFakeStore(2, item{"a", 1}, item{"b", 1}, item{"c", 1})
	for id := range s.data {
		s.fetchErr[id] = store.ErrTransport
	}
	d, _, _ := newTestDriver(t, testConfig(2), s, ratioTranscoder{ratio: 1})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, s.listCalls())
	assert.Equal(t, 3, totals.Failed)
	assert.Zero(t, totals.Processed)
	assert.Equal(t, 2, totals.Pages)
}

func TestRun_EmptyCollection(t *testing.T) {
	s := newFakeStore(100)
	d, rep, _ := newTestDriver(t, testConfig(100), s, ratioTranscoder{ratio: 1})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.listCalls())
	assert.Equal(t, Totals{Pages: 1}, totals)
	assert.Equal(t, []progressCall{{batchCount: 0, requestCount: 100, spaceSaved: 0}}, rep.progress)
	require.Len(t, rep.summaries, 1)
}

func TestRun_ListFailureReturnsTotalsSoFar(t *testing.T) {
	s := newFakeStore(2, item{"a", 100}, item{"b", 100}, item{"c", 100})
	s.listErr[2] = store.ErrTransport
	d, rep, _ := newTestDriver(t, testConfig(2), s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(context.Background())

	var le *ListError
	require.True(t, errors.As(err, &le), "error = %v", err)
	assert.Equal(t, "page-1", le.Cursor)
	assert.ErrorIs(t, err, store.ErrTransport)

	assert.Equal(t, 2, s.listCalls(), "list failures are not retried")
	assert.Equal(t, 2, totals.Processed)
	assert.Equal(t, int64(200), totals.OriginalBytes)
	assert.Equal(t, 1, totals.Pages)
	require.Len(t, rep.summaries, 1)
	assert.Equal(t, totals, rep.summaries[0])
	assert.ErrorAs(t, rep.stopErrs[0], &le, "the summary is told why the run stopped")
}

func TestRun_CancelledBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newFakeStore(10, item{"a", 10}, item{"b", 10}, item{"c", 10}, item{"d", 10})
	s.onFetch = func(id string) {
		if id == "b" {
			cancel()
		}
	}
	d, rep, _ := newTestDriver(t, testConfig(10), s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, totals.Processed, "the in-flight item completes")
	assert.Equal(t, int64(20), totals.OriginalBytes)
	assert.Equal(t, []string{"a", "b"}, s.replaceLog)
	assert.Empty(t, rep.progress)
	require.Len(t, rep.summaries, 1)
	assert.Equal(t, totals, rep.summaries[0])
}

func TestRun_CancelledDuringPause(t *testing.T) {
	cfg := testConfig(1)
	cfg.RateLimitThreshold = 1

	s := newFakeStore(1, item{"a", 10}, item{"b", 10})
	d, rep, sl := newTestDriver(t, cfg, s, ratioTranscoder{ratio: 0.5})
	sl.err = context.Canceled

	totals, err := d.Run(context.Background())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.listCalls())
	assert.Equal(t, 1, totals.Processed)
	require.Len(t, rep.summaries, 1)
	assert.ErrorIs(t, rep.stopErrs[0], context.Canceled)
}

func TestRun_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newFakeStore(1, item{"a", 10})
	d, rep, _ := newTestDriver(t, testConfig(1), s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.listCalls())
	assert.Equal(t, Totals{}, totals)
	require.Len(t, rep.summaries, 1)
	assert.ErrorIs(t, rep.stopErrs[0], context.Canceled)
}

func TestRun_StartCursor(t *testing.T) {
	cfg := testConfig(2)
	cfg.StartCursor = "page-1"

	s := newFakeStore(2, item{"a", 1}, item{"b", 1}, item{"c", 1})
	d, _, _ := newTestDriver(t, cfg, s, ratioTranscoder{ratio: 1})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"page-1"}, s.listCursors)
	assert.Equal(t, []string{"c"}, s.replaceLog)
	assert.Equal(t, 1, totals.Processed)
}

func TestRun_Concurrent(t *testing.T) {
	var items []item
	var wantOriginal int64
	for i := 0; i < 10; i++ {
		size := (i + 1) * 100
		items = append(items, item{fmt.Sprintf("img-%d", i), size})
		wantOriginal += int64(size)
	}

	cfg := testConfig(4)
	cfg.Concurrency = 3

	s := newFakeStore(4, items...)
	s.fetchErr["img-5"] = store.ErrTransport
	d, rep, _ := newTestDriver(t, cfg, s, ratioTranscoder{ratio: 0.5})

	totals, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, wantOriginal, totals.OriginalBytes)
	assert.Equal(t, (wantOriginal-600)/2, totals.CompressedBytes)
	assert.Equal(t, 9, totals.Processed)
	assert.Equal(t, 1, totals.Failed)
	assert.Len(t, s.replaced, 9)

	// progress comes once per page, after the page is complete
	require.Len(t, rep.progress, 3)
	assert.Equal(t, []int{4, 4, 2}, []int{rep.progress[0].batchCount, rep.progress[1].batchCount, rep.progress[2].batchCount})
}

func TestTotals_SpaceSaved(t *testing.T) {
	assert.Equal(t, int64(2100000), Totals{OriginalBytes: 3500000, CompressedBytes: 1400000}.SpaceSaved())
	assert.Equal(t, int64(-5), Totals{OriginalBytes: 10, CompressedBytes: 15}.SpaceSaved())
}

func TestErrors_Format(t *testing.T) {
	ie := &ItemError{ID: "cat", Stage: StageUpload, Err: store.ErrRemoteService}
	assert.Equal(t, "image cat: upload: remote service error", ie.Error())
	assert.ErrorIs(t, ie, store.ErrRemoteService)

	le := &ListError{Err: store.ErrTransport}
	assert.Equal(t, "list first page: transport error", le.Error())
	le.Cursor = "abc"
	assert.Equal(t, `list page at cursor "abc": transport error`, le.Error())
}
