package pagination

import (
	"context"
	"errors"

	"github.com/Sternrassler/media-compressor/pkg/store"
	"github.com/rs/zerolog/log"
)

// ErrDone is returned by Next after the last page.
var ErrDone = errors.New("pagination: no more pages")

// PageLister is the interface that the store client implements for
// single-page listing.
type PageLister interface {
	ListPage(ctx context.Context, cursor string, pageSize int) (store.Page, error)
}

// Walker follows next_cursor through a listing, one page per call.
// It is not safe for concurrent use.
type Walker struct {
	lister   PageLister
	pageSize int
	cursor   string
	pages    int
	done     bool
}

// NewWalker creates a walker that lists pageSize records per call, starting
// at start (empty for the beginning of the collection).
func NewWalker(lister PageLister, pageSize int, start string) *Walker {
	return &Walker{
		lister:   lister,
		pageSize: pageSize,
		cursor:   start,
	}
}

// Next lists the page at the current cursor and advances. On error the
// cursor is left unchanged.
func (w *Walker) Next(ctx context.Context) (store.Page, error) {
	if w.done {
		return store.Page{}, ErrDone
	}

	page, err := w.lister.ListPage(ctx, w.cursor, w.pageSize)
	if err != nil {
		return store.Page{}, err
	}

	log.Debug().
		Str("cursor", w.cursor).
		Str("next_cursor", page.NextCursor).
		Int("records", len(page.Records)).
		Int("page", w.pages+1).
		Msg("Page listed")

	w.pages++
	w.cursor = page.NextCursor
	w.done = !page.HasMore()

	return page, nil
}

// Done reports whether the last page has been returned.
func (w *Walker) Done() bool {
	return w.done
}

// Cursor returns the cursor the next call to Next will list from.
func (w *Walker) Cursor() string {
	return w.cursor
}

// Pages returns the number of pages listed so far.
func (w *Walker) Pages() int {
	return w.pages
}
