// Package pagination walks cursor-paginated listings of the media service.
//
// The service returns an opaque next_cursor with every page; an empty cursor
// marks the end of the collection. Cursors cannot be computed ahead of time,
// so pages are fetched strictly one after another.
//
// Example usage:
//
//	w := pagination.NewWalker(storeClient, 100, "")
//	for !w.Done() {
//		page, err := w.Next(ctx)
//		if err != nil {
//			// w.Cursor() still points at the failed page and can be replayed
//			return err
//		}
//		handle(page.Records)
//	}
//
// The walker:
//   - Starts from an empty cursor or one captured from an earlier run
//   - Advances only after a successful list call
//   - Reports Done once a page without next_cursor has been returned
package pagination
