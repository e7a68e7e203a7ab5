package cache

import (
	"context"
	"fmt"

	"github.com/scidata-oss/tsagent/internal/catalog"
)

// Reconcile runs the crash-recovery pass of spec.md S6: on startup, every
// request_id still holding open rows is either a request that never got to
// record_page_requests or one whose agent process died mid-stream. For each
// stale row this checks whether the page file it names was, in fact, fully
// written before the crash — its bitmap reads full — and if so marks it
// complete in the catalog so the next identical query reuses it instead of
// refetching. Either way the stale row is cleared; a page that wasn't fully
// written is simply left for the next request to rebuild from scratch.
func Reconcile(ctx context.Context, cfg Config, cat *catalog.Catalog) error {
	staleIDs, err := cat.StaleRequests(ctx)
	if err != nil {
		return newErr(KindCatalogFailure, "stale_requests", err)
	}

	for _, requestID := range staleIDs {
		rows, err := cat.RequestRows(ctx, requestID)
		if err != nil {
			return newErr(KindCatalogFailure, fmt.Sprintf("request_rows %s", requestID), err)
		}

		for _, row := range rows {
			key := PageKey{PackageID: row.PackageID, ChannelID: row.ChannelID, PageIndex: row.PageIndex}
			path := key.Path(cfg.BasePath)

			if err := ValidatePageFile(path); err != nil {
				continue // never built, or malformed; left missing for a future request
			}
			bitmap, _, err := LoadAll(path, cfg.PageSize)
			if err != nil {
				continue
			}
			if !BitmapFull(bitmap, cfg.PageSize) {
				continue // partially written; a future request will finish it
			}
			if err := cat.MarkPageComplete(ctx, row.PageKey, row.PackageID, row.ChannelID, row.PageIndex, TotalFileSize(cfg.PageSize)); err != nil {
				return newErr(KindCatalogFailure, fmt.Sprintf("mark_page_complete %s", row.PageKey), err)
			}
		}

		if err := cat.ClearRequest(ctx, requestID); err != nil {
			return newErr(KindCatalogFailure, fmt.Sprintf("clear_request %s", requestID), err)
		}
	}
	return nil
}
