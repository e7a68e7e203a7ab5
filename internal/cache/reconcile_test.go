package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/scidata-oss/tsagent/internal/catalog"
)

// TestReconcile_S6_CrashRecovery ports S6: a Response is killed after
// uncached_page_requests (which records the stale request row) and before
// record_page_requests. One of its two pages got fully written before the
// simulated crash; the other did not. Reconcile must mark the complete one
// cached, leave the incomplete one missing, and clear the stale row either
// way.
func TestReconcile_S6_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	const pageSize = 4
	if err := WriteTemplate(TemplatePath(base), pageSize); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	cfg := NewConfig(base, pageSize, 0, 0)
	creator := NewPageCreator()

	channels := []Channel{NewChannel("c1", 200)} // period 5000us, page_size 4 -> page spans 20000us
	req, err := NewRequest(cfg.PageSize, "p", channels, 0, 40000, 20000, true)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	resp := NewResponse(cfg, req, cat, creator, "req-crashed")
	missing, err := resp.UncachedPageRequests(ctx)
	if err != nil {
		t.Fatalf("uncached_page_requests: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing pages, got %d", len(missing))
	}

	// Page 0 (samples 0..3) gets fully absorbed before the crash.
	if err := resp.CacheResponse(ctx, Segment{StartTS: 0, Source: "c1", SamplePeriodUs: 5000, Data: []float64{10, 11, 12, 13}}); err != nil {
		t.Fatalf("cache_response page 0: %v", err)
	}
	// Page 1 (samples 4..7) only gets partially absorbed before the crash.
	if err := resp.CacheResponse(ctx, Segment{StartTS: 20000, Source: "c1", SamplePeriodUs: 5000, Data: []float64{20, 21}}); err != nil {
		t.Fatalf("cache_response page 1: %v", err)
	}

	// Simulate the crash: record_page_requests never runs, so the request
	// row for req-crashed is still open and neither page is marked complete
	// in the catalog, even though page 0's bitmap is actually full on disk.

	stale, err := cat.StaleRequests(ctx)
	if err != nil {
		t.Fatalf("stale_requests: %v", err)
	}
	if !containsString(stale, "req-crashed") {
		t.Fatalf("expected req-crashed among stale requests, got %v", stale)
	}

	page0 := PageKey{PackageID: "p", ChannelID: "c1", PageIndex: 0}
	page1 := PageKey{PackageID: "p", ChannelID: "c1", PageIndex: 1}

	if exists, _ := cat.PageExists(ctx, page0.String()); exists {
		t.Fatal("page 0 should not be marked complete before reconciliation")
	}

	if err := Reconcile(ctx, cfg, cat); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	exists0, err := cat.PageExists(ctx, page0.String())
	if err != nil {
		t.Fatalf("page_exists page0: %v", err)
	}
	if !exists0 {
		t.Fatal("fully-written page 0 should be marked complete after reconciliation")
	}

	exists1, err := cat.PageExists(ctx, page1.String())
	if err != nil {
		t.Fatalf("page_exists page1: %v", err)
	}
	if exists1 {
		t.Fatal("partially-written page 1 should remain missing after reconciliation")
	}

	stale, err = cat.StaleRequests(ctx)
	if err != nil {
		t.Fatalf("stale_requests after reconcile: %v", err)
	}
	if containsString(stale, "req-crashed") {
		t.Fatal("req-crashed row should be cleared after reconciliation")
	}

	// A fresh, identical Response now reuses page 0 without refetching it,
	// and still asks for page 1.
	req2, err := NewRequest(cfg.PageSize, "p", channels, 0, 40000, 20000, true)
	if err != nil {
		t.Fatalf("new request (restart): %v", err)
	}
	resp2 := NewResponse(cfg, req2, cat, creator, "req-restarted")
	missing2, err := resp2.UncachedPageRequests(ctx)
	if err != nil {
		t.Fatalf("uncached_page_requests (restart): %v", err)
	}
	if len(missing2) != 1 || missing2[0] != page1 {
		t.Fatalf("expected only page 1 missing on restart, got %v", missing2)
	}
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
