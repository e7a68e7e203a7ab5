package cache

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/scidata-oss/tsagent/internal/catalog"
)

// TestCollector_Tick_EvictsDownToSoftBudget pins S5: once total tracked
// bytes exceed the soft budget, a single Tick evicts LRU pages — skipping
// any page referenced by an open request — until the total is back at or
// under budget.
func TestCollector_Tick_EvictsDownToSoftBudget(t *testing.T) {
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

	creator := NewPageCreator()
	pageBytes := TotalFileSize(pageSize)

	keys := make([]PageKey, 5)
	for i := range keys {
		k := PageKey{PackageID: "p", ChannelID: "c", PageIndex: int64(i)}
		keys[i] = k
		if err := creator.Ensure(base, k); err != nil {
			t.Fatalf("ensure page %d: %v", i, err)
		}
		if err := WriteCells(k.Path(base), pageSize, 0, []float64{1, 2, 3, 4}); err != nil {
			t.Fatalf("write cells %d: %v", i, err)
		}
		if err := cat.MarkPageComplete(ctx, k.String(), k.PackageID, k.ChannelID, k.PageIndex, pageBytes); err != nil {
			t.Fatalf("mark complete %d: %v", i, err)
		}
	}

	// Page index 2 is referenced by an open request: it must survive
	// eviction even though it's an LRU candidate like the rest.
	activeKey := keys[2]
	if err := cat.RecordRequest(ctx, "req-active", []catalog.RequestPageKey{
		{PageKey: activeKey.String(), PackageID: activeKey.PackageID, ChannelID: activeKey.ChannelID, PageIndex: activeKey.PageIndex},
	}); err != nil {
		t.Fatalf("record_request: %v", err)
	}

	cfg := NewConfig(base, pageSize, 2*pageBytes, 5*pageBytes)
	logger := log.New(os.Stderr, "test-collector: ", 0)
	coll := NewCollector(cfg, cat, logger)

	if err := coll.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	total, err := cat.TotalBytes(ctx)
	if err != nil {
		t.Fatalf("total_bytes: %v", err)
	}
	if total > cfg.SoftCacheSize {
		t.Fatalf("total_bytes = %d, want <= soft budget %d", total, cfg.SoftCacheSize)
	}
	if total != pageBytes {
		t.Fatalf("total_bytes = %d, want exactly the active page's %d bytes", total, pageBytes)
	}

	// The active page must still exist, on disk and in the catalog.
	if _, err := os.Stat(activeKey.Path(base)); err != nil {
		t.Fatalf("active page file missing: %v", err)
	}
	exists, err := cat.PageExists(ctx, activeKey.String())
	if err != nil {
		t.Fatalf("page_exists: %v", err)
	}
	if !exists {
		t.Fatal("active page no longer recorded as complete")
	}

	for i, k := range keys {
		if i == 2 {
			continue
		}
		if _, err := os.Stat(k.Path(base)); !os.IsNotExist(err) {
			t.Errorf("page %d file still present after eviction (err=%v)", i, err)
		}
	}
}

// TestCollector_Tick_DisabledWhenNoBudget confirms Tick is a no-op when the
// config carries no soft/hard budget (spec.md §6: "0 disables Collector").
func TestCollector_Tick_DisabledWhenNoBudget(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	cfg := NewConfig(base, 4, 0, 0)
	coll := NewCollector(cfg, cat, nil)
	if err := coll.Tick(ctx); err != nil {
		t.Fatalf("tick on disabled collector: %v", err)
	}
}
