package cache

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/scidata-oss/tsagent/internal/catalog"
)

// evictionBatchSize bounds how many candidate pages the Collector deletes
// per batch (one PagesByLRU/DeletePages round; a Tick runs as many batches
// as it needs), mirroring the teacher's bufferpool EvictionBatchSize —
// deleting everything in one unbounded sweep would hold the catalog
// mutex too long under a large backlog.
const evictionBatchSize = 64

// Collector is the background LRU eviction worker of spec.md §4.6. It
// runs on a cron schedule (the same wiring the teacher's
// internal/storage/scheduler.go uses to drive a CatalogManager off
// cron.New(cron.WithSeconds())), trimming least-recently-used pages from
// disk whenever the catalog's total tracked bytes exceed the soft budget.
type Collector struct {
	cfg     Config
	cat     *catalog.Catalog
	logger  *log.Logger
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewCollector builds a Collector. It does nothing until Start is called,
// and Start is a no-op if the config disables eviction (spec.md §6:
// "0 disables Collector").
func NewCollector(cfg Config, cat *catalog.Catalog, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(os.Stderr, "collector: ", log.LstdFlags)
	}
	return &Collector{
		cfg:    cfg,
		cat:    cat,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Start schedules periodic ticks at the given cron spec (seconds-resolution,
// e.g. "*/30 * * * * *" for every 30s). It is a no-op if the Collector is
// disabled by config.
func (c *Collector) Start(spec string) error {
	if !c.cfg.CollectorEnabled() {
		return nil
	}
	id, err := c.cron.AddFunc(spec, func() {
		if err := c.Tick(context.Background()); err != nil {
			c.logger.Printf("collector tick failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule collector: %w", err)
	}
	c.entryID = id
	c.cron.Start()
	return nil
}

// Stop halts the cron schedule and waits for any in-flight tick to finish.
func (c *Collector) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// Tick runs one eviction pass: while total_bytes exceeds the soft budget,
// fetch the LRU tail in batches and delete each page's file and catalog
// rows. It never blocks writers and never evicts a page referenced by an
// open requests row (spec.md §4.6).
func (c *Collector) Tick(ctx context.Context) error {
	if !c.cfg.CollectorEnabled() {
		return nil
	}

	for {
		total, err := c.cat.TotalBytes(ctx)
		if err != nil {
			return fmt.Errorf("total_bytes: %w", err)
		}

		if total <= c.cfg.SoftCacheSize {
			if total > c.cfg.HardCacheSize && c.cfg.HardCacheSize > 0 {
				c.logger.Printf("cache at %s exceeds hard budget %s after pass", humanize.Bytes(uint64(total)), humanize.Bytes(uint64(c.cfg.HardCacheSize)))
			}
			return nil
		}

		candidates, err := c.cat.PagesByLRU(ctx, evictionBatchSize)
		if err != nil {
			return fmt.Errorf("pages_by_lru: %w", err)
		}
		if len(candidates) == 0 {
			// Nothing left to evict even though we're over budget — log
			// and move on rather than spin (spec.md §4.6 step 4).
			if c.cfg.HardCacheSize > 0 && total > c.cfg.HardCacheSize {
				c.logger.Printf("cache at %s exceeds hard budget %s, no evictable pages remain", humanize.Bytes(uint64(total)), humanize.Bytes(uint64(c.cfg.HardCacheSize)))
			}
			return nil
		}

		// Re-check activity right before touching the filesystem: a
		// candidate selected moments ago by pages_by_lru may have become
		// referenced by a new request since (spec.md §5, Collector vs
		// writers). Anything now active is dropped from this batch
		// entirely, file included.
		active, err := c.cat.ActivePageKeys(ctx, candidates)
		if err != nil {
			return fmt.Errorf("active_page_keys: %w", err)
		}

		toDelete := candidates[:0:0]
		for _, key := range candidates {
			if active[key] {
				continue
			}
			pk, err := ParsePageKey(key)
			if err != nil {
				c.logger.Printf("skipping unparsable page key %q: %v", key, err)
				continue
			}
			if err := os.Remove(pk.Path(c.cfg.BasePath)); err != nil && !os.IsNotExist(err) {
				c.logger.Printf("evict %s: remove file: %v", key, err)
				continue
			}
			toDelete = append(toDelete, key)
		}

		if len(toDelete) == 0 {
			return nil
		}

		deleted, err := c.cat.DeletePages(ctx, toDelete)
		if err != nil {
			return fmt.Errorf("delete_pages: %w", err)
		}
		c.logger.Printf("evicted %d pages (%s tracked)", len(deleted), humanize.Bytes(uint64(total)))

		if len(deleted) == 0 {
			// Every candidate became active between selection and
			// deletion; avoid spinning forever on the same batch.
			return nil
		}
	}
}
