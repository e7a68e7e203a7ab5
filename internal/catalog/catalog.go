// Package catalog implements the cache's metadata store: page completion
// and access-time tracking, in-flight request bookkeeping for crash
// recovery, and the queries the Collector needs to find eviction
// candidates. It is the Go counterpart of spec.md §4.2 (C2).
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Catalog wraps a SQLite-backed catalog database. Writes are serialized
// through an internal mutex — the one-writer shape the teacher's own
// pager.Catalog applies around its B+Tree. Reads do not take the mutex,
// but the handle is capped at one open connection, so within this process
// a read waits for any write transaction holding that connection. WAL
// journal mode is enabled on the database file.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the catalog database at path, enables
// WAL mode, and brings the schema up to date via the embedded migrations.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers from one *sql.DB

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// SchemaVersion returns the current PRAGMA user_version, exposed for the
// CLI's "schema-version" subcommand.
func (c *Catalog) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// MarkPageComplete upserts pageKey into pages as complete and records its
// access-time/byte-size in page_access, per spec.md §4.2.
func (c *Catalog) MarkPageComplete(ctx context.Context, pageKey, packageID, channelID string, pageIndex int64, byteSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowUnix()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark_page_complete: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pages (page_key, package_id, channel_id, page_index, created_ts, complete)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(page_key) DO UPDATE SET complete = 1
	`, pageKey, packageID, channelID, pageIndex, now)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO page_access (page_key, last_access_ts, byte_size)
		VALUES (?, ?, ?)
		ON CONFLICT(page_key) DO UPDATE SET last_access_ts = excluded.last_access_ts, byte_size = excluded.byte_size
	`, pageKey, now, byteSize)
	if err != nil {
		return fmt.Errorf("upsert page_access: %w", err)
	}

	return tx.Commit()
}

// PageExists reports whether pageKey is recorded as complete.
func (c *Catalog) PageExists(ctx context.Context, pageKey string) (bool, error) {
	var complete int
	err := c.db.QueryRowContext(ctx, `SELECT complete FROM pages WHERE page_key = ?`, pageKey).Scan(&complete)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("page_exists: %w", err)
	}
	return complete != 0, nil
}

// TouchPages bulk-updates last_access_ts = now for the given keys.
func (c *Catalog) TouchPages(ctx context.Context, pageKeys []string) error {
	if len(pageKeys) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowUnix()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin touch_pages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE page_access SET last_access_ts = ? WHERE page_key = ?`)
	if err != nil {
		return fmt.Errorf("prepare touch_pages: %w", err)
	}
	defer stmt.Close()

	for _, key := range pageKeys {
		if _, err := stmt.ExecContext(ctx, now, key); err != nil {
			return fmt.Errorf("touch_pages %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// PagesByLRU returns up to limit page keys ordered oldest-access-first,
// excluding any key referenced by an open requests row (spec.md §4.6
// invariant: a page is never evicted while in-flight).
func (c *Catalog) PagesByLRU(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pa.page_key
		FROM page_access pa
		WHERE NOT EXISTS (SELECT 1 FROM requests r WHERE r.page_key = pa.page_key)
		ORDER BY pa.last_access_ts ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pages_by_lru: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan pages_by_lru row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TotalBytes sums byte_size across all tracked pages.
func (c *Catalog) TotalBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT SUM(byte_size) FROM page_access`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total_bytes: %w", err)
	}
	return total.Int64, nil
}

// DeletePages removes pageKeys from pages and page_access in one
// transaction, re-checking the in-flight exclusion inside the transaction
// so a key that became active between selection (PagesByLRU) and deletion
// is skipped rather than evicted out from under a live request.
func (c *Catalog) DeletePages(ctx context.Context, pageKeys []string) (deleted []string, err error) {
	if len(pageKeys) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete_pages: %w", err)
	}
	defer tx.Rollback()

	for _, key := range pageKeys {
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE page_key = ?`, key).Scan(&active); err != nil {
			return nil, fmt.Errorf("check active for %s: %w", key, err)
		}
		if active > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM page_access WHERE page_key = ?`, key); err != nil {
			return nil, fmt.Errorf("delete page_access %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE page_key = ?`, key); err != nil {
			return nil, fmt.Errorf("delete pages %s: %w", key, err)
		}
		deleted = append(deleted, key)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete_pages: %w", err)
	}
	return deleted, nil
}

// ActivePageKeys returns the set of page keys currently referenced by any
// open requests row, for callers (the Collector) that need to exclude
// them from a batch before touching the filesystem.
func (c *Catalog) ActivePageKeys(ctx context.Context, candidates []string) (map[string]bool, error) {
	active := make(map[string]bool)
	if len(candidates) == 0 {
		return active, nil
	}

	stmt, err := c.db.PrepareContext(ctx, `SELECT COUNT(*) FROM requests WHERE page_key = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare active_page_keys: %w", err)
	}
	defer stmt.Close()

	for _, key := range candidates {
		var n int
		if err := stmt.QueryRowContext(ctx, key).Scan(&n); err != nil {
			return nil, fmt.Errorf("check active %s: %w", key, err)
		}
		if n > 0 {
			active[key] = true
		}
	}
	return active, nil
}

// RequestPageKey identifies one page a request is tracking, with enough
// denormalized columns to rebuild a page identity from the requests table
// alone during crash recovery (spec.md S6).
type RequestPageKey struct {
	PageKey   string
	PackageID string
	ChannelID string
	PageIndex int64
}

// RecordRequest writes one row per page key under requestID, state
// "pending" — so a crash between this call and ClearRequest leaves a
// reconcilable trail (spec.md §4.2, S6 crash-recovery scenario).
func (c *Catalog) RecordRequest(ctx context.Context, requestID string, keys []RequestPageKey) error {
	if len(keys) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record_request: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO requests (request_id, page_key, package_id, channel_id, page_index, state)
		VALUES (?, ?, ?, ?, ?, 'pending')
		ON CONFLICT(request_id, page_key) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare record_request: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, requestID, k.PageKey, k.PackageID, k.ChannelID, k.PageIndex); err != nil {
			return fmt.Errorf("record_request %s/%s: %w", requestID, k.PageKey, err)
		}
	}
	return tx.Commit()
}

// ClearRequest deletes all rows for requestID, releasing its claim on the
// pages it referenced.
func (c *Catalog) ClearRequest(ctx context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM requests WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("clear_request %s: %w", requestID, err)
	}
	return nil
}

// RequestRows returns every page key tracked under requestID, for
// reconciling a crashed mid-flight request against the pages actually on
// disk (spec.md S6).
func (c *Catalog) RequestRows(ctx context.Context, requestID string) ([]RequestPageKey, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT page_key, package_id, channel_id, page_index FROM requests WHERE request_id = ?
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("request_rows %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []RequestPageKey
	for rows.Next() {
		var rk RequestPageKey
		if err := rows.Scan(&rk.PageKey, &rk.PackageID, &rk.ChannelID, &rk.PageIndex); err != nil {
			return nil, fmt.Errorf("scan request_rows row: %w", err)
		}
		out = append(out, rk)
	}
	return out, rows.Err()
}

// StaleRequests returns the distinct request IDs with an open row —
// used on agent startup to reconcile crashed mid-flight requests
// (spec.md S6: "on restart, requests contains the stale row").
func (c *Catalog) StaleRequests(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT request_id FROM requests`)
	if err != nil {
		return nil, fmt.Errorf("stale_requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale_requests row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nowUnix() int64 { return time.Now().Unix() }
