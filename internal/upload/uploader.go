// Package upload implements the agent's ambient file-upload worker
// (spec.md §1's "upload pipeline", kept thin per the Non-goals: exact
// remote-API compatibility is explicitly out of scope). It exists so the
// agent's "queue_upload"/"upload-status" surface has a concrete worker to
// drive, mirroring the original Pennsieve agent's upload::Uploader
// (original_source/src/upload.rs) without reproducing its wire protocol.
package upload

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Status is the lifecycle state of one queued upload.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Job is one file queued for upload.
type Job struct {
	ID     string
	Path   string
	Status Status
	Err    string
}

// Worker drains a queue of upload jobs with a fixed pool of goroutines,
// POSTing file bytes to a remote endpoint. Parallelism and the remote
// target are both configured at construction, mirroring the teacher's
// preference for explicit, flag-driven configuration over hidden
// defaults.
type Worker struct {
	db          *sql.DB
	client      *http.Client
	endpoint    string
	parallelism int
	logger      *log.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewWorker builds an upload Worker backed by db (the agent's catalog
// database, reused for the uploads table per spec.md's general preference
// for one embedded store over several).
func NewWorker(db *sql.DB, endpoint string, parallelism int, logger *log.Logger) *Worker {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Worker{
		db:          db,
		client:      &http.Client{Timeout: 5 * time.Minute},
		endpoint:    endpoint,
		parallelism: parallelism,
		logger:      logger,
		jobs:        make(map[string]*Job),
	}
}

// EnsureSchema creates the uploads table if absent.
func (w *Worker) EnsureSchema(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS uploads (
			id      TEXT PRIMARY KEY,
			path    TEXT NOT NULL,
			status  TEXT NOT NULL,
			error   TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure uploads schema: %w", err)
	}
	return nil
}

// QueueUpload records path as a queued upload under the caller-supplied
// job id.
func (w *Worker) QueueUpload(ctx context.Context, id, path string) error {
	_, err := w.db.ExecContext(ctx, `INSERT INTO uploads (id, path, status) VALUES (?, ?, ?)`, id, path, StatusQueued)
	if err != nil {
		return fmt.Errorf("queue_upload %s: %w", id, err)
	}
	return nil
}

// Status returns the current status of one job.
func (w *Worker) Status(ctx context.Context, id string) (Job, error) {
	var j Job
	var errText sql.NullString
	err := w.db.QueryRowContext(ctx, `SELECT id, path, status, error FROM uploads WHERE id = ?`, id).
		Scan(&j.ID, &j.Path, &j.Status, &errText)
	if err != nil {
		return Job{}, fmt.Errorf("upload-status %s: %w", id, err)
	}
	j.Err = errText.String
	return j, nil
}

// Run drains the queue with w.parallelism goroutines until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok := w.claimNext(ctx)
			if !ok {
				continue
			}
			w.upload(ctx, job)
		}
	}
}

// claimNext atomically takes one queued job and marks it uploading.
func (w *Worker) claimNext(ctx context.Context) (Job, bool) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.logger.Printf("claim upload: begin tx: %v", err)
		return Job{}, false
	}
	defer tx.Rollback()

	var j Job
	err = tx.QueryRowContext(ctx, `SELECT id, path, status FROM uploads WHERE status = ? LIMIT 1`, StatusQueued).
		Scan(&j.ID, &j.Path, &j.Status)
	if err != nil {
		return Job{}, false
	}

	if _, err := tx.ExecContext(ctx, `UPDATE uploads SET status = ? WHERE id = ?`, StatusUploading, j.ID); err != nil {
		w.logger.Printf("claim upload %s: %v", j.ID, err)
		return Job{}, false
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false
	}
	return j, true
}

func (w *Worker) upload(ctx context.Context, job Job) {
	status, uploadErr := w.doUpload(ctx, job)
	var errText sql.NullString
	if uploadErr != nil {
		errText = sql.NullString{String: uploadErr.Error(), Valid: true}
		w.logger.Printf("upload %s failed: %v", job.ID, uploadErr)
	}
	if _, err := w.db.ExecContext(ctx, `UPDATE uploads SET status = ?, error = ? WHERE id = ?`, status, errText, job.ID); err != nil {
		w.logger.Printf("record upload result %s: %v", job.ID, err)
	}
}

func (w *Worker) doUpload(ctx context.Context, job Job) (Status, error) {
	f, err := os.Open(job.Path)
	if err != nil {
		return StatusFailed, fmt.Errorf("open %s: %w", job.Path, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, f)
	if err != nil {
		return StatusFailed, fmt.Errorf("build upload request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return StatusFailed, fmt.Errorf("upload %s: %w", job.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return StatusFailed, fmt.Errorf("upload %s: remote returned %s", job.Path, resp.Status)
	}
	return StatusDone, nil
}
