// Package agent wires the cache, catalog, collector, and external
// surfaces into one runnable process — the concrete stand-in for the
// "scheduler that runs long-lived workers and short tasks" spec.md §1
// deliberately keeps abstract.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/scidata-oss/tsagent/internal/cache"
	"github.com/scidata-oss/tsagent/internal/catalog"
	"github.com/scidata-oss/tsagent/internal/config"
	"github.com/scidata-oss/tsagent/internal/server"
	"github.com/scidata-oss/tsagent/internal/upload"
)

// Agent owns every long-lived worker the "serve" subcommand starts:
// the Collector's cron, the timeseries+proxy HTTP server, the gRPC
// control plane, and the uploader.
type Agent struct {
	cfg       config.Config
	cat       *catalog.Catalog
	creator   *cache.PageCreator
	collector *cache.Collector
	uploader  *upload.Worker
	ts        *server.TimeSeriesServer
	proxy     *server.ReverseProxy
	control   *server.ControlPlane
	echo      *echo.Echo
	logger    *log.Logger
}

// New builds an Agent from a loaded Config. catalogDB is a second raw
// database/sql handle onto the catalog database file, used only by the
// upload worker's uploads table; cat keeps its own handle. Both share one
// embedded store file, the approach the teacher favors over multiple ad hoc
// files. New also writes the page template into the cache root if it is not
// there yet.
func New(cfg config.Config, cat *catalog.Catalog, catalogDB *sql.DB, fetcher server.SegmentFetcher, logger *log.Logger) (*Agent, error) {
	if logger == nil {
		logger = log.Default()
	}

	cacheCfg := cache.Config{
		BasePath:      cfg.Cache.BasePath,
		PageSize:      cfg.Cache.PageSize,
		SoftCacheSize: cfg.Cache.SoftCacheSize,
		HardCacheSize: cfg.Cache.HardCacheSize,
	}

	// Reconcile any request left over from a crash before serving new
	// queries (spec.md S6): pages that finished writing before the crash
	// are marked complete so they're reused instead of refetched, and every
	// stale request row is cleared.
	if err := cache.Reconcile(context.Background(), cacheCfg, cat); err != nil {
		return nil, fmt.Errorf("reconcile stale requests: %w", err)
	}

	templatePath := cache.TemplatePath(cacheCfg.BasePath)
	if _, err := os.Stat(templatePath); os.IsNotExist(err) {
		if err := os.MkdirAll(cacheCfg.BasePath, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		if err := cache.WriteTemplate(templatePath, cacheCfg.PageSize); err != nil {
			return nil, fmt.Errorf("write page template: %w", err)
		}
	}

	creator := cache.NewPageCreator()
	collector := cache.NewCollector(cacheCfg, cat, logger)
	uploader := upload.NewWorker(catalogDB, cfg.Upload.Endpoint, cfg.Upload.Parallelism, logger)

	proxy, err := server.NewReverseProxy(cfg.Proxy.RemoteHost, cfg.Proxy.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("build reverse proxy: %w", err)
	}

	ts := server.NewTimeSeriesServer(cacheCfg, cat, creator, fetcher, logger)
	control := server.NewControlPlane(cfg.Server.ControlAddr, cat, collector, logger)

	e := echo.New()
	e.HideBanner = true
	tsGroup := e.Group("/timeseries")
	ts.Register(tsGroup)
	proxyGroup := e.Group("/proxy")
	proxy.Register(proxyGroup)

	return &Agent{
		cfg:       cfg,
		cat:       cat,
		creator:   creator,
		collector: collector,
		uploader:  uploader,
		ts:        ts,
		proxy:     proxy,
		control:   control,
		echo:      e,
		logger:    logger,
	}, nil
}

// Serve starts every worker and blocks until ctx is canceled or one
// worker fails. It returns the first error observed, matching the
// fail-fast behavior a supervising process manager expects.
func (a *Agent) Serve(ctx context.Context) error {
	if err := a.uploader.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := a.collector.Start(a.cfg.Collector.CronSpec); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer a.collector.Stop()

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.uploader.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.control.Serve(ctx); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx := context.Background()
		if err := a.echo.Shutdown(shutdownCtx); err != nil {
			a.logger.Printf("http shutdown: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.echo.Start(a.cfg.Server.HTTPAddr); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		return err
	case <-done:
		return nil
	case <-ctx.Done():
		<-done
		return nil
	}
}
