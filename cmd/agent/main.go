// Command agent runs the time-series caching agent: the cache/catalog
// core, the streaming query server, the reverse proxy, the control
// plane, and the upload worker, all driven by a YAML configuration file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/scidata-oss/tsagent/internal/agent"
	"github.com/scidata-oss/tsagent/internal/cache"
	"github.com/scidata-oss/tsagent/internal/catalog"
	"github.com/scidata-oss/tsagent/internal/config"
	"github.com/scidata-oss/tsagent/internal/server"
)

// version is the agent's build version, reported by the "version"
// subcommand. There is no release pipeline in this environment to stamp
// it at build time, so it is a plain constant, matching the teacher's own
// cmd/server/main.go ("build": "dev").
const version = "dev"

var (
	flagConfig = flag.String("config", "agent.yaml", "path to agent.yaml")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "agent: ", log.LstdFlags)

	var err error
	switch args[0] {
	case "serve":
		err = runServe(logger)
	case "query":
		err = runQuery(logger, args[1:])
	case "schema-version":
		err = runSchemaVersion(logger)
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: agent [-config agent.yaml] <serve|query|schema-version|version>\n")
}

func runServe(logger *log.Logger) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}

	cat, err := catalog.Open(cfg.CatalogDB)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	catalogDB, err := openRawDB(cfg.CatalogDB)
	if err != nil {
		return err
	}
	defer catalogDB.Close()

	fetcher := server.NewHTTPSegmentFetcher(fmt.Sprintf("http://%s:%d", cfg.Proxy.RemoteHost, cfg.Proxy.RemotePort))

	a, err := agent.New(cfg, cat, catalogDB, fetcher, logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("serving: http=%s control=%s", cfg.Server.HTTPAddr, cfg.Server.ControlAddr)
	return a.Serve(ctx)
}

// openRawDB opens a second database/sql handle onto the same catalog
// database file for the upload worker's uploads table — the catalog
// package keeps its own handle private to its migrations and mutex
// discipline, so callers needing a separate table share the file, not
// the *sql.DB.
func openRawDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db for uploads: %w", err)
	}
	return db, nil
}

func runSchemaVersion(logger *log.Logger) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(cfg.CatalogDB)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	v, err := cat.SchemaVersion(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

// runQuery performs one ad hoc query directly against the cache/catalog,
// without the HTTP/websocket surface — useful for scripting and for
// exercising the Request/Response lifecycle from the command line.
//
// usage: agent query -package p:1 -channels "c:1:50,c:2:50" -start 0 -end 1000000 -chunk 200000
func runQuery(logger *log.Logger, rest []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	packageID := fs.String("package", "", "package id")
	channelsFlag := fs.String("channels", "", "comma-separated id:rate channel specs")
	start := fs.Uint64("start", 0, "start_ts in microseconds")
	end := fs.Uint64("end", 0, "end_ts in microseconds")
	chunk := fs.Uint64("chunk", 0, "chunk_size_us")
	useCache := fs.Bool("use-cache", true, "classify already-cached pages")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	if *packageID == "" || *channelsFlag == "" || *chunk == 0 {
		return fmt.Errorf("query requires -package, -channels, and -chunk")
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(cfg.CatalogDB)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	channels, err := parseChannels(*channelsFlag)
	if err != nil {
		return err
	}

	cacheCfg := cache.Config{
		BasePath:      cfg.Cache.BasePath,
		PageSize:      cfg.Cache.PageSize,
		SoftCacheSize: cfg.Cache.SoftCacheSize,
		HardCacheSize: cfg.Cache.HardCacheSize,
	}

	req, err := cache.NewRequest(cacheCfg.PageSize, *packageID, channels, *start, *end, *chunk, *useCache)
	if err != nil {
		return err
	}

	ctx := context.Background()
	resp := cache.NewResponse(cacheCfg, req, cat, cache.NewPageCreator(), uuid.NewString())

	missing, err := resp.UncachedPageRequests(ctx)
	if err != nil {
		return err
	}
	logger.Printf("%d pages missing (no remote fetcher wired from the CLI; they remain uncached)", len(missing))

	if err := resp.RecordPageRequests(ctx); err != nil {
		return err
	}

	total := 0
	for {
		chunkResp, ok, err := resp.NextChunk(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for _, ch := range chunkResp.Channels {
			total += len(ch.Data)
		}
	}
	fmt.Printf("emitted %d samples across %d chunk windows\n", total, len(req.Windows()))
	return nil
}

func parseChannels(spec string) ([]cache.Channel, error) {
	var channels []cache.Channel
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// The rate follows the last colon; channel IDs may contain colons.
		sep := strings.LastIndex(part, ":")
		if sep <= 0 {
			return nil, fmt.Errorf("malformed channel spec %q, want id:rate", part)
		}
		rate, err := strconv.ParseFloat(part[sep+1:], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed rate in %q: %w", part, err)
		}
		channels = append(channels, cache.NewChannel(part[:sep], rate))
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels parsed from %q", spec)
	}
	return channels, nil
}
