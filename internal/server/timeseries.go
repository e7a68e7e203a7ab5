// Package server hosts the agent's externally facing surfaces: the
// time-series streaming query endpoint (C7), the reverse proxy, and the
// gRPC control plane.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/scidata-oss/tsagent/internal/cache"
	"github.com/scidata-oss/tsagent/internal/catalog"
	"github.com/scidata-oss/tsagent/internal/wire"
)

// SegmentFetcher dispatches a missing page key to the upstream remote
// store and streams back the Segments that cover it. Exact remote-API
// compatibility is an explicit Non-goal, so this is a narrow interface
// the agent's own HTTP-based implementation satisfies, not a faithful
// reproduction of any specific upstream protocol.
type SegmentFetcher interface {
	FetchSegments(ctx context.Context, req FetchRequest) (<-chan wire.Segment, error)
}

// FetchRequest describes the pages a SegmentFetcher must produce data for.
type FetchRequest struct {
	PackageID string
	Keys      []cache.PageKey
	Channels  []cache.Channel
}

// TimeSeriesServer is the C7 streaming server: it accepts a client query
// over HTTP, drives the Request/Response lifecycle, and pushes framed
// chunks over a websocket upgrade as they become available.
type TimeSeriesServer struct {
	cfg     cache.Config
	cat     *catalog.Catalog
	creator *cache.PageCreator
	fetcher SegmentFetcher
	logger  *log.Logger
	upgrader websocket.Upgrader
}

// NewTimeSeriesServer builds a TimeSeriesServer.
func NewTimeSeriesServer(cfg cache.Config, cat *catalog.Catalog, creator *cache.PageCreator, fetcher SegmentFetcher, logger *log.Logger) *TimeSeriesServer {
	return &TimeSeriesServer{
		cfg:     cfg,
		cat:     cat,
		creator: creator,
		fetcher: fetcher,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the query route on an Echo group.
func (s *TimeSeriesServer) Register(g *echo.Group) {
	g.GET("/query", s.handleQuery)
}

// queryParams mirrors the Request constructor's fields (spec.md §4.4),
// parsed from the HTTP query string.
type queryParams struct {
	packageID   string
	channels    []cache.Channel
	startTS     uint64
	endTS       uint64
	chunkSizeUs uint64
	useCache    bool
}

func parseQueryParams(c echo.Context) (queryParams, error) {
	var qp queryParams
	qp.packageID = c.QueryParam("package_id")
	if qp.packageID == "" {
		return qp, fmt.Errorf("package_id is required")
	}

	for _, spec := range strings.Split(c.QueryParam("channels"), ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		idRate := strings.SplitN(spec, ":", 2)
		if len(idRate) != 2 {
			return qp, fmt.Errorf("malformed channel spec %q, want id:rate", spec)
		}
		rate, err := strconv.ParseFloat(idRate[1], 64)
		if err != nil {
			return qp, fmt.Errorf("malformed channel rate in %q: %w", spec, err)
		}
		qp.channels = append(qp.channels, cache.NewChannel(idRate[0], rate))
	}

	start, err := strconv.ParseUint(c.QueryParam("start_ts"), 10, 64)
	if err != nil {
		return qp, fmt.Errorf("malformed start_ts: %w", err)
	}
	end, err := strconv.ParseUint(c.QueryParam("end_ts"), 10, 64)
	if err != nil {
		return qp, fmt.Errorf("malformed end_ts: %w", err)
	}
	chunkSize, err := strconv.ParseUint(c.QueryParam("chunk_size_us"), 10, 64)
	if err != nil {
		return qp, fmt.Errorf("malformed chunk_size_us: %w", err)
	}

	qp.startTS, qp.endTS, qp.chunkSizeUs = start, end, chunkSize
	qp.useCache = c.QueryParam("use_cache") != "false"
	return qp, nil
}

// handleQuery implements spec.md §4.7: build a Request, drive
// uncached_page_requests, dispatch missing keys to the fetcher, feed
// returned segments into cache_response, then stream the chunk iterator
// out over a websocket connection.
func (s *TimeSeriesServer) handleQuery(c echo.Context) error {
	qp, err := parseQueryParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req, err := cache.NewRequest(s.cfg.PageSize, qp.packageID, qp.channels, qp.startTS, qp.endTS, qp.chunkSizeUs, qp.useCache)
	if err != nil {
		if cache.IsKind(err, cache.KindBadRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	defer conn.Close()

	ctx := c.Request().Context()
	requestID := uuid.NewString()
	resp := cache.NewResponse(s.cfg, req, s.cat, s.creator, requestID)

	if err := s.driveResponse(ctx, req, resp, qp); err != nil {
		s.logger.Printf("query %s: %v", requestID, err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return nil
	}

	s.streamChunks(ctx, conn, resp)
	return nil
}

// driveResponse runs the classify/absorb/finalize phases of one query.
func (s *TimeSeriesServer) driveResponse(ctx context.Context, req *cache.Request, resp *cache.Response, qp queryParams) error {
	missing, err := resp.UncachedPageRequests(ctx)
	if err != nil {
		return fmt.Errorf("uncached_page_requests: %w", err)
	}

	if len(missing) > 0 {
		segCh, err := s.fetcher.FetchSegments(ctx, FetchRequest{
			PackageID: qp.packageID,
			Keys:      missing,
			Channels:  qp.channels,
		})
		if err != nil {
			return fmt.Errorf("fetch_segments: %w", err)
		}
		for seg := range segCh {
			if cerr := resp.CacheResponse(ctx, cache.Segment{
				StartTS:        seg.StartTS,
				Source:         seg.Source,
				SamplePeriodUs: seg.SamplePeriodUs,
				Data:           seg.Data,
			}); cerr != nil {
				s.logger.Printf("cache_response degraded: %v", cerr)
			}
		}
	}

	return resp.RecordPageRequests(ctx)
}

// streamChunks pulls the chunk iterator to exhaustion, writing one framed
// binary websocket message per chunk.
func (s *TimeSeriesServer) streamChunks(ctx context.Context, conn *websocket.Conn, resp *cache.Response) {
	for {
		chunk, ok, err := resp.NextChunk(ctx)
		if err != nil {
			s.logger.Printf("next_chunk: %v", err)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		if !ok {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		wireChunk := wire.ChunkResponse{}
		for _, ch := range chunk.Channels {
			wireChunk.Channels = append(wireChunk.Channels, wire.ChannelChunk{ID: ch.ID, Data: ch.Data})
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, wire.EncodeChunk(wireChunk)); err != nil {
			s.logger.Printf("write chunk: %v", err)
			return
		}
	}
}

// HTTPSegmentFetcher is a narrow default SegmentFetcher: it issues a single
// GET against an upstream base URL, listing every requested page key as a
// page_key query parameter, and reads back a stream of length-prefixed
// Segment frames (internal/wire). It exists so
// the agent is runnable end-to-end without inventing remote-API
// compatibility beyond what spec.md's Non-goals permit.
type HTTPSegmentFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSegmentFetcher builds a fetcher with a sane default timeout.
func NewHTTPSegmentFetcher(baseURL string) *HTTPSegmentFetcher {
	return &HTTPSegmentFetcher{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *HTTPSegmentFetcher) FetchSegments(ctx context.Context, req FetchRequest) (<-chan wire.Segment, error) {
	out := make(chan wire.Segment)

	url := fmt.Sprintf("%s/segments?package_id=%s", f.BaseURL, req.PackageID)
	for _, k := range req.Keys {
		url += fmt.Sprintf("&page_key=%s", k.String())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		close(out)
		return out, fmt.Errorf("build segment fetch request: %w", err)
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		close(out)
		return out, fmt.Errorf("fetch segments: %w", err)
	}

	go func() {
		defer close(out)
		defer resp.Body.Close()
		r := bufio.NewReader(resp.Body)
		for {
			frame, err := wire.ReadFrame(r)
			if err != nil {
				return
			}
			seg, err := wire.DecodeSegment(frame)
			if err != nil {
				return
			}
			select {
			case out <- seg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
