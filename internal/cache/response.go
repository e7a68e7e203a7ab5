package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/scidata-oss/tsagent/internal/catalog"
)

// ResponseState is a Response's position in the state machine of
// spec.md §4.5.
type ResponseState int

const (
	StateCreated ResponseState = iota
	StateClassified
	StateAbsorbing
	StateFinalized
	StateEmitting
	StateDone
	StateAborted
)

func (s ResponseState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateClassified:
		return "Classified"
	case StateAbsorbing:
		return "Absorbing"
	case StateFinalized:
		return "Finalized"
	case StateEmitting:
		return "Emitting"
	case StateDone:
		return "Done"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Segment is one contiguous run of remote samples for a single channel,
// the wire shape of spec.md §6: start_ts, source (the channel ID), the
// inter-sample period, and the samples themselves.
type Segment struct {
	StartTS        uint64
	Source         string // channel ID
	SamplePeriodUs float64
	Data           []float64
}

// ChunkResponse is one emitted chunk: per-channel present samples over one
// chunk time window, in time order (spec.md §6).
type ChunkResponse struct {
	Channels []ChannelChunk
}

// ChannelChunk is one channel's contribution to a ChunkResponse.
type ChannelChunk struct {
	ID   string
	Data []float64
}

type pageCompletion struct {
	key      PageKey
	byteSize int64
}

// Response is the stateful per-query object of spec.md §4.5: it classifies
// pages as cached/uncached, absorbs remote segments into page files, and
// emits chunks in time order once absorption finishes.
type Response struct {
	cfg       Config
	req       *Request
	cat       *catalog.Catalog
	creator   *PageCreator
	requestID string

	mu            sync.Mutex
	state         ResponseState
	present       map[string]bool
	missing       map[string]bool
	newlyComplete map[string]pageCompletion

	// loaded caches whole-page reads during chunk emission so a page
	// spanning several chunk windows is read from disk once.
	loaded map[string]loadedPage

	windowIdx int
}

type loadedPage struct {
	bitmap []byte
	values []float64
}

// NewResponse builds a Response for req. requestID must be unique per
// query; it is the key under which in-flight page claims are recorded for
// crash recovery (spec.md S6).
func NewResponse(cfg Config, req *Request, cat *catalog.Catalog, creator *PageCreator, requestID string) *Response {
	return &Response{
		cfg:           cfg,
		req:           req,
		cat:           cat,
		creator:       creator,
		requestID:     requestID,
		state:         StateCreated,
		present:       make(map[string]bool),
		missing:       make(map[string]bool),
		newlyComplete: make(map[string]pageCompletion),
		loaded:        make(map[string]loadedPage),
	}
}

func (r *Response) State() ResponseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// UncachedPageRequests classifies every page this Response needs, exactly
// once, and records the missing set under requestID so a crash mid-query
// leaves a reconcilable trail. It returns the page keys the caller must
// fetch from the remote store.
func (r *Response) UncachedPageRequests(ctx context.Context) ([]PageKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return nil, newErr(KindBadRequest, fmt.Sprintf("uncached_page_requests called in state %s", r.state), nil)
	}

	var presentKeys []string
	var missingKeys []PageKey

	for _, key := range r.req.Keys() {
		ks := key.String()
		if !r.req.UseCache {
			// use_cache=false: bypass present classification and re-fetch
			// everything, but still write it (spec.md §6).
			r.missing[ks] = true
			missingKeys = append(missingKeys, key)
			continue
		}

		exists, err := r.cat.PageExists(ctx, ks)
		if err != nil {
			return nil, newErr(KindCatalogFailure, "page_exists", err)
		}
		if exists {
			r.present[ks] = true
			presentKeys = append(presentKeys, ks)
		} else {
			r.missing[ks] = true
			missingKeys = append(missingKeys, key)
		}
	}

	if len(presentKeys) > 0 {
		if err := r.cat.TouchPages(ctx, presentKeys); err != nil {
			return nil, newErr(KindCatalogFailure, "touch_pages", err)
		}
	}

	if len(missingKeys) > 0 {
		reqKeys := make([]catalog.RequestPageKey, 0, len(missingKeys))
		for _, k := range missingKeys {
			reqKeys = append(reqKeys, catalog.RequestPageKey{
				PageKey: k.String(), PackageID: k.PackageID, ChannelID: k.ChannelID, PageIndex: k.PageIndex,
			})
		}
		if err := r.cat.RecordRequest(ctx, r.requestID, reqKeys); err != nil {
			return nil, newErr(KindCatalogFailure, "record_request", err)
		}
	}

	r.state = StateClassified
	return missingKeys, nil
}

// CacheResponse absorbs one remote segment: it ensures each touched page
// file exists, writes the segment's cells at the correct offsets, and
// notes any page that becomes complete as a result. A per-page I/O or
// malformed-page failure degrades that page to missing without failing
// the Response (spec.md §7).
//
// Overlapping segments are last-writer-wins: a segment covering cells an
// earlier segment already wrote simply overwrites their values, with no
// version check.
func (r *Response) CacheResponse(ctx context.Context, seg Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateClassified && r.state != StateAbsorbing {
		return newErr(KindBadRequest, fmt.Sprintf("cache_response called in state %s", r.state), nil)
	}
	r.state = StateAbsorbing

	ch, ok := r.channelByID(seg.Source)
	if !ok || len(seg.Data) == 0 {
		return nil
	}

	firstSample := ch.SampleIndex(seg.StartTS)

	i := 0
	for i < len(seg.Data) {
		sampleIdx := firstSample + int64(i)
		pageIndex := floorDiv(sampleIdx, int64(r.cfg.PageSize))
		offset := int(sampleIdx - pageIndex*int64(r.cfg.PageSize))

		// This segment may span multiple pages; take only the run that
		// fits in the current page.
		run := r.cfg.PageSize - offset
		if run > len(seg.Data)-i {
			run = len(seg.Data) - i
		}
		values := seg.Data[i : i+run]

		key := PageKey{PackageID: r.req.PackageID, ChannelID: ch.ID, PageIndex: pageIndex}
		if err := r.writePageSlice(ctx, key, offset, values); err != nil {
			// Best-effort per spec.md §7: log-and-degrade, don't fail the
			// whole Response. There is no logger threaded through this
			// package; the caller (the streaming server) observes the
			// missing cells in the emitted chunk.
			_ = err
		}

		i += run
	}

	return nil
}

func (r *Response) channelByID(id string) (Channel, bool) {
	for _, ch := range r.req.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// writePageSlice ensures key's page file exists, writes values at offset,
// and records the page as newly complete once its bitmap fills — the
// sole completion predicate per spec.md §9 (no separate terminal-segment
// marker is honored).
func (r *Response) writePageSlice(ctx context.Context, key PageKey, offset int, values []float64) error {
	if err := r.creator.Ensure(r.cfg.BasePath, key); err != nil {
		return err
	}

	path := key.Path(r.cfg.BasePath)
	if err := ValidatePageFile(path); err != nil {
		if IsKind(err, KindMalformedPage) {
			// Treat as not-present, rebuild from template, and retry once.
			_ = removeStalePage(path)
			if err := r.creator.Ensure(r.cfg.BasePath, key); err != nil {
				return err
			}
		} else {
			return err
		}
	}

	if err := WriteCells(path, r.cfg.PageSize, offset, values); err != nil {
		return err
	}
	delete(r.loaded, key.String())

	bitmap, _, err := LoadAll(path, r.cfg.PageSize)
	if err != nil {
		return err
	}

	if BitmapFull(bitmap, r.cfg.PageSize) {
		r.newlyComplete[key.String()] = pageCompletion{key: key, byteSize: TotalFileSize(r.cfg.PageSize)}
	}
	return nil
}

// RecordPageRequests marks every newly-complete page as complete in the
// catalog, then clears this Response's request row — the point at which
// "no more segments are accepted" (spec.md §4.5). A catalog failure here
// aborts the Response.
func (r *Response) RecordPageRequests(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateClassified && r.state != StateAbsorbing {
		return newErr(KindBadRequest, fmt.Sprintf("record_page_requests called in state %s", r.state), nil)
	}

	for _, pc := range r.newlyComplete {
		err := r.cat.MarkPageComplete(ctx, pc.key.String(), pc.key.PackageID, pc.key.ChannelID, pc.key.PageIndex, pc.byteSize)
		if err != nil {
			r.state = StateAborted
			return newErr(KindCatalogFailure, "mark_page_complete", err)
		}
	}

	if err := r.cat.ClearRequest(ctx, r.requestID); err != nil {
		r.state = StateAborted
		return newErr(KindCatalogFailure, "clear_request", err)
	}

	r.state = StateFinalized
	return nil
}

// NextChunk lazily materializes the next chunk window. It returns
// ok=false once every window has been emitted (state becomes Done).
// Chunks are emitted in strictly increasing time order (spec.md §5).
func (r *Response) NextChunk(ctx context.Context) (chunk *ChunkResponse, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateFinalized {
		r.state = StateEmitting
	}
	if r.state != StateEmitting {
		return nil, false, newErr(KindBadRequest, fmt.Sprintf("next_chunk called in state %s", r.state), nil)
	}

	windows := r.req.Windows()
	if r.windowIdx >= len(windows) {
		r.state = StateDone
		return nil, false, nil
	}
	w := windows[r.windowIdx]
	r.windowIdx++

	out := &ChunkResponse{}
	for _, ch := range r.req.Channels {
		data, cerr := r.gatherChannelWindow(ctx, ch, w)
		if cerr != nil {
			return nil, false, cerr
		}
		out.Channels = append(out.Channels, ChannelChunk{ID: ch.ID, Data: data})
	}
	return out, true, nil
}

// gatherChannelWindow collects one channel's present samples over a chunk
// window, dropping any sample whose bitmap bit is unset (spec.md §4.5).
func (r *Response) gatherChannelWindow(ctx context.Context, ch Channel, w chunkWindow) ([]float64, error) {
	firstSample := ch.SampleIndex(w.start)
	lastSample := ch.SampleIndex(w.end - 1)

	var out []float64
	for s := firstSample; s <= lastSample; s++ {
		pageIndex := floorDiv(s, int64(r.cfg.PageSize))
		offset := int(s - pageIndex*int64(r.cfg.PageSize))

		key := PageKey{PackageID: r.req.PackageID, ChannelID: ch.ID, PageIndex: pageIndex}
		lp, err := r.loadPage(key)
		if err != nil {
			// Missing or unreadable page: its samples simply don't appear.
			continue
		}
		if BitSet(lp.bitmap, offset) {
			out = append(out, lp.values[offset])
		}
	}
	return out, nil
}

func (r *Response) loadPage(key PageKey) (loadedPage, error) {
	ks := key.String()
	if lp, ok := r.loaded[ks]; ok {
		return lp, nil
	}
	path := key.Path(r.cfg.BasePath)
	bitmap, values, err := LoadAll(path, r.cfg.PageSize)
	if err != nil {
		return loadedPage{}, err
	}
	lp := loadedPage{bitmap: bitmap, values: values}
	r.loaded[ks] = lp
	return lp, nil
}

// Abort cancels the Response from any state prior to Done: it stops
// pulling from the segment source (the caller simply stops calling
// CacheResponse/NextChunk), clears the request row, and leaves any
// partially written pages on disk for future queries (spec.md §5).
func (r *Response) Abort(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateDone {
		return nil
	}
	if err := r.cat.ClearRequest(ctx, r.requestID); err != nil {
		return newErr(KindCatalogFailure, "clear_request on abort", err)
	}
	r.state = StateAborted
	return nil
}

func removeStalePage(path string) error {
	return removeFile(path)
}
