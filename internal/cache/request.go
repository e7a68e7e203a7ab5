package cache

// Request is the pure decomposition of one query into the page keys
// needed to satisfy it (spec.md §4.4). It holds no catalog or file-system
// state; building one never touches disk.
type Request struct {
	PackageID   string
	Channels    []Channel
	StartTS     uint64
	EndTS       uint64
	ChunkSizeUs uint64
	UseCache    bool

	pageSize int
	keys     map[string][]PageKey // channel ID -> ordered page keys
	windows  []chunkWindow
}

type chunkWindow struct {
	start, end uint64 // [start, end) in microseconds
}

// NewRequest validates and decomposes a query. BadRequest is returned
// before any keys are computed, per spec.md §7 ("rejected before any
// state is created").
func NewRequest(pageSize int, packageID string, channels []Channel, startTS, endTS, chunkSizeUs uint64, useCache bool) (*Request, error) {
	if len(channels) == 0 {
		return nil, newErr(KindBadRequest, "no channels requested", nil)
	}
	if chunkSizeUs == 0 {
		return nil, newErr(KindBadRequest, "chunk_size must be positive", nil)
	}

	r := &Request{
		PackageID:   packageID,
		Channels:    channels,
		StartTS:     startTS,
		EndTS:       endTS,
		ChunkSizeUs: chunkSizeUs,
		UseCache:    useCache,
		pageSize:    pageSize,
		keys:        make(map[string][]PageKey, len(channels)),
	}

	// Tie-break per spec.md §4.4: end_ts <= start_ts yields no pages and an
	// empty iterator, not an error.
	if endTS <= startTS {
		return r, nil
	}

	for _, ch := range channels {
		r.keys[ch.ID] = pageKeysForChannel(packageID, ch, startTS, endTS, pageSize)
	}
	r.windows = chunkWindows(startTS, endTS, chunkSizeUs)

	return r, nil
}

// pageKeysForChannel computes the inclusive [first_index, last_index] page
// key range for one channel over [startTS, endTS).
func pageKeysForChannel(packageID string, ch Channel, startTS, endTS uint64, pageSize int) []PageKey {
	firstSample := ch.SampleIndex(startTS)
	lastSample := ch.SampleIndex(endTS - 1)

	firstIndex := floorDiv(firstSample, int64(pageSize))
	lastIndex := floorDiv(lastSample, int64(pageSize))

	keys := make([]PageKey, 0, lastIndex-firstIndex+1)
	for idx := firstIndex; idx <= lastIndex; idx++ {
		keys = append(keys, PageKey{PackageID: packageID, ChannelID: ch.ID, PageIndex: idx})
	}
	return keys
}

// chunkWindows splits [startTS, endTS) into ceil((endTS-startTS)/chunkSizeUs)
// fixed-width windows of chunkSizeUs each (spec.md §3: "a query produces
// ceil((end-start)/chunk_size) chunks per channel"). The final window is not
// clipped to endTS — it keeps the full chunkSizeUs width, so a duration that
// doesn't divide evenly still yields a last chunk covering a whole chunk's
// worth of time rather than a truncated remainder. Chunk boundaries are
// computed by time, not by page: a chunk may span multiple pages and a page
// may contribute to multiple chunks.
func chunkWindows(startTS, endTS, chunkSizeUs uint64) []chunkWindow {
	span := endTS - startTS
	n := span / chunkSizeUs
	if span%chunkSizeUs != 0 {
		n++
	}
	windows := make([]chunkWindow, 0, n)
	for i := uint64(0); i < n; i++ {
		t := startTS + i*chunkSizeUs
		windows = append(windows, chunkWindow{start: t, end: t + chunkSizeUs})
	}
	return windows
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Keys returns the full set of page keys needed across all channels, in a
// deterministic (channel order, then page-index order) sequence — the
// Request yields the same page-key sequence on every invocation for a
// fixed config and query (spec.md §8 determinism property).
func (r *Request) Keys() []PageKey {
	var all []PageKey
	for _, ch := range r.Channels {
		all = append(all, r.keys[ch.ID]...)
	}
	return all
}

// KeysForChannel returns the ordered page keys needed for one channel.
func (r *Request) KeysForChannel(channelID string) []PageKey {
	return r.keys[channelID]
}

// Windows returns the chunk time windows this request will emit.
func (r *Request) Windows() []chunkWindow {
	return r.windows
}
