package cache

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// PageKey identifies one cache page: a (package, channel, page index)
// triple, per spec.md §3.
type PageKey struct {
	PackageID string
	ChannelID string
	PageIndex int64
}

// String returns the canonical key form used both as the SQLite primary
// key text in the catalog and as input to Path.
func (k PageKey) String() string {
	return k.PackageID + "|" + k.ChannelID + "|" + strconv.FormatInt(k.PageIndex, 10)
}

// sanitizeComponent strips path separators and ".." so a page key can never
// escape the cache directory, per spec.md §6 ("path separators sanitized
// for the host filesystem").
func sanitizeComponent(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "__")
	return r.Replace(s)
}

// Path returns the deterministic on-disk location of a page file:
// root/<package_id>/<channel_id>/<page_index>.
func (k PageKey) Path(basePath string) string {
	return filepath.Join(
		basePath,
		sanitizeComponent(k.PackageID),
		sanitizeComponent(k.ChannelID),
		strconv.FormatInt(k.PageIndex, 10),
	)
}

// TemplatePath returns the single shared template file for a cache root.
func TemplatePath(basePath string) string {
	return filepath.Join(basePath, "template")
}

// ParsePageKey parses the canonical string form back into a PageKey.
func ParsePageKey(s string) (PageKey, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return PageKey{}, fmt.Errorf("malformed page key %q", s)
	}
	idx, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PageKey{}, fmt.Errorf("malformed page index in key %q: %w", s, err)
	}
	return PageKey{PackageID: parts[0], ChannelID: parts[1], PageIndex: idx}, nil
}
