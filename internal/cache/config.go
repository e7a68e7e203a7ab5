package cache

// Config carries the enumerated cache options of spec.md §6.
type Config struct {
	// BasePath is the cache root directory.
	BasePath string
	// PageSize is the number of sample cells per page (positive).
	PageSize int
	// SoftCacheSize is the Collector's eviction target, in bytes. 0
	// disables the Collector.
	SoftCacheSize int64
	// HardCacheSize is the over-budget warning threshold, in bytes.
	HardCacheSize int64
}

// NewConfig builds a Config, mirroring the constructor signature used by the
// scenario tests in spec.md §8 (base_path, page_size, soft, hard).
func NewConfig(basePath string, pageSize int, soft, hard int64) Config {
	return Config{
		BasePath:      basePath,
		PageSize:      pageSize,
		SoftCacheSize: soft,
		HardCacheSize: hard,
	}
}

// CollectorEnabled reports whether both budgets are configured, per
// spec.md §6 ("0 disables Collector").
func (c Config) CollectorEnabled() bool {
	return c.SoftCacheSize > 0 && c.HardCacheSize > 0
}
