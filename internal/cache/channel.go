package cache

// Channel identifies a time series by ID and sample rate (Hz). Per
// spec.md §3, sample k of a channel corresponds to timestamp
// k * (1e6 / rate) microseconds since the Unix epoch.
type Channel struct {
	ID   string
	Rate float64 // Hz
}

// NewChannel is a convenience constructor matching the scenario tests'
// Channel::new(id, rate) call shape.
func NewChannel(id string, rate float64) Channel {
	return Channel{ID: id, Rate: rate}
}

// PeriodMicros returns the inter-sample period in microseconds.
func (c Channel) PeriodMicros() float64 {
	return 1e6 / c.Rate
}

// SampleIndex returns the sample number whose timestamp is <= tsMicros,
// i.e. floor(tsMicros / period).
func (c Channel) SampleIndex(tsMicros uint64) int64 {
	return int64(float64(tsMicros) / c.PeriodMicros())
}

// TimestampOf returns the timestamp, in microseconds, of sample k.
func (c Channel) TimestampOf(k int64) uint64 {
	return uint64(float64(k) * c.PeriodMicros())
}
