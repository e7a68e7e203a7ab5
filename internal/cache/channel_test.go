package cache

import "testing"

// Confirms the sample-index formula against the literal numbers in
// spec.md's S1 scenario (50 Hz, start 1516550500000000us -> sample
// 75827525000), pinning the epoch=0/Unix-epoch assumption.
func TestChannel_SampleIndex_S1(t *testing.T) {
	ch := NewChannel("c:2", 50)
	const want = 75827525000
	got := ch.SampleIndex(1516550500000000)
	if got != want {
		t.Fatalf("SampleIndex = %d, want %d", got, want)
	}
}

func TestChannel_TimestampOf_RoundTrips(t *testing.T) {
	ch := NewChannel("c:1", 200)
	for _, k := range []int64{0, 1, 1000, 75827525000} {
		ts := ch.TimestampOf(k)
		if got := ch.SampleIndex(ts); got != k {
			t.Errorf("sample %d: timestamp %d round-trips to %d", k, ts, got)
		}
	}
}
