package pinger

import "time"

// Histogram is a fixed-width bucketed counter over RTT values measured in
// microseconds, plus running mean/count/max. It is thread-confined: the
// caller must ensure only one goroutine ever calls Add on a given instance,
// per spec.md §4.4.
type Histogram struct {
	width   uint32
	max     uint32
	buckets []uint64

	count uint64
	mean  float64
	maxV  uint32
}

// NewHistogram builds a histogram covering [0, max) in buckets of the given
// width. max should be chosen large enough to contain the worst plausible
// RTT; values at or above it land in the final bucket.
func NewHistogram(width, max uint32) *Histogram {
	if width == 0 {
		width = 1
	}
	numBuckets := int(max/width) + 1
	return &Histogram{
		width:   width,
		max:     max,
		buckets: make([]uint64, numBuckets),
	}
}

// Add records one RTT sample, in microseconds.
func (h *Histogram) Add(value uint32) {
	idx := h.bucketIndex(value)
	h.buckets[idx]++
	h.count++
	h.mean += (float64(value) - h.mean) / float64(h.count)
	if value > h.maxV {
		h.maxV = value
	}
}

func (h *Histogram) bucketIndex(value uint32) int {
	idx := int(value / h.width)
	if idx >= len(h.buckets) {
		idx = len(h.buckets) - 1
	}
	return idx
}

// Count returns the number of samples recorded.
func (h *Histogram) Count() uint64 { return h.count }

// Mean returns the running mean in microseconds; 0 if no samples.
func (h *Histogram) Mean() float64 { return h.mean }

// Max returns the largest sample recorded, in microseconds.
func (h *Histogram) Max() uint32 { return h.maxV }

// Percentile scans cumulative bucket counts to find the bucket containing
// the p-th fraction of samples and returns that bucket's low edge, in
// microseconds. p is clamped to [0,1]. Returns 0 if no samples were recorded.
func (h *Histogram) Percentile(p float64) uint32 {
	if h.count == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	target := p * float64(h.count)
	var cum uint64
	for k, c := range h.buckets {
		cum += c
		if float64(cum) >= target {
			return uint32(k) * h.width
		}
	}
	return uint32(len(h.buckets)-1) * h.width
}

// MeanDuration and friends expose the histogram's time-domain fields for
// summarize_results. The histogram itself stores raw microsecond values.
func (h *Histogram) MeanDuration() time.Duration {
	return time.Duration(h.mean) * time.Microsecond
}

func (h *Histogram) MaxDuration() time.Duration {
	return time.Duration(h.maxV) * time.Microsecond
}

func (h *Histogram) PercentileDuration(p float64) time.Duration {
	return time.Duration(h.Percentile(p)) * time.Microsecond
}
