package pinger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram(1000, 1000000)
	require.Zero(t, h.Count())
	require.Zero(t, h.Mean())
	require.Zero(t, h.Max())
	require.Zero(t, h.Percentile(0.9))
}

func TestHistogramMeanAndMax(t *testing.T) {
	h := NewHistogram(1000, 1000000)
	for _, v := range []uint32{1000, 2000, 3000} {
		h.Add(v)
	}
	require.Equal(t, uint64(3), h.Count())
	require.InDelta(t, 2000.0, h.Mean(), 1e-9)
	require.Equal(t, uint32(3000), h.Max())
}

func TestHistogramPercentileOrdering(t *testing.T) {
	h := NewHistogram(100, 100000)
	for i := 1; i <= 100; i++ {
		h.Add(uint32(i) * 100)
	}
	p75 := h.Percentile(0.75)
	p90 := h.Percentile(0.90)
	maxV := h.Max()
	require.LessOrEqual(t, p75, p90, "p75 must not exceed p90")
	require.LessOrEqual(t, p90, maxV, "p90 must not exceed the observed max")
}

func TestHistogramClampsOutOfRangePercentile(t *testing.T) {
	h := NewHistogram(1000, 10000)
	h.Add(500)
	require.Equal(t, h.Percentile(0), h.Percentile(-1))
	require.Equal(t, h.Percentile(1), h.Percentile(2))
}

func TestHistogramValueAboveMaxLandsInFinalBucket(t *testing.T) {
	h := NewHistogram(1000, 5000)
	h.Add(50000)
	require.Equal(t, uint64(1), h.Count())
	require.Equal(t, uint32(50000), h.Max())
	require.Equal(t, uint64(1), h.buckets[len(h.buckets)-1])
}

func TestHistogramDurationHelpers(t *testing.T) {
	h := NewHistogram(1000, 1000000)
	h.Add(5000)
	require.Equal(t, 5*time.Millisecond, h.MeanDuration())
	require.Equal(t, 5*time.Millisecond, h.MaxDuration())
}
