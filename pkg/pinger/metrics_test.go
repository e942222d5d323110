package pinger

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// NewCollector registers against the global default registerer, so a second
// call in the same test binary would panic on duplicate registration; this
// is the only test in the package that constructs one.
func TestCollectorRecordSweep(t *testing.T) {
	c := NewCollector()

	results := UdpTestResults{
		HostResults: []TestResult{
			{Metadata: Metadata{DstTarget: Target{Name: "h1", Network: "A"}}, Metrics: Metrics{NumXmit: 10, NumRecv: 8}},
		},
		NetworkResults: []TestResult{
			{Metadata: Metadata{DstTarget: Target{Network: "A"}}, Metrics: Metrics{NumXmit: 10, NumRecv: 8, LossRatio: 0.2, RTTP90: 5 * time.Millisecond}},
		},
	}
	c.RecordSweep(results, 1.5)

	require.InDelta(t, 10, testutil.ToFloat64(c.ProbesSent), 1e-9)
	require.InDelta(t, 8, testutil.ToFloat64(c.ProbesReceived), 1e-9)
	require.InDelta(t, 0.2, testutil.ToFloat64(c.NetworkLossRatio.WithLabelValues("A")), 1e-9)
	require.InDelta(t, 0.005, testutil.ToFloat64(c.NetworkRTTP90.WithLabelValues("A")), 1e-9)
	require.Equal(t, 1, int(testutil.CollectAndCount(c.SweepDuration)))

	// A second sweep accumulates onto the counters rather than resetting them.
	c.RecordSweep(UdpTestResults{HostResults: []TestResult{{Metrics: Metrics{NumXmit: 5, NumRecv: 4}}}}, 0.1)
	require.InDelta(t, 15, testutil.ToFloat64(c.ProbesSent), 1e-9)
	require.InDelta(t, 12, testutil.ToFloat64(c.ProbesReceived), 1e-9)
}
