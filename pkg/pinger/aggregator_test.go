package pinger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hostResult(name string, numXmit, numRecv int, rttAvg time.Duration) TestResult {
	m := Metrics{NumXmit: numXmit, NumRecv: numRecv}
	if numXmit > 0 {
		m.LossRatio = float64(numXmit-numRecv) / float64(numXmit)
	}
	if numRecv > 0 {
		m.RTTAvg = rttAvg
		m.RTTP75 = rttAvg
		m.RTTP90 = rttAvg
		m.RTTMax = rttAvg
	}
	return TestResult{Metadata: Metadata{DstTarget: Target{Name: name}}, Metrics: m}
}

func TestAggregatorAveragesAcrossSweeps(t *testing.T) {
	agg := NewAggregator()

	agg.Add(UdpTestResults{HostResults: []TestResult{
		hostResult("h1", 10, 10, 10*time.Millisecond),
	}})
	agg.Add(UdpTestResults{HostResults: []TestResult{
		hostResult("h1", 10, 0, 0), // full loss sweep: must not pull the RTT average toward zero
	}})
	agg.Add(UdpTestResults{HostResults: []TestResult{
		hostResult("h1", 10, 10, 20*time.Millisecond),
	}})

	hosts, _ := agg.Flush()
	require.Len(t, hosts, 1)
	r := hosts[0]
	require.InDelta(t, 1.0/3.0, r.Metrics.LossRatio, 1e-9)
	require.Equal(t, 15*time.Millisecond, r.Metrics.RTTAvg, "RTT average must divide only by sweeps with at least one reply")
}

func TestAggregatorTracksRunningRTTMax(t *testing.T) {
	agg := NewAggregator()
	agg.Add(UdpTestResults{HostResults: []TestResult{hostResult("h1", 5, 5, 5*time.Millisecond)}})
	agg.Add(UdpTestResults{HostResults: []TestResult{hostResult("h1", 5, 5, 50*time.Millisecond)}})
	agg.Add(UdpTestResults{HostResults: []TestResult{hostResult("h1", 5, 5, 2*time.Millisecond)}})

	hosts, _ := agg.Flush()
	require.Equal(t, 50*time.Millisecond, hosts[0].Metrics.RTTMax)
}

func TestAggregatorResetsAfterFlush(t *testing.T) {
	agg := NewAggregator()
	agg.Add(UdpTestResults{HostResults: []TestResult{hostResult("h1", 1, 1, time.Millisecond)}})
	hosts, _ := agg.Flush()
	require.Len(t, hosts, 1)

	hosts, networks := agg.Flush()
	require.Empty(t, hosts)
	require.Empty(t, networks)
}

func TestAggregatorKeysNetworksSeparatelyFromHosts(t *testing.T) {
	agg := NewAggregator()
	agg.Add(UdpTestResults{
		NetworkResults: []TestResult{
			{Metadata: Metadata{DstTarget: Target{Network: "A"}}, Metrics: Metrics{NumXmit: 60, NumRecv: 60}},
			{Metadata: Metadata{DstTarget: Target{Network: "B"}}, Metrics: Metrics{NumXmit: 40, NumRecv: 40}},
		},
	})
	hosts, networks := agg.Flush()
	require.Len(t, networks, 2)
	require.Empty(t, hosts)
}
